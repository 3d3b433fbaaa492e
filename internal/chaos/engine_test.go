package chaos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func frames(n int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = Frame{SeqNum: uint64(i + 1), Raw: []byte("8=FIX.4.4\x019=5\x0135=0\x0110=000\x01")}
	}
	return out
}

func TestValidate(t *testing.T) {
	_, err := NewEngine(Config{DropRate: 1.5})
	require.Error(t, err)
	_, err = NewEngine(Config{CorruptRate: -1})
	require.Error(t, err)
	_, err = NewEngine(Config{KeepFirst: -1})
	require.Error(t, err)
}

func TestNilEnginePassesThrough(t *testing.T) {
	var e *Engine
	out := e.Process(Frame{SeqNum: 1})
	require.Len(t, out, 1)
	require.Nil(t, e.Flush())
}

func TestReorderKeepsEveryFrame(t *testing.T) {
	e, err := NewEngine(Config{Seed: 7, ReorderWindow: 4})
	require.NoError(t, err)

	seen := map[uint64]int{}
	for _, f := range frames(50) {
		for _, out := range e.Process(f) {
			seen[out.SeqNum]++
		}
	}
	for _, out := range e.Flush() {
		seen[out.SeqNum]++
	}
	require.Len(t, seen, 50)
	for seq, n := range seen {
		if n != 1 {
			t.Fatalf("seq %d seen %d times", seq, n)
		}
	}
}

func TestDropAllAfterKeepFirst(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DropRate: 1, KeepFirst: 2})
	require.NoError(t, err)

	var got []uint64
	for _, f := range frames(5) {
		for _, out := range e.Process(f) {
			got = append(got, out.SeqNum)
		}
	}
	require.Equal(t, []uint64{1, 2}, got)
}

func TestCorruptCopiesFrame(t *testing.T) {
	e, err := NewEngine(Config{Seed: 3, CorruptRate: 1})
	require.NoError(t, err)

	in := frames(1)[0]
	orig := string(in.Raw)
	out := e.Process(in)
	require.Len(t, out, 1)
	require.Equal(t, orig, string(in.Raw))
	require.NotEqual(t, orig, string(out[0].Raw))
}

func TestDuplicateAll(t *testing.T) {
	e, err := NewEngine(Config{Seed: 5, DuplicateRate: 1})
	require.NoError(t, err)
	require.Len(t, e.Process(frames(1)[0]), 2)
}
