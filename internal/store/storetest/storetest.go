// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/pkg/exception"
)

// Opener returns a fresh factory. Reopen, when set, returns a factory over the
// same durable data as the previous one, after that one has been closed.
type Opener struct {
	Open   func(t *testing.T) store.Factory
	Reopen func(t *testing.T) store.Factory
}

var sessionID = schema.SessionID{SenderCompID: "OMS", TargetCompID: "TRADER"}

// Message builds a stored message for seq.
func Message(seq uint64) schema.StoredMessage {
	return schema.StoredMessage{
		SeqNum: seq,
		Raw:    []byte(fmt.Sprintf("8=FIX.4.4\x019=5\x0135=0\x0134=%d\x0110=000\x01", seq)),
		SentAt: time.Date(2024, 3, 1, 9, 30, 0, int(seq)*int(time.Millisecond), time.UTC),
	}
}

// Run executes the shared store behavior tests.
func Run(t *testing.T, o Opener) {
	t.Run("fresh state", func(t *testing.T) { testFreshState(t, o) })
	t.Run("append advances", func(t *testing.T) { testAppendAdvances(t, o) })
	t.Run("append out of order", func(t *testing.T) { testAppendOutOfOrder(t, o) })
	t.Run("range", func(t *testing.T) { testRange(t, o) })
	t.Run("set sequence state", func(t *testing.T) { testSetSequenceState(t, o) })
	t.Run("reset", func(t *testing.T) { testReset(t, o) })
	t.Run("sessions isolated", func(t *testing.T) { testIsolation(t, o) })
	t.Run("closed", func(t *testing.T) { testClosed(t, o) })
	if o.Reopen != nil {
		t.Run("survives reopen", func(t *testing.T) { testReopen(t, o) })
	}
}

func open(t *testing.T, f store.Factory, id schema.SessionID) store.Store {
	t.Helper()
	s, err := f.Open(context.Background(), id)
	require.NoError(t, err)
	return s
}

func appendN(t *testing.T, s store.Store, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, s.Append(context.Background(), Message(seq)))
	}
}

func testFreshState(t *testing.T, o Opener) {
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	st, err := s.SequenceState(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextOutgoing)
	require.Equal(t, uint64(1), st.NextIncoming)

	msgs, err := s.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func testAppendAdvances(t *testing.T, o Opener) {
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	appendN(t, s, 1, 3)
	st, err := s.SequenceState(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4), st.NextOutgoing)
	require.Equal(t, uint64(1), st.NextIncoming)
}

func testAppendOutOfOrder(t *testing.T, o Opener) {
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	appendN(t, s, 1, 2)
	require.ErrorIs(t, s.Append(context.Background(), Message(2)), exception.ErrStoreSeqOutOfOrder)
	require.ErrorIs(t, s.Append(context.Background(), Message(5)), exception.ErrStoreSeqOutOfOrder)

	st, err := s.SequenceState(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.NextOutgoing)
}

func testRange(t *testing.T, o Opener) {
	ctx := context.Background()
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	first := Message(1)
	first.PossDup = true
	require.NoError(t, s.Append(ctx, first))
	appendN(t, s, 2, 5)

	msgs, err := s.Range(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		want := Message(uint64(i + 2))
		require.Equal(t, want.SeqNum, m.SeqNum)
		require.Equal(t, want.Raw, m.Raw)
		require.True(t, want.SentAt.Equal(m.SentAt), "sentAt %v != %v", want.SentAt, m.SentAt)
		require.False(t, m.PossDup)
	}

	all, err := s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.True(t, all[0].PossDup)
	require.Equal(t, uint64(5), all[4].SeqNum)

	none, err := s.Range(ctx, 6, 9)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testSetSequenceState(t *testing.T, o Opener) {
	ctx := context.Background()
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	appendN(t, s, 1, 2)
	require.NoError(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 3, NextIncoming: 17}))

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.NextOutgoing)
	require.Equal(t, uint64(17), st.NextIncoming)
	require.False(t, st.CreatedAt.IsZero())

	require.ErrorIs(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 0, NextIncoming: 1}), exception.ErrStoreInvalidState)

	require.NoError(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 10, NextIncoming: 17}))
	require.NoError(t, s.Append(ctx, Message(10)))
	msgs, err := s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, uint64(10), msgs[2].SeqNum)
}

func testReset(t *testing.T, o Opener) {
	ctx := context.Background()
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	defer s.Close()

	appendN(t, s, 1, 4)
	require.NoError(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 5, NextIncoming: 9}))
	require.NoError(t, s.Reset(ctx))

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextOutgoing)
	require.Equal(t, uint64(1), st.NextIncoming)

	msgs, err := s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	appendN(t, s, 1, 1)
	msgs, err = s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func testIsolation(t *testing.T, o Opener) {
	ctx := context.Background()
	f := o.Open(t)
	defer f.Close()
	a := open(t, f, sessionID)
	defer a.Close()
	b := open(t, f, sessionID.Reverse())
	defer b.Close()

	appendN(t, a, 1, 3)
	st, err := b.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextOutgoing)

	msgs, err := b.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func testClosed(t *testing.T, o Opener) {
	f := o.Open(t)
	defer f.Close()
	s := open(t, f, sessionID)
	require.NoError(t, s.Close())
	require.Error(t, s.Append(context.Background(), Message(1)))
}

func testReopen(t *testing.T, o Opener) {
	ctx := context.Background()
	f := o.Open(t)
	s := open(t, f, sessionID)
	appendN(t, s, 1, 41)
	require.NoError(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 42, NextIncoming: 17}))
	require.NoError(t, s.Close())
	require.NoError(t, f.Close())

	f = o.Reopen(t)
	defer f.Close()
	s = open(t, f, sessionID)
	defer s.Close()

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), st.NextOutgoing)
	require.Equal(t, uint64(17), st.NextIncoming)

	msgs, err := s.Range(ctx, 40, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, Message(41).Raw, msgs[1].Raw)
}
