package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/internal/store/storetest"
	"fixengine/pkg/exception"
)

func TestFileStore(t *testing.T) {
	var dir string
	storetest.Run(t, storetest.Opener{
		Open: func(t *testing.T) store.Factory {
			dir = t.TempDir()
			f, err := store.NewFileFactory(dir)
			require.NoError(t, err)
			return f
		},
		Reopen: func(t *testing.T) store.Factory {
			f, err := store.NewFileFactory(dir)
			require.NoError(t, err)
			return f
		},
	})
}

func TestFileStoreEmptyDir(t *testing.T) {
	_, err := store.NewFileFactory("")
	require.ErrorIs(t, err, exception.ErrStoreEmptyDir)
}

func TestFileStoreTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, storetest.Message(seq)))
	}
	require.NoError(t, s.Close())

	logPath := filepath.Join(dir, "messages.log")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-5))

	s, err = store.OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.NextOutgoing)

	msgs, err := s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, s.Append(ctx, storetest.Message(3)))
	msgs, err = s.Range(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestFileStoreDetectsCorruptionInTheMiddle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, storetest.Message(seq)))
	}
	require.NoError(t, s.Close())

	logPath := filepath.Join(dir, "messages.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	data[40] ^= 0xff
	require.NoError(t, os.WriteFile(logPath, data, 0o644))

	_, err = store.OpenFile(dir)
	require.ErrorIs(t, err, exception.ErrStoreChecksum)
	require.True(t, errors.IsKind(err, errors.KindDurability))
}

func TestFileStoreNextOutgoingSurvivesWithoutHeaderRewrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetSequenceState(ctx, schema.SeqState{NextOutgoing: 1, NextIncoming: 5}))
	for seq := uint64(1); seq <= 7; seq++ {
		require.NoError(t, s.Append(ctx, storetest.Message(seq)))
	}
	require.NoError(t, s.Close())

	s, err = store.OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(8), st.NextOutgoing)
	require.Equal(t, uint64(5), st.NextIncoming)
}

func TestFileStoreResetSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, storetest.Message(seq)))
	}
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Close())

	s, err = store.OpenFile(dir)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.SequenceState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextOutgoing)
	msgs, err := s.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestReaderWalksLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.OpenFile(dir)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, storetest.Message(seq)))
	}
	require.NoError(t, s.Close())

	f, err := os.Open(filepath.Join(dir, "messages.log"))
	require.NoError(t, err)
	defer f.Close()

	r := store.NewReader(f)
	var seqs []uint64
	for {
		msg, err := r.Next()
		if err != nil {
			break
		}
		seqs = append(seqs, msg.SeqNum)
	}
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}
