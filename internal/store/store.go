package store

import (
	"context"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
)

// Store is the durable per-session record of outbound messages and sequence
// counters. Every method that returns nil has committed durably.
type Store interface {
	// Append records msg and advances NextOutgoing to msg.SeqNum+1 in the same
	// commit. msg.SeqNum must equal the current NextOutgoing.
	Append(ctx context.Context, msg schema.StoredMessage) error
	// Range returns stored messages with from <= seq <= to in ascending order.
	// to == 0 means through the last stored message. Missing numbers are skipped.
	Range(ctx context.Context, from, to uint64) ([]schema.StoredMessage, error)
	SequenceState(ctx context.Context) (schema.SeqState, error)
	SetSequenceState(ctx context.Context, state schema.SeqState) error
	// Reset clears all messages and sets both counters back to 1.
	Reset(ctx context.Context) error
	Close() error
}

// Factory opens one Store per session identity.
type Factory interface {
	Open(ctx context.Context, id schema.SessionID) (Store, error)
	Close() error
}

// Durable tags err as a durability failure.
func Durable(err error, text string) error {
	if err == nil {
		return nil
	}
	return errors.WithKind(errors.Wrap(err, text), errors.KindDurability)
}
