package chaos

import (
	"math/rand"
	"time"

	"fixengine/internal/errors"
	"fixengine/pkg/exception"
)

// Frame is one encoded message travelling between test peers.
type Frame struct {
	SeqNum uint64
	Raw    []byte
}

// Config controls fault injection.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	CorruptRate   float64
	ReorderWindow int
	// KeepFirst passes the first frames through untouched, so a logon
	// handshake is not disturbed.
	KeepFirst int
}

// Engine drops, duplicates, corrupts and reorders frames.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	seen    int
	pending []Frame
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "duplicateRate must be between 0 and 1")
	}
	if c.CorruptRate < 0 || c.CorruptRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "corruptRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "reorderWindow must be >= 1")
	}
	if c.KeepFirst < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "keepFirst must be >= 0")
	}
	return nil
}

// Process applies chaos to a single frame and returns the frames to send now.
func (e *Engine) Process(f Frame) []Frame {
	if e == nil {
		return []Frame{f}
	}
	e.seen++
	if e.seen <= e.cfg.KeepFirst {
		return []Frame{f}
	}
	if e.shouldDrop() {
		return nil
	}
	f = e.applyCorrupt(f)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(f)
	}
	e.pending = append(e.pending, f)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	idx := e.rng.Intn(len(e.pending))
	out := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return e.applyDuplicate(out)
}

// Flush returns any buffered frames after processing completes.
func (e *Engine) Flush() []Frame {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]Frame, 0, len(e.pending))
	for len(e.pending) > 0 {
		idx := e.rng.Intn(len(e.pending))
		f := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		out = append(out, e.applyDuplicate(f)...)
	}
	return out
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(f Frame) []Frame {
	out := []Frame{f}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, f)
	}
	return out
}

// applyCorrupt flips one byte inside the body so the checksum no longer holds.
func (e *Engine) applyCorrupt(f Frame) Frame {
	if e.cfg.CorruptRate <= 0 || len(f.Raw) < 16 || e.rng.Float64() >= e.cfg.CorruptRate {
		return f
	}
	raw := append([]byte(nil), f.Raw...)
	idx := 10 + e.rng.Intn(len(raw)-17)
	raw[idx] ^= 0x20
	f.Raw = raw
	return f
}
