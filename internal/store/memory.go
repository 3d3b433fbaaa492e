package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// MemoryFactory keeps every session in process memory. Nothing survives a
// restart, but sessions survive Close and reopen within one factory.
type MemoryFactory struct {
	mu       sync.Mutex
	sessions map[string]*memoryData
	open     map[string]bool
}

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		sessions: make(map[string]*memoryData),
		open:     make(map[string]bool),
	}
}

func (f *MemoryFactory) Open(_ context.Context, id schema.SessionID) (Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := id.Key()
	if f.open[key] {
		return nil, exception.ErrStoreInUse
	}
	data, ok := f.sessions[key]
	if !ok {
		data = &memoryData{
			messages: make(map[uint64]schema.StoredMessage),
			state:    schema.InitialSeqState(time.Now()),
		}
		f.sessions[key] = data
	}
	f.open[key] = true
	return &memoryStore{factory: f, key: key, data: data}, nil
}

func (f *MemoryFactory) Close() error {
	return nil
}

func (f *MemoryFactory) release(key string) {
	f.mu.Lock()
	delete(f.open, key)
	f.mu.Unlock()
}

type memoryData struct {
	messages map[uint64]schema.StoredMessage
	state    schema.SeqState
}

type memoryStore struct {
	factory *MemoryFactory
	key     string

	mu     sync.Mutex
	data   *memoryData
	closed bool
}

// NewMemory returns a standalone in-memory store.
func NewMemory() Store {
	s, _ := NewMemoryFactory().Open(context.Background(), schema.SessionID{})
	return s
}

func (s *memoryStore) Append(_ context.Context, msg schema.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	if msg.SeqNum != s.data.state.NextOutgoing {
		return exception.ErrStoreSeqOutOfOrder
	}
	msg.Raw = append([]byte(nil), msg.Raw...)
	s.data.messages[msg.SeqNum] = msg
	s.data.state.NextOutgoing = msg.SeqNum + 1
	return nil
}

func (s *memoryStore) Range(_ context.Context, from, to uint64) ([]schema.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, exception.ErrStoreClosed
	}
	out := make([]schema.StoredMessage, 0)
	for seq, msg := range s.data.messages {
		if seq >= from && (to == 0 || seq <= to) {
			msg.Raw = append([]byte(nil), msg.Raw...)
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SeqNum < out[j].SeqNum
	})
	return out, nil
}

func (s *memoryStore) SequenceState(_ context.Context) (schema.SeqState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.SeqState{}, exception.ErrStoreClosed
	}
	return s.data.state, nil
}

func (s *memoryStore) SetSequenceState(_ context.Context, state schema.SeqState) error {
	if !state.Valid() {
		return exception.ErrStoreInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = s.data.state.CreatedAt
	}
	s.data.state = state
	return nil
}

func (s *memoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	s.data.messages = make(map[uint64]schema.StoredMessage)
	s.data.state = schema.InitialSeqState(time.Now())
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.release(s.key)
	return nil
}
