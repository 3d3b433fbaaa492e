package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/pkg/exception"
)

const messageValueHeader = 9

// Option configures the badger factory.
type Option func(*badger.Options)

// WithInMemory keeps the database in memory. Used by tests.
func WithInMemory() Option {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true)
		o.Dir, o.ValueDir = "", ""
	}
}

// Factory keeps every session in one badger database, partitioned by key prefix:
// "<session>/m/<seq>" for messages and "<session>/s" for counters.
type Factory struct {
	db *badger.DB

	mu   sync.Mutex
	open map[string]bool
}

// New opens the database at path with synchronous writes.
func New(path string, opts ...Option) (*Factory, error) {
	options := badger.DefaultOptions(path).WithSyncWrites(true)
	options.Logger = nil
	for _, opt := range opts {
		opt(&options)
	}
	if !options.InMemory && path == "" {
		return nil, exception.ErrStoreEmptyDir
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, store.Durable(err, "open badger")
	}
	return &Factory{db: db, open: make(map[string]bool)}, nil
}

func (f *Factory) Open(ctx context.Context, id schema.SessionID) (store.Store, error) {
	key := id.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[key] {
		return nil, exception.ErrStoreInUse
	}

	s := &Store{factory: f, db: f.db, prefix: key + "/"}
	err := f.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(s.stateKey())
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return s.putState(txn, schema.InitialSeqState(time.Now()))
	})
	if err != nil {
		return nil, store.Durable(err, "init session "+id.String())
	}
	f.open[key] = true
	return s, nil
}

func (f *Factory) Close() error {
	return store.Durable(f.db.Close(), "close badger")
}

func (f *Factory) release(prefix string) {
	f.mu.Lock()
	delete(f.open, prefix[:len(prefix)-1])
	f.mu.Unlock()
}

// Store is one session's view of the shared database.
type Store struct {
	factory *Factory
	db      *badger.DB
	prefix  string

	mu     sync.Mutex
	closed bool
}

func (s *Store) stateKey() []byte {
	return []byte(s.prefix + "s")
}

func (s *Store) messagePrefix() []byte {
	return []byte(s.prefix + "m/")
}

func (s *Store) messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%sm/%020d", s.prefix, seq))
}

func (s *Store) putState(txn *badger.Txn, st schema.SeqState) error {
	val, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return txn.Set(s.stateKey(), val)
}

func (s *Store) getState(txn *badger.Txn) (schema.SeqState, error) {
	var st schema.SeqState
	item, err := txn.Get(s.stateKey())
	if err != nil {
		return st, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &st)
	})
	return st, err
}

func encodeMessage(msg schema.StoredMessage) []byte {
	val := make([]byte, messageValueHeader+len(msg.Raw))
	binary.LittleEndian.PutUint64(val[0:8], uint64(msg.SentAt.UnixNano()))
	if msg.PossDup {
		val[8] = 1
	}
	copy(val[messageValueHeader:], msg.Raw)
	return val
}

func decodeMessage(seq uint64, val []byte) (schema.StoredMessage, error) {
	if len(val) < messageValueHeader {
		return schema.StoredMessage{}, exception.ErrStoreCorruptRecord
	}
	return schema.StoredMessage{
		SeqNum:  seq,
		SentAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(val[0:8]))).UTC(),
		PossDup: val[8] == 1,
		Raw:     append([]byte(nil), val[messageValueHeader:]...),
	}, nil
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	return nil
}

func (s *Store) Append(_ context.Context, msg schema.StoredMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		st, err := s.getState(txn)
		if err != nil {
			return err
		}
		if msg.SeqNum != st.NextOutgoing {
			return exception.ErrStoreSeqOutOfOrder
		}
		if err := txn.Set(s.messageKey(msg.SeqNum), encodeMessage(msg)); err != nil {
			return err
		}
		st.NextOutgoing = msg.SeqNum + 1
		return s.putState(txn, st)
	})
	if errors.Is(err, exception.ErrStoreSeqOutOfOrder) {
		return err
	}
	return store.Durable(err, "append")
}

func (s *Store) Range(_ context.Context, from, to uint64) ([]schema.StoredMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]schema.StoredMessage, 0)
	prefix := s.messagePrefix()
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.messageKey(from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seq, err := strconv.ParseUint(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return exception.ErrStoreCorruptRecord
			}
			if to != 0 && seq > to {
				return nil
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := decodeMessage(seq, val)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, store.Durable(err, "range")
	}
	return out, nil
}

func (s *Store) SequenceState(_ context.Context) (schema.SeqState, error) {
	if err := s.check(); err != nil {
		return schema.SeqState{}, err
	}
	var st schema.SeqState
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = s.getState(txn)
		return err
	})
	if err != nil {
		return schema.SeqState{}, store.Durable(err, "sequence state")
	}
	return st, nil
}

func (s *Store) SetSequenceState(_ context.Context, state schema.SeqState) error {
	if !state.Valid() {
		return exception.ErrStoreInvalidState
	}
	if err := s.check(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if state.CreatedAt.IsZero() {
			prev, err := s.getState(txn)
			if err != nil {
				return err
			}
			state.CreatedAt = prev.CreatedAt
		}
		return s.putState(txn, state)
	})
	return store.Durable(err, "set sequence state")
}

func (s *Store) Reset(_ context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.db.DropPrefix(s.messagePrefix()); err != nil {
		return store.Durable(err, "reset messages")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.putState(txn, schema.InitialSeqState(time.Now()))
	})
	return store.Durable(err, "reset state")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.release(s.prefix)
	return nil
}
