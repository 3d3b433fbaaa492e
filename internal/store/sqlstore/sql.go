package sqlstore

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/pkg/conn"
	"fixengine/pkg/exception"
)

type messageRow struct {
	SessionKey string `gorm:"primaryKey;size:191"`
	SeqNum     uint64 `gorm:"primaryKey;autoIncrement:false"`
	Raw        []byte `gorm:"not null"`
	SentAt     time.Time
	PossDup    bool
}

func (messageRow) TableName() string {
	return "fix_messages"
}

type sessionRow struct {
	SessionKey   string `gorm:"primaryKey;size:191"`
	NextOutgoing uint64 `gorm:"not null"`
	NextIncoming uint64 `gorm:"not null"`
	CreatedAt    time.Time
}

func (sessionRow) TableName() string {
	return "fix_sessions"
}

func (r sessionRow) seqState() schema.SeqState {
	return schema.SeqState{
		NextOutgoing: r.NextOutgoing,
		NextIncoming: r.NextIncoming,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

// Factory stores sessions in two tables of a gorm database.
type Factory struct {
	client *conn.Client

	mu   sync.Mutex
	open map[string]bool
}

// New migrates the schema and takes ownership of client.
func New(client *conn.Client) (*Factory, error) {
	if client == nil || client.DB() == nil {
		return nil, exception.ErrNilInstance
	}
	if err := client.DB().AutoMigrate(&messageRow{}, &sessionRow{}); err != nil {
		return nil, store.Durable(err, "migrate")
	}
	return &Factory{client: client, open: make(map[string]bool)}, nil
}

func (f *Factory) Open(ctx context.Context, id schema.SessionID) (store.Store, error) {
	key := id.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[key] {
		return nil, exception.ErrStoreInUse
	}

	st := schema.InitialSeqState(time.Now())
	row := sessionRow{SessionKey: key, NextOutgoing: st.NextOutgoing, NextIncoming: st.NextIncoming, CreatedAt: st.CreatedAt}
	err := f.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return nil, store.Durable(err, "init session "+id.String())
	}

	f.open[key] = true
	return &Store{factory: f, db: f.client.DB(), key: key}, nil
}

func (f *Factory) Close() error {
	return store.Durable(f.client.Close(), "close database")
}

func (f *Factory) release(key string) {
	f.mu.Lock()
	delete(f.open, key)
	f.mu.Unlock()
}

// Store is one session's rows.
type Store struct {
	factory *Factory
	db      *gorm.DB
	key     string

	mu     sync.Mutex
	closed bool
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exception.ErrStoreClosed
	}
	return nil
}

func (s *Store) session(tx *gorm.DB) (sessionRow, error) {
	var row sessionRow
	err := tx.Where("session_key = ?", s.key).Take(&row).Error
	return row, err
}

func (s *Store) Append(ctx context.Context, msg schema.StoredMessage) error {
	if err := s.check(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.session(tx)
		if err != nil {
			return err
		}
		if msg.SeqNum != row.NextOutgoing {
			return exception.ErrStoreSeqOutOfOrder
		}
		rec := messageRow{
			SessionKey: s.key,
			SeqNum:     msg.SeqNum,
			Raw:        msg.Raw,
			SentAt:     msg.SentAt.UTC(),
			PossDup:    msg.PossDup,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Model(&sessionRow{}).
			Where("session_key = ?", s.key).
			Update("next_outgoing", msg.SeqNum+1).Error
	})
	if errors.Is(err, exception.ErrStoreSeqOutOfOrder) {
		return err
	}
	return store.Durable(err, "append")
}

func (s *Store) Range(ctx context.Context, from, to uint64) ([]schema.StoredMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("session_key = ? AND seq_num >= ?", s.key, from)
	if to != 0 {
		q = q.Where("seq_num <= ?", to)
	}
	var rows []messageRow
	if err := q.Order("seq_num ASC").Find(&rows).Error; err != nil {
		return nil, store.Durable(err, "range")
	}
	out := make([]schema.StoredMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.StoredMessage{
			SeqNum:  r.SeqNum,
			Raw:     r.Raw,
			SentAt:  r.SentAt.UTC(),
			PossDup: r.PossDup,
		})
	}
	return out, nil
}

func (s *Store) SequenceState(ctx context.Context) (schema.SeqState, error) {
	if err := s.check(); err != nil {
		return schema.SeqState{}, err
	}
	row, err := s.session(s.db.WithContext(ctx))
	if err != nil {
		return schema.SeqState{}, store.Durable(err, "sequence state")
	}
	return row.seqState(), nil
}

func (s *Store) SetSequenceState(ctx context.Context, state schema.SeqState) error {
	if !state.Valid() {
		return exception.ErrStoreInvalidState
	}
	if err := s.check(); err != nil {
		return err
	}
	updates := map[string]any{
		"next_outgoing": state.NextOutgoing,
		"next_incoming": state.NextIncoming,
	}
	if !state.CreatedAt.IsZero() {
		updates["created_at"] = state.CreatedAt.UTC()
	}
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_key = ?", s.key).
		Updates(updates).Error
	return store.Durable(err, "set sequence state")
}

func (s *Store) Reset(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	st := schema.InitialSeqState(time.Now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_key = ?", s.key).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		return tx.Model(&sessionRow{}).
			Where("session_key = ?", s.key).
			Updates(map[string]any{
				"next_outgoing": st.NextOutgoing,
				"next_incoming": st.NextIncoming,
				"created_at":    st.CreatedAt,
			}).Error
	})
	return store.Durable(err, "reset")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.release(s.key)
	return nil
}
