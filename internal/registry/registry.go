package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/dispatch"
	"fixengine/internal/errors"
	"fixengine/internal/obs"
	"fixengine/internal/schema"
	"fixengine/internal/session"
	"fixengine/internal/store"
	"fixengine/pkg/exception"
)

type entry struct {
	s      *session.Session
	st     store.Store
	cancel context.CancelFunc
}

// Registry is the single owner of session actors. Lookups run concurrently;
// creation and destruction are serialized.
type Registry struct {
	ctx     context.Context
	factory store.Factory
	router  *dispatch.Router
	app     dispatch.Application
	rec     obs.Recorder

	lifecycle sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*entry
	byComp   map[string][]*entry
}

// New creates a registry whose actors run until ctx ends or they are
// destroyed.
func New(ctx context.Context, factory store.Factory, router *dispatch.Router, app dispatch.Application, rec obs.Recorder) *Registry {
	return &Registry{
		ctx:      ctx,
		factory:  factory,
		router:   router,
		app:      app,
		rec:      rec,
		sessions: make(map[string]*entry),
		byComp:   make(map[string][]*entry),
	}
}

// compKey indexes a session by the CompIDs its peer puts on the wire.
func compKey(incomingSender, incomingTarget string) string {
	return incomingSender + "\x00" + incomingTarget
}

// Create opens the session's store and starts its actor.
func (r *Registry) Create(ctx context.Context, cfg session.Config) (*session.Session, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	key := cfg.ID.Key()
	if _, ok := r.lookup(key); ok {
		return nil, errors.Wrap(exception.ErrSessionExists, cfg.ID.String())
	}
	if r.factory == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "store factory")
	}

	st, err := r.factory.Open(ctx, cfg.ID)
	if err != nil {
		return nil, store.Durable(err, "open store for "+cfg.ID.String())
	}
	s, err := session.New(cfg, st, r.router, r.app, r.rec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.ctx)
	e := &entry{s: s, st: st, cancel: cancel}
	go func() {
		if err := s.Run(runCtx); err != nil {
			logs.Errorf("%s: run, err: %+v", cfg.ID, err)
		}
	}()

	r.mu.Lock()
	r.sessions[key] = e
	ck := compKey(cfg.ID.TargetCompID, cfg.ID.SenderCompID)
	r.byComp[ck] = append(r.byComp[ck], e)
	r.mu.Unlock()

	logs.Infof("%s: created as %s", cfg.ID, cfg.Role)
	return s, nil
}

func (r *Registry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[key]
	return e, ok
}

func (r *Registry) Lookup(id schema.SessionID) (*session.Session, bool) {
	e, ok := r.lookup(id.Key())
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Resolve finds the session a peer addresses with the given CompIDs, as read
// from its first frame.
func (r *Registry) Resolve(incomingSender, incomingTarget string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byComp[compKey(incomingSender, incomingTarget)]
	switch len(entries) {
	case 0:
		return nil, errors.Wrap(exception.ErrSessionUnknown, incomingSender+"->"+incomingTarget)
	case 1:
		return entries[0].s, nil
	}
	return nil, errors.Wrap(exception.ErrSessionAmbiguous, incomingSender+"->"+incomingTarget)
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Destroy logs the session out, stops its actor and closes its store.
func (r *Registry) Destroy(ctx context.Context, id schema.SessionID) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	key := id.Key()
	r.mu.Lock()
	e, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		ck := compKey(id.TargetCompID, id.SenderCompID)
		r.byComp[ck] = removeEntry(r.byComp[ck], e)
		if len(r.byComp[ck]) == 0 {
			delete(r.byComp, ck)
		}
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrap(exception.ErrSessionUnknown, id.String())
	}
	return stop(ctx, e)
}

func removeEntry(entries []*entry, e *entry) []*entry {
	out := entries[:0]
	for _, x := range entries {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// stop asks for a graceful logout and waits up to the logout timeout for the
// link to drop before cancelling the actor.
func stop(ctx context.Context, e *entry) error {
	cfg := e.s.Config()
	if err := e.s.Logout(ctx, "session stopping"); err != nil && !errors.Is(err, exception.ErrSessionNotRunning) {
		logs.Errorf("%s: logout, err: %+v", cfg.ID, err)
	}

	deadline := time.NewTimer(cfg.LogoutTimeout + time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		st, err := e.s.Status(ctx)
		if err != nil || !st.Connected {
			break
		}
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			logs.Errorf("%s: still connected after logout timeout", cfg.ID)
			break wait
		case <-poll.C:
		}
	}

	e.cancel()
	<-e.s.Done()
	if err := e.st.Close(); err != nil {
		return store.Durable(err, "close store for "+cfg.ID.String())
	}
	logs.Infof("%s: stopped", cfg.ID)
	return nil
}

func (r *Registry) get(id schema.SessionID) (*session.Session, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return nil, errors.Wrap(exception.ErrSessionUnknown, id.String())
	}
	return s, nil
}

func (r *Registry) ForceLogout(ctx context.Context, id schema.SessionID, text string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	return s.Logout(ctx, text)
}

func (r *Registry) ResetSequence(ctx context.Context, id schema.SessionID, n uint64) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	return s.ResetSequence(ctx, n)
}

func (r *Registry) Status(ctx context.Context, id schema.SessionID) (session.Status, error) {
	s, err := r.get(id)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(ctx)
}

// List reports every session ordered by identity.
func (r *Registry) List(ctx context.Context) ([]session.Status, error) {
	sessions := r.Sessions()
	out := make([]session.Status, 0, len(sessions))
	for _, s := range sessions {
		st, err := s.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Close stops every session in parallel and closes the store factory.
func (r *Registry) Close(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[string]*entry)
	r.byComp = make(map[string][]*entry)
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := stop(ctx, e); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if r.factory != nil {
		if err := r.factory.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
