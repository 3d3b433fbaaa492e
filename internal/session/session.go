package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"fixengine/internal/bus"
	"fixengine/internal/codec"
	"fixengine/internal/dispatch"
	"fixengine/internal/errors"
	"fixengine/internal/heartbeat"
	"fixengine/internal/obs"
	"fixengine/internal/reconcile"
	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/pkg/exception"
)

type requestKind uint8

const (
	reqAttach requestKind = iota + 1
	reqSend
	reqLogout
	reqReset
	reqStatus
	reqReject
)

type request struct {
	kind       requestKind
	msg        *codec.Message
	text       string
	seq        uint64
	conn       net.Conn
	dec        *codec.Decoder
	handlerErr *dispatch.HandlerError
	reply      chan response
}

type response struct {
	seq    uint64
	done   <-chan struct{}
	status Status
	err    error
}

// delivery is one item for the application goroutine: an accepted
// application message or a lifecycle transition.
type delivery struct {
	msg    *codec.Message
	change *transition
}

type transition struct {
	from, to, reason string
}

// inboundItem is what the reconciler holds across a gap.
type inboundItem struct {
	msg *codec.Message
	// serviced marks messages acted on before their turn, such as a
	// ResendRequest that arrived beyond a gap.
	serviced bool
}

// Session is the actor owning one FIX session. All protocol state is touched
// only by the goroutine running Run; other goroutines talk to it through
// requests and the link's inbound events.
type Session struct {
	cfg        Config
	id         schema.SessionID
	name       string
	store      store.Store
	app        dispatch.Application
	rec        obs.Recorder
	dispatcher *dispatch.Dispatcher

	inbound  *bus.Queue[inboundEvent]
	requests *bus.Queue[request]
	delivery *bus.Mailbox[delivery]
	linkIDs  *obs.LinkIDs

	lifecycle      *fsm.FSM
	seq            schema.SeqState
	recon          *reconcile.Reconciler[*inboundItem]
	hb             *heartbeat.Monitor
	link           *link
	ticker         *time.Ticker
	runCtx         context.Context
	logonSent      bool
	resetSent      bool
	logonDeadline  time.Time
	logoutDeadline time.Time
	malformed      int
	lastReason     string
	lastCause      error

	running  atomic.Bool
	halted   atomic.Bool
	done     chan struct{}
	snapshot atomic.Pointer[Status]
}

// New builds a session over st. Application messages are routed by router;
// app receives lifecycle transitions and, when router is nil, every
// application message.
func New(cfg Config, st store.Store, router *dispatch.Router, app dispatch.Application, rec obs.Recorder) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "store")
	}
	if app == nil {
		app = nopApplication{}
	}
	if router == nil {
		router = dispatch.NewRouter()
		router.SetFallback(app)
	}
	if rec == nil {
		rec = obs.Nop{}
	}

	s := &Session{
		cfg:      cfg,
		id:       cfg.ID,
		name:     cfg.ID.String(),
		store:    st,
		app:      app,
		rec:      rec,
		inbound:  bus.NewQueue[inboundEvent](cfg.InboundQueue),
		requests: bus.NewQueue[request](cfg.RequestQueue),
		delivery: bus.NewMailbox[delivery](),
		linkIDs:  obs.NewLinkIDs(0),
		recon:    reconcile.New[*inboundItem](1),
		hb:       heartbeat.New(cfg.Heartbeat, cfg.Grace),
		runCtx:   context.Background(),
		done:     make(chan struct{}),
	}
	s.dispatcher = dispatch.New(cfg.ID, router, s)
	s.lifecycle = newLifecycle(s.onTransition)
	s.publishStatus()
	return s, nil
}

func (s *Session) ID() schema.SessionID {
	return s.id
}

func (s *Session) Config() Config {
	return s.cfg
}

// Halted reports a store failure that keeps the session from reconnecting.
func (s *Session) Halted() bool {
	return s.halted.Load()
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run loads the persisted counters and serves the session until ctx ends.
// It may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return exception.ErrSessionRunning
	}
	defer close(s.done)
	defer s.requests.Close()
	defer s.inbound.Close()

	state, err := s.store.SequenceState(ctx)
	if err != nil {
		s.delivery.Close()
		return store.Durable(err, "load sequence state")
	}
	s.seq = state
	s.recon.Clear(state.NextIncoming)
	s.runCtx = ctx
	s.publishStatus()
	logs.Infof("%s: loaded, next outgoing %d, next incoming %d", s.name, state.NextOutgoing, state.NextIncoming)

	var g errgroup.Group
	g.Go(func() error {
		s.delivery.Run(context.Background(), s.deliver)
		return nil
	})
	g.Go(func() error {
		defer s.delivery.Close()
		s.loop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Session) loop(ctx context.Context) {
	tickC := s.cfg.TickC
	if tickC == nil {
		s.ticker = time.NewTicker(heartbeat.TickInterval(s.cfg.Heartbeat))
		defer s.ticker.Stop()
		tickC = s.ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.disconnect(ReasonShutdown)
			s.publishStatus()
			return
		case ev := <-s.inbound.C():
			s.handleInbound(ev)
		case req := <-s.requests.C():
			s.handleRequest(req)
		case <-tickC:
			s.tick()
		}
		s.publishStatus()
	}
}

// Attach hands a connected transport to the session. dec may already hold
// bytes read from conn. The returned channel closes when the link ends.
func (s *Session) Attach(ctx context.Context, conn net.Conn, dec *codec.Decoder) (<-chan struct{}, error) {
	if conn == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "conn")
	}
	if s.halted.Load() {
		return nil, exception.ErrSessionHalted
	}
	if dec == nil {
		dec = codec.NewDecoder(s.cfg.MaxFrameSize)
	}
	resp, err := s.call(ctx, request{kind: reqAttach, conn: conn, dec: dec})
	if err != nil {
		return nil, err
	}
	return resp.done, nil
}

// Send assigns the next outgoing sequence number to an application message,
// persists it and transmits it when logged on. Messages sent while not logged
// on are delivered through the peer's resend request.
func (s *Session) Send(ctx context.Context, m *codec.Message) (uint64, error) {
	switch {
	case m == nil:
		return 0, errors.Wrap(exception.ErrNilInstance, "message")
	case m.MsgType == "":
		return 0, exception.ErrCodecEmptyMsgType
	case codec.IsAdmin(m.MsgType):
		return 0, errors.Wrap(exception.ErrSessionReservedType, m.MsgType)
	}
	resp, err := s.call(ctx, request{kind: reqSend, msg: m.Clone()})
	if err != nil {
		return 0, err
	}
	return resp.seq, nil
}

// Logout starts a graceful logout. The link is dropped when the peer answers
// or the logout timeout passes.
func (s *Session) Logout(ctx context.Context, text string) error {
	_, err := s.call(ctx, request{kind: reqLogout, text: text})
	return err
}

// ResetSequence moves the next outgoing number to n. While logged on it sends
// SequenceReset(Reset) and n must not be below the current number. While
// disconnected, n == 1 clears the store. Success clears a halt.
func (s *Session) ResetSequence(ctx context.Context, n uint64) error {
	if n < 1 {
		return exception.ErrSessionInvalidSeqNum
	}
	_, err := s.call(ctx, request{kind: reqReset, seq: n})
	return err
}

// Status reports the session state. It falls back to the last snapshot when
// the actor is not running.
func (s *Session) Status(ctx context.Context) (Status, error) {
	resp, err := s.call(ctx, request{kind: reqStatus})
	if errors.Is(err, exception.ErrSessionNotRunning) {
		return *s.snapshot.Load(), nil
	}
	if err != nil {
		return Status{}, err
	}
	return resp.status, nil
}

func (s *Session) call(ctx context.Context, req request) (response, error) {
	if !s.running.Load() {
		return response{}, exception.ErrSessionNotRunning
	}
	select {
	case <-s.done:
		return response{}, exception.ErrSessionNotRunning
	default:
	}

	req.reply = make(chan response, 1)
	if err := s.requests.Publish(ctx, req); err != nil {
		if errors.Is(err, bus.ErrQueueClosed) {
			return response{}, exception.ErrSessionNotRunning
		}
		return response{}, err
	}

	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-s.done:
		select {
		case resp := <-req.reply:
			return resp, resp.err
		default:
			return response{}, exception.ErrSessionNotRunning
		}
	}
}

func (s *Session) handleRequest(req request) {
	var resp response
	switch req.kind {
	case reqAttach:
		resp.done, resp.err = s.attach(req.conn, req.dec)
	case reqSend:
		resp.seq, resp.err = s.sendApp(req.msg)
	case reqLogout:
		resp.err = s.logout(req.text)
	case reqReset:
		resp.err = s.resetSequence(req.seq)
	case reqStatus:
		resp.status = s.status()
	case reqReject:
		s.onHandlerError(req.handlerErr)
	}
	if req.reply != nil {
		req.reply <- resp
	}
}

func (s *Session) attach(conn net.Conn, dec *codec.Decoder) (<-chan struct{}, error) {
	if s.halted.Load() {
		return nil, exception.ErrSessionHalted
	}
	if s.link != nil {
		return nil, exception.ErrSessionConnected
	}

	id := s.linkIDs.Next()
	s.link = startLink(s.runCtx, id, conn, dec, s.cfg.OutboundQueue, s.cfg.WriteTimeout, s.inbound.Publish)
	done := s.link.done
	s.malformed = 0
	s.logonSent, s.resetSent = false, false
	s.logonDeadline = s.cfg.Clock.Now().Add(s.cfg.LogonTimeout)
	logs.Infof("%s: link %d attached, remote %s", s.name, id, conn.RemoteAddr())
	s.fire(eventConnect, ReasonConnect)

	if s.cfg.Role == RoleInitiator {
		if s.cfg.ResetOnLogon {
			if err := s.resetStore(); err != nil {
				return done, nil
			}
			s.resetSent = true
		}
		_ = s.sendLogon(s.cfg.ResetOnLogon, s.recon.Expected())
	}
	return done, nil
}

func (s *Session) logout(text string) error {
	switch s.state() {
	case StateDisconnected, StateLogoutPending:
		return nil
	case StateLogonPending:
		s.logoutAndDisconnect(text, ReasonLogout)
		return nil
	}
	if err := s.sendAdmin(codec.NewLogout(text)); err != nil {
		return err
	}
	s.logoutDeadline = s.cfg.Clock.Now().Add(s.cfg.LogoutTimeout)
	s.fire(eventLogout, ReasonLogout)
	return nil
}

func (s *Session) resetSequence(n uint64) error {
	if loggedOn(s.state()) {
		if n < s.seq.NextOutgoing {
			return errors.Wrap(exception.ErrSessionSeqBehind, s.name)
		}
		now := s.cfg.Clock.Now()
		m := codec.NewSequenceReset(n, false)
		s.stampHeader(m, s.seq.NextOutgoing, now)
		raw, err := codec.Encode(nil, m)
		if err != nil {
			return err
		}
		next := s.seq
		next.NextOutgoing = n
		if err := s.saveState(next, "reset next outgoing"); err != nil {
			return err
		}
		logs.Infof("%s: next outgoing reset to %d", s.name, n)
		s.transmit(raw, m.MsgType, now)
		return nil
	}

	var err error
	if n == 1 {
		err = s.store.Reset(s.runCtx)
	} else {
		next := s.seq
		next.NextOutgoing = n
		err = s.store.SetSequenceState(s.runCtx, next)
	}
	if err != nil {
		return store.Durable(err, "reset sequence")
	}
	state, err := s.store.SequenceState(s.runCtx)
	if err != nil {
		return store.Durable(err, "reload sequence state")
	}
	s.seq = state
	s.recon.Clear(state.NextIncoming)
	if s.halted.CompareAndSwap(true, false) {
		logs.Infof("%s: halt cleared by sequence reset", s.name)
	}
	logs.Infof("%s: sequence reset, next outgoing %d, next incoming %d", s.name, state.NextOutgoing, state.NextIncoming)
	return nil
}

func (s *Session) tick() {
	now := s.cfg.Clock.Now()
	switch s.state() {
	case StateLogonPending:
		if now.After(s.logonDeadline) {
			logs.Errorf("%s: no logon within %s", s.name, s.cfg.LogonTimeout)
			s.disconnect(ReasonLogonTimeout)
		}
	case StateLogoutPending:
		if now.After(s.logoutDeadline) {
			logs.Errorf("%s: no logout reply within %s", s.name, s.cfg.LogoutTimeout)
			s.disconnect(ReasonLogoutTimeout)
		}
	case StateActive, StateRecovering:
		a := s.hb.Tick(now)
		switch {
		case a.Has(heartbeat.ActionTimeout):
			logs.Errorf("%s: test request unanswered, last inbound %s", s.name, s.hb.LastInbound().Format(time.RFC3339Nano))
			s.disconnect(ReasonHeartbeatTimeout)
		case a.Has(heartbeat.ActionTestRequest):
			id := newTestReqID()
			if err := s.sendAdmin(codec.NewTestRequest(id)); err == nil {
				s.hb.TestRequestSent(id, now)
			}
		case a.Has(heartbeat.ActionHeartbeat):
			_ = s.sendAdmin(codec.NewHeartbeat(""))
		}
	}
}

func (s *Session) state() string {
	return s.lifecycle.Current()
}

func (s *Session) fire(event, reason string) {
	if !s.lifecycle.Can(event) {
		return
	}
	if err := s.lifecycle.Event(context.Background(), event, reason); err != nil {
		logs.Errorf("%s: lifecycle %s, err: %+v", s.name, event, err)
	}
}

func (s *Session) onTransition(from, to, reason string) {
	s.lastReason = reason
	logs.Infof("%s: %s -> %s (%s)", s.name, from, to, reason)
	s.rec.StateChange(s.name, from, to)
	_ = s.delivery.Put(delivery{change: &transition{from: from, to: to, reason: reason}})
}

// disconnect drops the link after flushing what is queued and forgets
// per-connection state. Persisted counters are kept.
func (s *Session) disconnect(reason string) {
	s.drop(reason, nil)
}

// drop is disconnect with the error that caused it, if any.
func (s *Session) drop(reason string, err error) {
	up := s.link != nil || s.state() != StateDisconnected
	if cause := disconnectCause(reason, err); cause != nil && up {
		kind := errors.KindOf(cause)
		logs.Errorf("%s: disconnect, kind: %s, err: %+v", s.name, kind, cause)
		s.rec.Disconnect(s.name, kind.String())
		s.lastCause = cause
	} else if up {
		s.lastCause = nil
	}
	if s.link != nil {
		s.link.close()
		logs.Infof("%s: link %d closed (%s)", s.name, s.link.id, reason)
		s.link = nil
	}
	s.hb.Stop()
	s.recon.Clear(s.seq.NextIncoming)
	s.malformed = 0
	s.logonSent, s.resetSent = false, false
	s.fire(eventDisconnect, reason)
}

func (s *Session) logoutAndDisconnect(text, reason string) {
	if s.link != nil {
		if err := s.sendAdmin(codec.NewLogout(text)); err != nil {
			return
		}
	}
	s.disconnect(reason)
}

// fail halts the session after a store failure.
func (s *Session) fail(err error) {
	logs.Errorf("%s: halting, err: %+v", s.name, err)
	s.halted.Store(true)
	s.drop(ReasonStoreFailure, err)
}

func (s *Session) resetTicker() {
	if s.ticker != nil {
		s.ticker.Reset(s.hb.TickInterval())
	}
}

type nopApplication struct{}

func (nopApplication) OnMessage(schema.SessionID, *codec.Message) error {
	return nil
}

func (nopApplication) OnSessionStateChange(schema.SessionID, string, string, string) {}
