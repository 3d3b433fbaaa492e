package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/obs"
	"fixengine/internal/schema"
	"fixengine/internal/store"
)

const waitFor = 2 * time.Second

var engineID = schema.SessionID{SenderCompID: "ENGINE", TargetCompID: "CLIENT"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingApp struct {
	msgs   chan *codec.Message
	states chan transition

	mu   sync.Mutex
	fail func(*codec.Message) error
}

func newRecordingApp() *recordingApp {
	return &recordingApp{
		msgs:   make(chan *codec.Message, 1024),
		states: make(chan transition, 1024),
	}
}

func (a *recordingApp) OnMessage(_ schema.SessionID, m *codec.Message) error {
	a.mu.Lock()
	fail := a.fail
	a.mu.Unlock()
	if fail != nil {
		if err := fail(m); err != nil {
			return err
		}
	}
	a.msgs <- m
	return nil
}

func (a *recordingApp) OnSessionStateChange(_ schema.SessionID, from, to, reason string) {
	a.states <- transition{from: from, to: to, reason: reason}
}

func (a *recordingApp) setFail(f func(*codec.Message) error) {
	a.mu.Lock()
	a.fail = f
	a.mu.Unlock()
}

func (a *recordingApp) next(t *testing.T) *codec.Message {
	t.Helper()
	select {
	case m := <-a.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatalf("no application message delivered")
		return nil
	}
}

func (a *recordingApp) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-a.msgs:
		t.Fatalf("unexpected delivery of %s seq %d", m.MsgType, m.SeqNum)
	case <-time.After(d):
	}
}

// waitTransition consumes transitions until one enters to with reason.
func (a *recordingApp) waitTransition(t *testing.T, to, reason string) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case tr := <-a.states:
			if tr.to == to && (reason == "" || tr.reason == reason) {
				return
			}
		case <-deadline:
			t.Fatalf("no transition to %s (%s)", to, reason)
		}
	}
}

// peer is a scripted counterparty on the far end of a net.Pipe.
type peer struct {
	t     *testing.T
	conn  net.Conn
	clock *fakeClock
	seq   uint64
	in    chan *codec.Message

	mu   sync.Mutex
	sent map[uint64]*codec.Message
}

func newPeer(t *testing.T, conn net.Conn, clock *fakeClock) *peer {
	p := &peer{
		t:     t,
		conn:  conn,
		clock: clock,
		seq:   1,
		in:    make(chan *codec.Message, 1024),
		sent:  make(map[uint64]*codec.Message),
	}
	go p.read()
	return p
}

func (p *peer) read() {
	defer close(p.in)
	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				m, _, derr := dec.Next()
				if errors.Is(derr, codec.ErrIncomplete) {
					break
				}
				if derr == nil {
					p.in <- m
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *peer) frame(m *codec.Message, seq uint64) []byte {
	p.t.Helper()
	if m.BeginString == "" {
		m.BeginString = DefaultBeginString
	}
	if m.SenderCompID == "" {
		m.SenderCompID = engineID.TargetCompID
	}
	if m.TargetCompID == "" {
		m.TargetCompID = engineID.SenderCompID
	}
	m.SeqNum = seq
	m.SendingTime = p.clock.Now()
	raw, err := codec.Encode(nil, m)
	require.NoError(p.t, err)
	return raw
}

func (p *peer) write(raw []byte) {
	p.t.Helper()
	_, err := p.conn.Write(raw)
	require.NoError(p.t, err)
}

// send numbers m with the peer's next sequence number and writes it.
func (p *peer) send(m *codec.Message) uint64 {
	p.t.Helper()
	seq := p.seq
	p.seq++
	p.sendAt(m, seq)
	return seq
}

// sendAt writes m under seq without moving the peer's counter.
func (p *peer) sendAt(m *codec.Message, seq uint64) {
	p.t.Helper()
	raw := p.frame(m, seq)
	p.mu.Lock()
	p.sent[seq] = m.Clone()
	p.mu.Unlock()
	p.write(raw)
}

// possDup rebuilds the frame sent under seq as a retransmission.
func (p *peer) possDup(seq uint64) []byte {
	p.t.Helper()
	p.mu.Lock()
	orig, ok := p.sent[seq]
	p.mu.Unlock()
	require.True(p.t, ok, "seq %d never sent", seq)
	m := orig.Clone()
	m.PossDup = true
	m.OrigSendingTime = orig.SendingTime
	return p.frame(m, seq)
}

func (p *peer) expect(msgType string) *codec.Message {
	p.t.Helper()
	select {
	case m, ok := <-p.in:
		if !ok {
			p.t.Fatalf("link closed while waiting for %s", msgType)
		}
		if m.MsgType != msgType {
			p.t.Fatalf("got %s seq %d, want %s", m.MsgType, m.SeqNum, msgType)
		}
		return m
	case <-time.After(waitFor):
		p.t.Fatalf("timed out waiting for %s", msgType)
	}
	return nil
}

func (p *peer) expectClosed() {
	p.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m, ok := <-p.in:
			if !ok {
				return
			}
			p.t.Logf("drained %s seq %d before close", m.MsgType, m.SeqNum)
		case <-deadline:
			p.t.Fatalf("link still open")
		}
	}
}

type fixture struct {
	t        *testing.T
	s        *Session
	store    store.Store
	app      *recordingApp
	metrics  *obs.Metrics
	clock    *fakeClock
	tick     chan time.Time
	peer     *peer
	linkDone <-chan struct{}
}

func newFixture(t *testing.T, st store.Store, opts ...func(*Config)) *fixture {
	t.Helper()
	clock := newFakeClock()
	tick := make(chan time.Time)
	cfg := Config{
		ID:        engineID,
		Heartbeat: 30 * time.Second,
		Clock:     clock,
		TickC:     tick,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if st == nil {
		st = store.NewMemory()
	}

	app := newRecordingApp()
	metrics := obs.NewMetrics()
	s, err := New(cfg, st, nil, app, metrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})

	return &fixture{t: t, s: s, store: st, app: app, metrics: metrics, clock: clock, tick: tick}
}

func (f *fixture) connect() {
	f.t.Helper()
	a, b := net.Pipe()
	var done <-chan struct{}
	require.Eventually(f.t, func() bool {
		var err error
		done, err = f.s.Attach(context.Background(), a, nil)
		return err == nil
	}, waitFor, 5*time.Millisecond)
	f.peer = newPeer(f.t, b, f.clock)
	f.linkDone = done
	f.t.Cleanup(func() {
		_ = b.Close()
	})
}

// logon connects and completes an acceptor handshake.
func (f *fixture) logon() *codec.Message {
	f.t.Helper()
	f.connect()
	f.peer.send(codec.NewLogon(30*time.Second, false))
	reply := f.peer.expect(codec.MsgTypeLogon)
	f.waitState(StateActive)
	return reply
}

func (f *fixture) advance(d time.Duration) {
	f.tick <- f.clock.Advance(d)
}

func (f *fixture) status() Status {
	f.t.Helper()
	st, err := f.s.Status(context.Background())
	require.NoError(f.t, err)
	return st
}

func (f *fixture) waitState(state string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.status().State == state
	}, waitFor, 5*time.Millisecond)
}

func (f *fixture) waitLinkDone() {
	f.t.Helper()
	select {
	case <-f.linkDone:
	case <-time.After(waitFor):
		f.t.Fatalf("link not closed")
	}
}

func order(id string) *codec.Message {
	return codec.New(codec.MsgTypeNewOrderSingle,
		codec.Field{Tag: 11, Value: id},
		codec.Field{Tag: 55, Value: "ACME"},
		codec.Field{Tag: 54, Value: "1"},
		codec.Field{Tag: 38, Value: "100"},
		codec.Field{Tag: 44, Value: "10.25"},
	)
}

func seeded(t *testing.T, next schema.SeqState) store.Store {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.SetSequenceState(context.Background(), next))
	return st
}

// flakyStore fails writes on demand.
type flakyStore struct {
	store.Store
	fail atomic.Bool
}

var errDiskGone = errors.New("disk gone")

func (s *flakyStore) Append(ctx context.Context, msg schema.StoredMessage) error {
	if s.fail.Load() {
		return errDiskGone
	}
	return s.Store.Append(ctx, msg)
}

func (s *flakyStore) SetSequenceState(ctx context.Context, state schema.SeqState) error {
	if s.fail.Load() {
		return errDiskGone
	}
	return s.Store.SetSequenceState(ctx, state)
}
