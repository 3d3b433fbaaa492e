package heartbeat

import "time"

// Actions is the set of things a tick asks the session to do.
type Actions uint8

const (
	ActionHeartbeat Actions = 1 << iota
	ActionTestRequest
	ActionTimeout
)

func (a Actions) Has(x Actions) bool {
	return a&x != 0
}

const maxTickInterval = time.Second

// Monitor tracks inbound and outbound activity against the heartbeat interval
// agreed at logon. It holds no timers; the owner calls Tick.
type Monitor struct {
	interval time.Duration
	grace    time.Duration

	started   bool
	lastIn    time.Time
	lastOut   time.Time
	testReqID string
	testReqAt time.Time
}

func New(interval, grace time.Duration) *Monitor {
	if grace < 0 {
		grace = 0
	}
	return &Monitor{interval: interval, grace: grace}
}

func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// SetInterval changes the interval, as when an acceptor adopts the
// initiator's HeartBtInt.
func (m *Monitor) SetInterval(interval time.Duration) {
	m.interval = interval
}

// Start begins monitoring from now.
func (m *Monitor) Start(now time.Time) {
	m.started = true
	m.lastIn = now
	m.lastOut = now
	m.testReqID = ""
	m.testReqAt = time.Time{}
}

func (m *Monitor) Stop() {
	m.started = false
	m.testReqID = ""
}

// OnInbound records any inbound message. It answers an outstanding test request.
func (m *Monitor) OnInbound(now time.Time) {
	m.lastIn = now
	m.testReqID = ""
	m.testReqAt = time.Time{}
}

func (m *Monitor) OnOutbound(now time.Time) {
	m.lastOut = now
}

// TestRequestSent records an outstanding test request.
func (m *Monitor) TestRequestSent(id string, now time.Time) {
	m.testReqID = id
	m.testReqAt = now
	m.lastOut = now
}

// Outstanding returns the unanswered TestReqID.
func (m *Monitor) Outstanding() (string, bool) {
	return m.testReqID, m.testReqID != ""
}

func (m *Monitor) LastInbound() time.Time {
	return m.lastIn
}

func (m *Monitor) LastOutbound() time.Time {
	return m.lastOut
}

// Tick evaluates the timers at now.
func (m *Monitor) Tick(now time.Time) Actions {
	if !m.started || m.interval <= 0 {
		return 0
	}

	var actions Actions
	idle := now.Sub(m.lastIn)
	switch {
	case m.testReqID != "" && idle > 2*m.interval+m.grace:
		return ActionTimeout
	case m.testReqID == "" && idle > m.interval+m.grace:
		actions |= ActionTestRequest
	}

	if !actions.Has(ActionTestRequest) && now.Sub(m.lastOut) >= m.interval {
		actions |= ActionHeartbeat
	}
	return actions
}

// TickInterval is how often Tick should run: half the interval, at most 1s.
func (m *Monitor) TickInterval() time.Duration {
	return TickInterval(m.interval)
}

func TickInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return maxTickInterval
	}
	d := interval / 2
	if d > maxTickInterval {
		d = maxTickInterval
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
