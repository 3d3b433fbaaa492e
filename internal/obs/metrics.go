package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight process-wide counters and latency stats.
type Metrics struct {
	messagesIn   uint64
	messagesOut  uint64
	resent       uint64
	malformed    uint64
	duplicates   uint64
	stateChanges uint64
	disconnects  uint64

	kindsMu sync.Mutex
	kinds   map[string]uint64

	storeLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	MessagesIn   uint64
	MessagesOut  uint64
	Resent       uint64
	Malformed    uint64
	Duplicates   uint64
	StateChanges uint64
	Disconnects  uint64
	// FailedByKind counts failed disconnects by error kind.
	FailedByKind map[string]uint64
	StoreLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) MessageIn(string, string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesIn, 1)
}

func (m *Metrics) MessageOut(string, string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesOut, 1)
}

func (m *Metrics) Resend(_ string, count int) {
	if m == nil || count <= 0 {
		return
	}
	atomic.AddUint64(&m.resent, uint64(count))
}

func (m *Metrics) Malformed(string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformed, 1)
}

func (m *Metrics) Duplicate(string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicates, 1)
}

// StateChange counts transitions; entering Disconnected also counts a disconnect.
func (m *Metrics) StateChange(_ string, _ string, to string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.stateChanges, 1)
	if to == disconnectedState {
		atomic.AddUint64(&m.disconnects, 1)
	}
}

func (m *Metrics) StoreLatency(_ string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeLatency.Observe(d)
}

func (m *Metrics) Disconnect(_ string, kind string) {
	if m == nil {
		return
	}
	m.kindsMu.Lock()
	if m.kinds == nil {
		m.kinds = make(map[string]uint64)
	}
	m.kinds[kind]++
	m.kindsMu.Unlock()
}

const disconnectedState = "Disconnected"

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	var byKind map[string]uint64
	m.kindsMu.Lock()
	if len(m.kinds) > 0 {
		byKind = make(map[string]uint64, len(m.kinds))
		for k, v := range m.kinds {
			byKind[k] = v
		}
	}
	m.kindsMu.Unlock()

	return Snapshot{
		MessagesIn:   atomic.LoadUint64(&m.messagesIn),
		MessagesOut:  atomic.LoadUint64(&m.messagesOut),
		Resent:       atomic.LoadUint64(&m.resent),
		Malformed:    atomic.LoadUint64(&m.malformed),
		Duplicates:   atomic.LoadUint64(&m.duplicates),
		StateChanges: atomic.LoadUint64(&m.stateChanges),
		Disconnects:  atomic.LoadUint64(&m.disconnects),
		FailedByKind: byKind,
		StoreLatency: m.storeLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
