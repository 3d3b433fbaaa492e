package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.MessageIn("A->B", "D")
	m.MessageOut("A->B", "8")
	m.MessageOut("A->B", "0")
	m.Resend("A->B", 3)
	m.Malformed("A->B")
	m.Duplicate("A->B")
	m.StateChange("A->B", "Active", "Disconnected")
	m.StoreLatency("A->B", 2*time.Millisecond)
	m.StoreLatency("A->B", 4*time.Millisecond)
	m.Disconnect("A->B", "heartbeat")
	m.Disconnect("A->B", "heartbeat")
	m.Disconnect("A->B", "protocol")

	s := m.Snapshot()
	require.Equal(t, map[string]uint64{"heartbeat": 2, "protocol": 1}, s.FailedByKind)
	require.Equal(t, uint64(1), s.MessagesIn)
	require.Equal(t, uint64(2), s.MessagesOut)
	require.Equal(t, uint64(3), s.Resent)
	require.Equal(t, uint64(1), s.Malformed)
	require.Equal(t, uint64(1), s.Duplicates)
	require.Equal(t, uint64(1), s.Disconnects)
	require.Equal(t, uint64(2), s.StoreLatency.Count)
	require.Equal(t, 2*time.Millisecond, s.StoreLatency.Min)
	require.Equal(t, 4*time.Millisecond, s.StoreLatency.Max)
	require.Equal(t, 3*time.Millisecond, s.StoreLatency.Avg)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageIn("x", "D")
	m.StateChange("x", "a", "b")
	m.Disconnect("x", "transient")
	require.Equal(t, Snapshot{}, m.Snapshot())
}

func TestPrometheusCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.MessageIn("A->B", "D")
	p.MessageIn("A->B", "D")
	p.Resend("A->B", 4)
	p.StateChange("A->B", "LogonPending", "Active")
	p.Disconnect("A->B", "heartbeat")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			values[mf.GetName()] += metric.GetCounter().GetValue()
		}
	}
	require.Equal(t, 2.0, values["fixengine_messages_total"])
	require.Equal(t, 4.0, values["fixengine_resent_messages_total"])
	require.Equal(t, 1.0, values["fixengine_session_transitions_total"])
	require.Equal(t, 1.0, values["fixengine_failed_disconnects_total"])

	_, err = NewPrometheus(reg)
	require.Error(t, err, "second registration must collide")
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	r := Multi(a, nil, b)
	r.MessageIn("s", "D")
	require.Equal(t, uint64(1), a.Snapshot().MessagesIn)
	require.Equal(t, uint64(1), b.Snapshot().MessagesIn)

	require.Equal(t, Nop{}, Multi())
	require.Equal(t, Recorder(a), Multi(a))
}

func TestLinkIDsIncrease(t *testing.T) {
	g := NewLinkIDs(10)
	require.Equal(t, uint64(11), g.Next())
	require.Equal(t, uint64(12), g.Next())

	var nilGen *LinkIDs
	require.Equal(t, uint64(0), nilGen.Next())
}
