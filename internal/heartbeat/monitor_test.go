package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func TestSilentPeerGetsOneTestRequestThenTimeout(t *testing.T) {
	m := New(30*time.Second, 500*time.Millisecond)
	m.Start(at(0))

	testRequests, timeoutAt := 0, -1.0
	for sec := 1.0; sec <= 70; sec++ {
		a := m.Tick(at(sec))
		if a.Has(ActionTestRequest) {
			testRequests++
			require.Equal(t, 31.0, sec)
			m.TestRequestSent("TR-1", at(sec))
		}
		if a.Has(ActionHeartbeat) {
			m.OnOutbound(at(sec))
		}
		if a.Has(ActionTimeout) {
			timeoutAt = sec
			break
		}
	}
	require.Equal(t, 1, testRequests)
	require.Equal(t, 61.0, timeoutAt)
}

func TestInboundAnswersTestRequest(t *testing.T) {
	m := New(30*time.Second, 500*time.Millisecond)
	m.Start(at(0))

	require.True(t, m.Tick(at(31)).Has(ActionTestRequest))
	m.TestRequestSent("TR-1", at(31))
	id, ok := m.Outstanding()
	require.True(t, ok)
	require.Equal(t, "TR-1", id)

	m.OnInbound(at(40))
	_, ok = m.Outstanding()
	require.False(t, ok)
	require.False(t, m.Tick(at(65)).Has(ActionTimeout))
	require.True(t, m.Tick(at(71)).Has(ActionTestRequest))
}

func TestHeartbeatWhenQuiet(t *testing.T) {
	m := New(30*time.Second, 0)
	m.Start(at(0))

	m.OnInbound(at(20))
	require.False(t, m.Tick(at(29)).Has(ActionHeartbeat))

	a := m.Tick(at(30))
	require.True(t, a.Has(ActionHeartbeat))
	require.False(t, a.Has(ActionTestRequest))

	m.OnOutbound(at(30))
	require.False(t, m.Tick(at(45)).Has(ActionHeartbeat))
}

func TestOutboundTrafficSuppressesHeartbeat(t *testing.T) {
	m := New(10*time.Second, 0)
	m.Start(at(0))
	for sec := 1.0; sec <= 9; sec++ {
		m.OnInbound(at(sec))
		m.OnOutbound(at(sec))
		require.Zero(t, m.Tick(at(sec)))
	}
}

func TestStoppedOrZeroIntervalDoesNothing(t *testing.T) {
	m := New(30*time.Second, 0)
	require.Zero(t, m.Tick(at(100)))

	m = New(0, 0)
	m.Start(at(0))
	require.Zero(t, m.Tick(at(1000)))

	m = New(30*time.Second, 0)
	m.Start(at(0))
	m.Stop()
	require.Zero(t, m.Tick(at(1000)))
}

func TestTickInterval(t *testing.T) {
	require.Equal(t, time.Second, TickInterval(30*time.Second))
	require.Equal(t, 500*time.Millisecond, TickInterval(time.Second))
	require.Equal(t, time.Second, TickInterval(0))
	require.Equal(t, time.Millisecond, TickInterval(time.Microsecond))

	m := New(time.Second, 0)
	m.SetInterval(30 * time.Second)
	require.Equal(t, 30*time.Second, m.Interval())
	require.Equal(t, time.Second, m.TickInterval())
}
