package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fixengine/internal/chaos"
	"fixengine/internal/codec"
)

// serveResends answers every ResendRequest from the engine with PossDup
// copies pushed through a reordering, duplicating chaos engine.
func serveResends(t *testing.T, p *peer, eng *chaos.Engine, stop <-chan struct{}) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case m, ok := <-p.in:
				if !ok {
					return
				}
				if m.MsgType != codec.MsgTypeResendRequest {
					continue
				}
				begin, _ := m.Uint(codec.TagBeginSeqNo)
				end, _ := m.Uint(codec.TagEndSeqNo)
				var out []chaos.Frame
				for seq := begin; seq <= end; seq++ {
					out = append(out, eng.Process(chaos.Frame{SeqNum: seq, Raw: p.possDup(seq)})...)
				}
				out = append(out, eng.Flush()...)
				for _, f := range out {
					if _, err := p.conn.Write(f.Raw); err != nil {
						t.Errorf("write resend %d: %v", f.SeqNum, err)
						return
					}
				}
			}
		}
	}()
	return &wg
}

func TestRecoversFromDroppedAndReorderedFrames(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	drops, err := chaos.NewEngine(chaos.Config{Seed: 42, DropRate: 0.3})
	require.NoError(t, err)
	resends, err := chaos.NewEngine(chaos.Config{Seed: 7, DuplicateRate: 0.3, ReorderWindow: 3})
	require.NoError(t, err)

	stop := make(chan struct{})
	wg := serveResends(t, f.peer, resends, stop)
	defer func() {
		close(stop)
		wg.Wait()
	}()

	const n = 30
	for i := 0; i < n; i++ {
		seq := f.peer.seq
		f.peer.seq++
		m := order("c")
		raw := f.peer.frame(m, seq)
		f.peer.mu.Lock()
		f.peer.sent[seq] = m.Clone()
		f.peer.mu.Unlock()
		for _, fr := range drops.Process(chaos.Frame{SeqNum: seq, Raw: raw}) {
			f.peer.write(fr.Raw)
		}
	}
	// A final heartbeat exposes a dropped tail.
	f.peer.send(codec.NewHeartbeat(""))

	for want := uint64(2); want < 2+n; want++ {
		got := f.app.next(t)
		require.Equal(t, want, got.SeqNum)
	}
	f.app.none(t, 100*time.Millisecond)
	require.Eventually(t, func() bool {
		st := f.status()
		return st.State == StateActive && st.NextIncoming == 2+n+1
	}, waitFor, 5*time.Millisecond)
}
