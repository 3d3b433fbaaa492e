package session

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixengine/internal/codec"
	"fixengine/internal/dispatch"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	require.ErrorIs(t, err, exception.ErrSessionInvalidID)

	_, err = New(Config{ID: engineID}, nil, nil, nil, nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)

	_, err = New(Config{ID: engineID, BeginString: "HTTP/1.1"}, nil, nil, nil, nil)
	require.ErrorIs(t, err, exception.ErrSessionInvalidConfig)
}

func TestAcceptorLogon(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.logon()

	assert.Equal(t, uint64(1), reply.SeqNum)
	assert.Equal(t, "ENGINE", reply.SenderCompID)
	assert.Equal(t, "CLIENT", reply.TargetCompID)
	hb, ok := reply.Int(codec.TagHeartBtInt)
	require.True(t, ok)
	assert.Equal(t, 30, hb)

	f.app.waitTransition(t, StateLogonPending, ReasonConnect)
	f.app.waitTransition(t, StateActive, ReasonLogon)

	st := f.status()
	assert.Equal(t, uint64(2), st.NextOutgoing)
	assert.Equal(t, uint64(2), st.NextIncoming)
	assert.True(t, st.Connected)
}

func TestAcceptorAdoptsHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()
	f.peer.send(codec.NewLogon(10*time.Second, false))
	reply := f.peer.expect(codec.MsgTypeLogon)
	hb, _ := reply.Int(codec.TagHeartBtInt)
	assert.Equal(t, 10, hb)
	f.waitState(StateActive)
	assert.Equal(t, 10, f.status().Heartbeat)
}

func TestLogonHeartbeatAboveMaxRejected(t *testing.T) {
	for _, hb := range []string{"3601", "9223372036854775807"} {
		t.Run(hb, func(t *testing.T) {
			f := newFixture(t, nil)
			f.connect()
			logon := codec.NewLogon(30*time.Second, false)
			logon.Set(codec.TagHeartBtInt, hb)
			f.peer.send(logon)

			lo := f.peer.expect(codec.MsgTypeLogout)
			text, _ := lo.Get(codec.TagText)
			assert.Contains(t, text, "HeartBtInt")
			f.peer.expectClosed()
			f.app.waitTransition(t, StateDisconnected, ReasonLogonRejected)
			assert.Equal(t, errors.KindProtocol.String(), f.status().LastKind)
		})
	}
}

func TestMaxHeartbeatBoundsConfig(t *testing.T) {
	cfg := Config{ID: engineID, Heartbeat: 2 * time.Hour}.withDefaults()
	require.ErrorIs(t, cfg.Validate(), exception.ErrSessionInvalidConfig)

	cfg.MaxHeartbeat = 3 * time.Hour
	require.NoError(t, cfg.Validate())
}

func TestSendNumbersStrictlyIncrease(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	ctx := context.Background()
	for i := uint64(2); i <= 6; i++ {
		seq, err := f.s.Send(ctx, order("c"))
		require.NoError(t, err)
		require.Equal(t, i, seq)
	}
	for i := uint64(2); i <= 6; i++ {
		m := f.peer.expect(codec.MsgTypeNewOrderSingle)
		require.Equal(t, i, m.SeqNum)
		require.False(t, m.PossDup)
	}

	_, err := f.s.Send(ctx, codec.NewHeartbeat(""))
	require.ErrorIs(t, err, exception.ErrSessionReservedType)
	_, err = f.s.Send(ctx, nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestGapHeldAndReleasedInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.sendAt(order("c5"), 5)
	rr := f.peer.expect(codec.MsgTypeResendRequest)
	begin, _ := rr.Uint(codec.TagBeginSeqNo)
	end, _ := rr.Uint(codec.TagEndSeqNo)
	require.Equal(t, uint64(2), begin)
	require.Equal(t, uint64(4), end)
	f.waitState(StateRecovering)
	f.app.none(t, 50*time.Millisecond)

	f.peer.sendAt(order("c3"), 3)
	f.peer.sendAt(order("c4"), 4)
	f.app.none(t, 50*time.Millisecond)
	f.peer.sendAt(order("c2"), 2)
	f.peer.seq = 6

	for want := uint64(2); want <= 5; want++ {
		require.Equal(t, want, f.app.next(t).SeqNum)
	}
	f.waitState(StateActive)
	f.app.waitTransition(t, StateRecovering, ReasonGapDetected)
	f.app.waitTransition(t, StateActive, ReasonGapFilled)

	f.peer.send(order("c6"))
	require.Equal(t, uint64(6), f.app.next(t).SeqNum)

	// Exactly one resend request: the next frame is our own order.
	_, err := f.s.Send(context.Background(), order("mine"))
	require.NoError(t, err)
	f.peer.expect(codec.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(7), f.status().NextIncoming)
}

func TestDuplicateIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.send(order("c2"))
	require.Equal(t, uint64(2), f.app.next(t).SeqNum)

	f.peer.write(f.peer.possDup(2))
	f.peer.send(order("c3"))
	require.Equal(t, uint64(3), f.app.next(t).SeqNum)
	f.app.none(t, 50*time.Millisecond)

	st := f.status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, uint64(4), st.NextIncoming)
}

func TestSequenceTooLowDisconnects(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.send(order("c2"))
	f.app.next(t)
	f.peer.sendAt(order("again"), 2)

	lo := f.peer.expect(codec.MsgTypeLogout)
	text, _ := lo.Get(codec.TagText)
	assert.Contains(t, text, "MsgSeqNum too low")
	f.peer.expectClosed()
	f.waitLinkDone()
	f.app.waitTransition(t, StateDisconnected, ReasonSequenceTooLow)
}

func TestHeartbeatSentWhenIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.advance(30 * time.Second)
	hb := f.peer.expect(codec.MsgTypeHeartbeat)
	assert.False(t, hb.Has(codec.TagTestReqID))
}

func TestHeartbeatTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.advance(31 * time.Second)
	tr := f.peer.expect(codec.MsgTypeTestRequest)
	id, ok := tr.Get(codec.TagTestReqID)
	require.True(t, ok)
	require.NotEmpty(t, id)

	f.advance(31 * time.Second)
	f.peer.expectClosed()
	f.waitLinkDone()
	f.app.waitTransition(t, StateDisconnected, ReasonHeartbeatTimeout)

	st := f.status()
	assert.Equal(t, errors.KindHeartbeat.String(), st.LastKind)
	assert.Contains(t, st.LastError, ReasonHeartbeatTimeout)
	assert.Equal(t, map[string]uint64{"heartbeat": 1}, f.metrics.Snapshot().FailedByKind)
}

func TestTestRequestAnswered(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.send(codec.NewTestRequest("ping-1"))
	hb := f.peer.expect(codec.MsgTypeHeartbeat)
	id, _ := hb.Get(codec.TagTestReqID)
	assert.Equal(t, "ping-1", id)
}

func TestResendServicesWithGapFills(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.s.Send(ctx, order("c"))
		require.NoError(t, err)
		f.peer.expect(codec.MsgTypeNewOrderSingle)
	}
	f.advance(30 * time.Second)
	require.Equal(t, uint64(4), f.peer.expect(codec.MsgTypeHeartbeat).SeqNum)
	_, err := f.s.Send(ctx, order("c"))
	require.NoError(t, err)
	first := f.peer.expect(codec.MsgTypeNewOrderSingle)
	require.Equal(t, uint64(5), first.SeqNum)

	f.peer.send(codec.NewResendRequest(1, 0))

	gf := f.peer.expect(codec.MsgTypeSequenceReset)
	assert.Equal(t, uint64(1), gf.SeqNum)
	assert.True(t, gf.PossDup)
	assert.True(t, gf.Bool(codec.TagGapFillFlag))
	next, _ := gf.Uint(codec.TagNewSeqNo)
	assert.Equal(t, uint64(2), next)

	for _, want := range []uint64{2, 3} {
		m := f.peer.expect(codec.MsgTypeNewOrderSingle)
		assert.Equal(t, want, m.SeqNum)
		assert.True(t, m.PossDup)
		assert.False(t, m.OrigSendingTime.IsZero())
	}

	gf = f.peer.expect(codec.MsgTypeSequenceReset)
	assert.Equal(t, uint64(4), gf.SeqNum)
	next, _ = gf.Uint(codec.TagNewSeqNo)
	assert.Equal(t, uint64(5), next)

	again := f.peer.expect(codec.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(5), again.SeqNum)
	assert.True(t, again.PossDup)
	assert.True(t, again.OrigSendingTime.Equal(first.SendingTime))
	assert.True(t, again.SendingTime.After(first.SendingTime) || again.SendingTime.Equal(first.SendingTime))

	// Resends reuse numbers; the counter is unchanged.
	assert.Equal(t, uint64(6), f.status().NextOutgoing)
}

func TestInitiatorReconnectKeepsCounters(t *testing.T) {
	initiator := func(c *Config) { c.Role = RoleInitiator }
	state := schema.SeqState{NextOutgoing: 42, NextIncoming: 17}

	t.Run("restart claim rejected", func(t *testing.T) {
		f := newFixture(t, seeded(t, state), initiator)
		f.connect()
		logon := f.peer.expect(codec.MsgTypeLogon)
		require.Equal(t, uint64(42), logon.SeqNum)

		reply := codec.NewLogon(30*time.Second, false)
		reply.SetUint(codec.TagNextExpectedMsgSeqNum, 1)
		f.peer.sendAt(reply, 17)

		lo := f.peer.expect(codec.MsgTypeLogout)
		text, _ := lo.Get(codec.TagText)
		assert.Contains(t, text, "restart")
		f.peer.expectClosed()
		f.app.waitTransition(t, StateDisconnected, ReasonLogonRejected)

		st := f.status()
		assert.Equal(t, uint64(44), st.NextOutgoing)
		assert.Equal(t, uint64(17), st.NextIncoming)
	})

	t.Run("logon continues", func(t *testing.T) {
		f := newFixture(t, seeded(t, state), initiator)
		f.connect()
		require.Equal(t, uint64(42), f.peer.expect(codec.MsgTypeLogon).SeqNum)
		f.peer.sendAt(codec.NewLogon(30*time.Second, false), 17)
		f.waitState(StateActive)

		st := f.status()
		assert.Equal(t, uint64(43), st.NextOutgoing)
		assert.Equal(t, uint64(18), st.NextIncoming)
	})
}

func TestLogonSeqTooLowRejected(t *testing.T) {
	f := newFixture(t, seeded(t, schema.SeqState{NextOutgoing: 42, NextIncoming: 17}))
	f.connect()
	f.peer.send(codec.NewLogon(30*time.Second, false))

	lo := f.peer.expect(codec.MsgTypeLogout)
	require.Equal(t, uint64(42), lo.SeqNum)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonSequenceTooLow)
}

func TestResetSeqNumFlagOnLogon(t *testing.T) {
	f := newFixture(t, seeded(t, schema.SeqState{NextOutgoing: 42, NextIncoming: 17}))
	f.connect()
	f.peer.send(codec.NewLogon(30*time.Second, true))

	reply := f.peer.expect(codec.MsgTypeLogon)
	assert.Equal(t, uint64(1), reply.SeqNum)
	assert.True(t, reply.Bool(codec.TagResetSeqNumFlag))
	f.waitState(StateActive)

	st := f.status()
	assert.Equal(t, uint64(2), st.NextOutgoing)
	assert.Equal(t, uint64(2), st.NextIncoming)
}

func TestInitiatorResetOnLogon(t *testing.T) {
	f := newFixture(t, seeded(t, schema.SeqState{NextOutgoing: 42, NextIncoming: 17}), func(c *Config) {
		c.Role = RoleInitiator
		c.ResetOnLogon = true
	})
	f.connect()

	logon := f.peer.expect(codec.MsgTypeLogon)
	assert.Equal(t, uint64(1), logon.SeqNum)
	assert.True(t, logon.Bool(codec.TagResetSeqNumFlag))

	f.peer.send(codec.NewLogon(30*time.Second, true))
	f.waitState(StateActive)
	assert.Equal(t, uint64(2), f.status().NextIncoming)
}

func TestLogonGapEntersRecovering(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()
	f.peer.sendAt(codec.NewLogon(30*time.Second, false), 5)

	f.peer.expect(codec.MsgTypeLogon)
	rr := f.peer.expect(codec.MsgTypeResendRequest)
	begin, _ := rr.Uint(codec.TagBeginSeqNo)
	end, _ := rr.Uint(codec.TagEndSeqNo)
	assert.Equal(t, uint64(1), begin)
	assert.Equal(t, uint64(4), end)
	f.waitState(StateRecovering)

	f.peer.sendAt(codec.NewSequenceReset(5, true), 1)
	f.waitState(StateActive)
	assert.Equal(t, uint64(6), f.status().NextIncoming)
	f.app.none(t, 50*time.Millisecond)
}

func TestNextExpectedTriggersResend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := f.s.Send(ctx, order("queued-1"))
		return err == nil
	}, waitFor, 5*time.Millisecond)
	_, err := f.s.Send(ctx, order("queued-2"))
	require.NoError(t, err)

	f.connect()
	logon := codec.NewLogon(30*time.Second, false)
	logon.SetUint(codec.TagNextExpectedMsgSeqNum, 2)
	f.peer.send(logon)

	require.Equal(t, uint64(3), f.peer.expect(codec.MsgTypeLogon).SeqNum)
	m := f.peer.expect(codec.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(2), m.SeqNum)
	assert.True(t, m.PossDup)
	id, _ := m.Get(11)
	assert.Equal(t, "queued-2", id)
}

func TestSendWhileDisconnectedResentOnRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var seq uint64
	require.Eventually(t, func() bool {
		var err error
		seq, err = f.s.Send(ctx, order("early"))
		return err == nil
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, uint64(1), seq)

	reply := f.logon()
	require.Equal(t, uint64(2), reply.SeqNum)

	f.peer.send(codec.NewResendRequest(1, 1))
	m := f.peer.expect(codec.MsgTypeNewOrderSingle)
	assert.Equal(t, uint64(1), m.SeqNum)
	assert.True(t, m.PossDup)
}

func TestHandlerErrorRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.app.setFail(func(m *codec.Message) error {
		if m.SeqNum == 2 {
			return dispatch.Reject(codec.RejectValueIncorrect, 44, "bad price")
		}
		return nil
	})
	f.logon()

	f.peer.send(order("bad"))
	rj := f.peer.expect(codec.MsgTypeReject)
	ref, _ := rj.Uint(codec.TagRefSeqNum)
	tag, _ := rj.Int(codec.TagRefTagID)
	reason, _ := rj.Int(codec.TagSessionRejectReason)
	assert.Equal(t, uint64(2), ref)
	assert.Equal(t, 44, tag)
	assert.Equal(t, int(codec.RejectValueIncorrect), reason)

	f.peer.send(order("good"))
	require.Equal(t, uint64(3), f.app.next(t).SeqNum)
	assert.Equal(t, StateActive, f.status().State)
}

func TestHandlerMayCallSend(t *testing.T) {
	f := newFixture(t, nil)
	f.app.setFail(func(m *codec.Message) error {
		report := codec.New(codec.MsgTypeExecutionReport, codec.Field{Tag: 150, Value: "0"})
		_, err := f.s.Send(context.Background(), report)
		return err
	})
	f.logon()

	f.peer.send(order("c2"))
	er := f.peer.expect(codec.MsgTypeExecutionReport)
	assert.Equal(t, uint64(2), er.SeqNum)
}

func corrupt(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	cs := out[len(out)-4 : len(out)-1]
	if string(cs) == "000" {
		copy(cs, "001")
	} else {
		copy(cs, "000")
	}
	return out
}

func TestMalformedThreshold(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.MalformedThreshold = 2 })
	f.logon()

	for i := 0; i < 2; i++ {
		f.peer.write(corrupt(f.peer.frame(order("x"), 2)))
		rj := f.peer.expect(codec.MsgTypeReject)
		ref, _ := rj.Uint(codec.TagRefSeqNum)
		assert.Equal(t, uint64(2), ref)
	}
	assert.Equal(t, StateActive, f.status().State)

	f.peer.write(corrupt(f.peer.frame(order("x"), 2)))
	f.peer.expect(codec.MsgTypeReject)
	f.peer.expect(codec.MsgTypeLogout)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonMalformedThreshold)

	// The garbled frames never consumed a sequence number.
	assert.Equal(t, uint64(2), f.status().NextIncoming)
}

func TestStoreFailureHalts(t *testing.T) {
	st := &flakyStore{Store: seeded(t, schema.SeqState{NextOutgoing: 1, NextIncoming: 1})}
	f := newFixture(t, st)
	f.logon()

	st.fail.Store(true)
	_, err := f.s.Send(context.Background(), order("c"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDurability))
	assert.ErrorIs(t, err, errDiskGone)

	f.waitLinkDone()
	f.app.waitTransition(t, StateDisconnected, ReasonStoreFailure)
	assert.True(t, f.s.Halted())
	assert.True(t, f.status().Halted)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err = f.s.Attach(context.Background(), a, nil)
	require.ErrorIs(t, err, exception.ErrSessionHalted)

	st.fail.Store(false)
	require.NoError(t, f.s.ResetSequence(context.Background(), 1))
	assert.False(t, f.s.Halted())
	assert.Equal(t, uint64(1), f.status().NextOutgoing)
}

func TestResetSequenceWhileLoggedOn(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()
	ctx := context.Background()

	require.ErrorIs(t, f.s.ResetSequence(ctx, 1), exception.ErrSessionSeqBehind)
	require.ErrorIs(t, f.s.ResetSequence(ctx, 0), exception.ErrSessionInvalidSeqNum)

	require.NoError(t, f.s.ResetSequence(ctx, 100))
	sr := f.peer.expect(codec.MsgTypeSequenceReset)
	assert.Equal(t, uint64(2), sr.SeqNum)
	assert.False(t, sr.Bool(codec.TagGapFillFlag))
	newSeq, _ := sr.Uint(codec.TagNewSeqNo)
	assert.Equal(t, uint64(100), newSeq)

	seq, err := f.s.Send(ctx, order("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), seq)
}

func TestPeerSequenceReset(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.send(codec.NewSequenceReset(10, false))
	f.peer.seq = 10
	f.peer.send(order("c10"))
	require.Equal(t, uint64(10), f.app.next(t).SeqNum)
	assert.Equal(t, uint64(11), f.status().NextIncoming)
}

func TestLogoutHandshake(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	require.NoError(t, f.s.Logout(context.Background(), "end of day"))
	lo := f.peer.expect(codec.MsgTypeLogout)
	text, _ := lo.Get(codec.TagText)
	assert.Equal(t, "end of day", text)
	f.waitState(StateLogoutPending)

	f.peer.send(codec.NewLogout(""))
	f.peer.expectClosed()
	f.waitLinkDone()
	f.app.waitTransition(t, StateDisconnected, ReasonLogout)
}

func TestLogoutTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	require.NoError(t, f.s.Logout(context.Background(), ""))
	f.peer.expect(codec.MsgTypeLogout)
	f.waitState(StateLogoutPending)

	f.advance(3 * time.Second)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonLogoutTimeout)
}

func TestPeerLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	f.peer.send(codec.NewLogout("bye"))
	f.peer.expect(codec.MsgTypeLogout)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateLogoutPending, ReasonLogout)
	f.app.waitTransition(t, StateDisconnected, ReasonLogout)

	st := f.status()
	assert.Empty(t, st.LastKind)
	assert.Empty(t, st.LastError)
	assert.Empty(t, f.metrics.Snapshot().FailedByKind)
}

func TestDisconnectCauseKinds(t *testing.T) {
	cases := []struct {
		reason string
		err    error
		want   errors.Kind
	}{
		{ReasonTransport, net.ErrClosed, errors.KindTransient},
		{ReasonHeartbeatTimeout, nil, errors.KindHeartbeat},
		{ReasonLogonTimeout, nil, errors.KindHeartbeat},
		{ReasonProtocol, nil, errors.KindProtocol},
		{ReasonMalformedThreshold, nil, errors.KindProtocol},
		{ReasonSequenceTooLow, nil, errors.KindProtocol},
		{ReasonStoreFailure, errDiskGone, errors.KindDurability},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			cause := disconnectCause(tc.reason, tc.err)
			require.Error(t, cause)
			assert.Equal(t, tc.want, errors.KindOf(cause))
			if tc.err != nil {
				assert.ErrorIs(t, cause, tc.err)
			} else {
				assert.ErrorIs(t, cause, exception.ErrSessionDisconnected)
			}
		})
	}

	for _, graceful := range []string{ReasonLogout, ReasonShutdown} {
		assert.NoError(t, disconnectCause(graceful, nil), graceful)
	}
}

func TestLogonTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()
	f.waitState(StateLogonPending)

	f.advance(11 * time.Second)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonLogonTimeout)
}

func TestFirstMessageMustBeLogon(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()
	f.peer.send(codec.NewHeartbeat(""))
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonProtocol)
}

func TestCompIDMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.connect()

	logon := codec.NewLogon(30*time.Second, false)
	logon.SenderCompID = "INTRUDER"
	f.peer.sendAt(logon, 1)

	rj := f.peer.expect(codec.MsgTypeReject)
	reason, _ := rj.Int(codec.TagSessionRejectReason)
	assert.Equal(t, int(codec.RejectCompIDProblem), reason)
	f.peer.expect(codec.MsgTypeLogout)
	f.peer.expectClosed()
	f.app.waitTransition(t, StateDisconnected, ReasonProtocol)

	st := f.status()
	assert.Equal(t, errors.KindProtocol.String(), st.LastKind)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().FailedByKind["protocol"])
}

func TestAuthenticateRejects(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) {
		c.Authenticate = func(m *codec.Message) error {
			if pw, _ := m.Get(codec.TagPassword); pw != "secret" {
				return errors.New("bad credentials")
			}
			return nil
		}
	})
	f.connect()
	f.peer.send(codec.NewLogon(30*time.Second, false))

	lo := f.peer.expect(codec.MsgTypeLogout)
	text, _ := lo.Get(codec.TagText)
	assert.True(t, strings.Contains(text, "bad credentials"))
	f.app.waitTransition(t, StateDisconnected, ReasonLogonRejected)
}

func TestSecondAttachRefused(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := f.s.Attach(context.Background(), a, nil)
	require.ErrorIs(t, err, exception.ErrSessionConnected)
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	f := newFixture(t, nil)
	f.logon()
	f.peer.send(order("c2"))
	f.app.next(t)

	require.NoError(t, f.peer.conn.Close())
	f.waitLinkDone()
	f.app.waitTransition(t, StateDisconnected, ReasonTransport)

	f.connect()
	f.peer.seq = 3
	f.peer.send(codec.NewLogon(30*time.Second, false))
	reply := f.peer.expect(codec.MsgTypeLogon)
	assert.Equal(t, uint64(2), reply.SeqNum)
	f.waitState(StateActive)
	assert.Equal(t, uint64(4), f.status().NextIncoming)
}

func TestStatusAfterStop(t *testing.T) {
	s, err := New(Config{ID: engineID}, seeded(t, schema.SeqState{NextOutgoing: 5, NextIncoming: 9}), nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		st, err := s.Status(context.Background())
		return err == nil && st.NextIncoming == 9
	}, waitFor, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.NextOutgoing)
	assert.Equal(t, StateDisconnected, st.State)

	_, err = s.Send(context.Background(), order("late"))
	require.ErrorIs(t, err, exception.ErrSessionNotRunning)
	require.ErrorIs(t, s.Run(context.Background()), exception.ErrSessionRunning)
}
