package session

import (
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/codec"
	"fixengine/internal/reconcile"
)

// OnLogon validates the peer's Logon, answers it when we are the acceptor
// and reconciles its sequence number.
func (s *Session) OnLogon(m *codec.Message) error {
	if s.state() != StateLogonPending {
		s.logoutAndDisconnect("unexpected Logon", ReasonProtocol)
		return nil
	}

	secs, ok := m.Int(codec.TagHeartBtInt)
	if !ok || secs < 0 {
		s.rejectLogon("invalid HeartBtInt")
		return nil
	}
	if limit := int64(s.cfg.MaxHeartbeat / time.Second); int64(secs) > limit {
		s.rejectLogon(fmt.Sprintf("HeartBtInt %d above %d", secs, limit))
		return nil
	}
	if s.cfg.Authenticate != nil {
		if err := s.cfg.Authenticate(m); err != nil {
			s.rejectLogon(err.Error())
			return nil
		}
	}

	reset := m.Bool(codec.TagResetSeqNumFlag)
	if reset && !s.resetSent {
		if err := s.resetStore(); err != nil {
			return err
		}
	}
	if s.cfg.Role == RoleAcceptor {
		s.hb.SetInterval(time.Duration(secs) * time.Second)
		s.resetTicker()
	}

	expected := s.recon.Expected()
	if m.SeqNum < expected && !m.PossDup {
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", expected, m.SeqNum)
		logs.Errorf("%s: logon rejected: %s", s.name, text)
		s.logoutAndDisconnect(text, ReasonSequenceTooLow)
		return nil
	}

	nextOut := s.seq.NextOutgoing
	peerNext, hasNext := m.Uint(codec.TagNextExpectedMsgSeqNum)
	if hasNext && !reset {
		switch {
		case peerNext == 1 && nextOut > 1:
			s.rejectLogon(fmt.Sprintf("NextExpectedMsgSeqNum 1 would restart the session at %d", nextOut))
			return nil
		case peerNext > nextOut:
			s.rejectLogon(fmt.Sprintf("NextExpectedMsgSeqNum %d is beyond last sent %d", peerNext, nextOut-1))
			return nil
		}
	}

	if !s.logonSent {
		next := expected
		if m.SeqNum == expected {
			next++
		}
		if err := s.sendLogon(reset, next); err != nil {
			return err
		}
	}
	s.hb.Start(s.cfg.Clock.Now())
	s.fire(eventLogon, ReasonLogon)
	logs.Infof("%s: logged on, heartbeat %s, next outgoing %d, next incoming %d",
		s.name, s.hb.Interval(), s.seq.NextOutgoing, expected)

	d := s.recon.Observe(m.SeqNum, m.PossDup, m.SeqNum+1, &inboundItem{msg: m, serviced: true})
	switch d.Action {
	case reconcile.ActionAccept:
		if err := s.commitIncoming(d.Expected); err != nil {
			return err
		}
	case reconcile.ActionRequestResend:
		if err := s.requestResend(d.Resend.Begin, d.Resend.End); err != nil {
			return err
		}
		s.fire(eventGap, ReasonGapDetected)
	}

	if hasNext && !reset && peerNext < nextOut {
		return s.serviceResend(peerNext, nextOut-1)
	}
	return nil
}

func (s *Session) rejectLogon(text string) {
	logs.Errorf("%s: logon rejected: %s", s.name, text)
	s.logoutAndDisconnect(text, ReasonLogonRejected)
}

// OnLogout confirms our own logout or answers the peer's.
func (s *Session) OnLogout(m *codec.Message) error {
	text, _ := m.Get(codec.TagText)
	if s.state() == StateLogoutPending {
		logs.Infof("%s: logout confirmed %s", s.name, text)
		s.disconnect(ReasonLogout)
		return nil
	}

	logs.Infof("%s: peer logout %s", s.name, text)
	if err := s.sendAdmin(codec.NewLogout("")); err != nil {
		return err
	}
	s.fire(eventLogout, ReasonLogout)
	s.disconnect(ReasonLogout)
	return nil
}

func (s *Session) OnHeartbeat(*codec.Message) error {
	return nil
}

func (s *Session) OnTestRequest(m *codec.Message) error {
	id, ok := m.Get(codec.TagTestReqID)
	if !ok {
		return s.sendAdmin(codec.NewReject(m.SeqNum, m.MsgType, codec.TagTestReqID, codec.RejectRequiredTagMissing, "TestReqID missing"))
	}
	return s.sendAdmin(codec.NewHeartbeat(id))
}

func (s *Session) OnResendRequest(m *codec.Message) error {
	begin, ok := m.Uint(codec.TagBeginSeqNo)
	if !ok {
		return s.sendAdmin(codec.NewReject(m.SeqNum, m.MsgType, codec.TagBeginSeqNo, codec.RejectRequiredTagMissing, "BeginSeqNo missing"))
	}
	end, ok := m.Uint(codec.TagEndSeqNo)
	if !ok {
		return s.sendAdmin(codec.NewReject(m.SeqNum, m.MsgType, codec.TagEndSeqNo, codec.RejectRequiredTagMissing, "EndSeqNo missing"))
	}
	return s.serviceResend(begin, end)
}

// OnSequenceReset has nothing left to do: both modes are applied while
// sequencing.
func (s *Session) OnSequenceReset(*codec.Message) error {
	return nil
}

func (s *Session) OnReject(m *codec.Message) error {
	ref, _ := m.Get(codec.TagRefSeqNum)
	text, _ := m.Get(codec.TagText)
	reason, _ := m.Get(codec.TagSessionRejectReason)
	logs.Errorf("%s: peer rejected seq %s, reason %s: %s", s.name, ref, reason, text)
	return nil
}
