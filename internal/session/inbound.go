package session

import (
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/codec"
	"fixengine/internal/dispatch"
	"fixengine/internal/errors"
	"fixengine/internal/reconcile"
)

func (s *Session) handleInbound(ev inboundEvent) {
	if s.link == nil || ev.link != s.link.id {
		return
	}
	if ev.down {
		s.drop(ReasonTransport, ev.err)
		return
	}

	now := s.cfg.Clock.Now()
	if ev.err != nil {
		s.onDecodeError(ev, now)
		return
	}

	msg := ev.msg
	s.hb.OnInbound(now)
	s.rec.MessageIn(s.name, msg.MsgType)
	if !s.checkHeader(msg) {
		return
	}

	if s.state() == StateLogonPending {
		if msg.MsgType != codec.MsgTypeLogon {
			logs.Errorf("%s: first message is %s, not Logon", s.name, msg.MsgType)
			s.disconnect(ReasonProtocol)
			return
		}
		s.admin(msg)
		return
	}
	s.sequence(msg)
}

func (s *Session) checkHeader(msg *codec.Message) bool {
	if msg.BeginString != s.cfg.BeginString {
		logs.Errorf("%s: BeginString %s, want %s", s.name, msg.BeginString, s.cfg.BeginString)
		s.logoutAndDisconnect("incorrect BeginString", ReasonProtocol)
		return false
	}
	if msg.SenderCompID != s.id.TargetCompID || msg.TargetCompID != s.id.SenderCompID {
		tag := codec.TagSenderCompID
		if msg.SenderCompID == s.id.TargetCompID {
			tag = codec.TagTargetCompID
		}
		logs.Errorf("%s: CompID problem, got %s->%s", s.name, msg.SenderCompID, msg.TargetCompID)
		if err := s.sendAdmin(codec.NewReject(msg.SeqNum, msg.MsgType, tag, codec.RejectCompIDProblem, "CompID problem")); err != nil {
			return false
		}
		s.logoutAndDisconnect("CompID problem", ReasonProtocol)
		return false
	}
	return true
}

func (s *Session) onDecodeError(ev inboundEvent, now time.Time) {
	s.rec.Malformed(s.name)

	var (
		fe *codec.FieldError
		me *codec.MalformedError
	)
	switch {
	case errors.As(ev.err, &fe) && ev.msg != nil:
		logs.Errorf("%s: %v: %s", s.name, fe, codec.Printable(ev.raw))
		if !loggedOn(s.state()) {
			s.disconnect(ReasonProtocol)
			return
		}
		s.hb.OnInbound(now)
		m := ev.msg
		if err := s.sendAdmin(codec.NewReject(m.SeqNum, m.MsgType, fe.Tag, fe.Reason, fe.Err.Error())); err != nil {
			return
		}
		if exp := s.recon.Expected(); m.SeqNum == exp && !s.recon.Recovering() {
			s.recon.Reset(exp + 1)
			if err := s.commitIncoming(exp + 1); err != nil {
				return
			}
		}
	case errors.As(ev.err, &me):
		logs.Errorf("%s: %v", s.name, me)
		if !loggedOn(s.state()) {
			s.disconnect(ReasonProtocol)
			return
		}
		ref, _ := me.SeqNum()
		if err := s.sendAdmin(codec.NewReject(ref, "", 0, codec.RejectOther, me.Err.Error())); err != nil {
			return
		}
	default:
		logs.Errorf("%s: decode, err: %+v", s.name, ev.err)
		s.disconnect(ReasonProtocol)
		return
	}

	s.malformed++
	if s.malformed > s.cfg.MalformedThreshold {
		s.logoutAndDisconnect(fmt.Sprintf("%d malformed frames", s.malformed), ReasonMalformedThreshold)
	}
}

// sequence runs a logged-on message through the reconciler and delivers
// whatever it releases, in order.
func (s *Session) sequence(msg *codec.Message) {
	if msg.MsgType == codec.MsgTypeSequenceReset && !msg.Bool(codec.TagGapFillFlag) {
		s.sequenceReset(msg)
		return
	}
	if msg.MsgType == codec.MsgTypeLogout && msg.SeqNum > s.recon.Expected() {
		s.admin(msg)
		return
	}

	next := msg.SeqNum + 1
	if msg.MsgType == codec.MsgTypeSequenceReset {
		newSeq, ok := msg.Uint(codec.TagNewSeqNo)
		if !ok {
			_ = s.sendAdmin(codec.NewReject(msg.SeqNum, msg.MsgType, codec.TagNewSeqNo, codec.RejectRequiredTagMissing, "NewSeqNo missing"))
			return
		}
		if newSeq <= msg.SeqNum {
			_ = s.sendAdmin(codec.NewReject(msg.SeqNum, msg.MsgType, codec.TagNewSeqNo, codec.RejectValueIncorrect, "NewSeqNo not above MsgSeqNum"))
			return
		}
		next = newSeq
	}

	item := &inboundItem{msg: msg}
	d := s.recon.Observe(msg.SeqNum, msg.PossDup, next, item)
	switch d.Action {
	case reconcile.ActionAccept:
		if err := s.commitIncoming(d.Expected); err != nil {
			return
		}
		s.deliverItem(item)
		s.release()
	case reconcile.ActionAcceptDuplicate:
		s.rec.Duplicate(s.name)
		logs.Infof("%s: duplicate seq %d ignored, expecting %d", s.name, msg.SeqNum, d.Expected)
	case reconcile.ActionRequestResend:
		if err := s.requestResend(d.Resend.Begin, d.Resend.End); err != nil {
			return
		}
		s.fire(eventGap, ReasonGapDetected)
		s.serviceEarly(item)
	case reconcile.ActionHold:
		s.serviceEarly(item)
		s.release()
	case reconcile.ActionRejectAndDisconnect:
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", d.Expected, msg.SeqNum)
		logs.Errorf("%s: %s", s.name, text)
		s.logoutAndDisconnect(text, ReasonSequenceTooLow)
	}
}

// serviceEarly answers a ResendRequest held beyond a gap right away so both
// sides can recover at the same time.
func (s *Session) serviceEarly(item *inboundItem) {
	if s.link == nil || item.msg.MsgType != codec.MsgTypeResendRequest {
		return
	}
	item.serviced = true
	s.admin(item.msg)
}

// release delivers held messages once the gap below them has closed, then
// either asks for the next hole or leaves Recovering.
func (s *Session) release() {
	for _, item := range s.recon.Release() {
		if err := s.commitIncoming(itemNext(item.msg)); err != nil {
			return
		}
		s.deliverItem(item)
		if s.link == nil {
			return
		}
	}
	if s.recon.Recovering() {
		return
	}
	if gap, ok := s.recon.NextGap(); ok {
		if err := s.requestResend(gap.Begin, gap.End); err != nil {
			return
		}
		s.fire(eventGap, ReasonGapDetected)
		return
	}
	if s.state() == StateRecovering {
		logs.Infof("%s: gap filled, next expected %d", s.name, s.recon.Expected())
		s.fire(eventFilled, ReasonGapFilled)
	}
}

func itemNext(m *codec.Message) uint64 {
	if m.MsgType == codec.MsgTypeSequenceReset {
		if n, ok := m.Uint(codec.TagNewSeqNo); ok && n > m.SeqNum {
			return n
		}
	}
	return m.SeqNum + 1
}

func (s *Session) sequenceReset(msg *codec.Message) {
	newSeq, ok := msg.Uint(codec.TagNewSeqNo)
	if !ok {
		_ = s.sendAdmin(codec.NewReject(msg.SeqNum, msg.MsgType, codec.TagNewSeqNo, codec.RejectRequiredTagMissing, "NewSeqNo missing"))
		return
	}
	expected := s.recon.Expected()
	d := reconcile.DecideReset(loggedOn(s.state()), expected, newSeq)
	if d.Action != reconcile.ActionReset {
		logs.Errorf("%s: SequenceReset to %d ignored in %s", s.name, newSeq, s.state())
		return
	}
	if newSeq < expected {
		logs.Errorf("%s: SequenceReset moves expected back from %d to %d", s.name, expected, newSeq)
	} else {
		logs.Infof("%s: SequenceReset, expecting %d", s.name, newSeq)
	}

	s.recon.Reset(newSeq)
	if err := s.commitIncoming(newSeq); err != nil {
		return
	}
	s.admin(msg)
	s.release()
}

func (s *Session) deliverItem(item *inboundItem) {
	if item.serviced {
		return
	}
	if item.msg.IsAdmin() {
		s.admin(item.msg)
		return
	}
	_ = s.delivery.Put(delivery{msg: item.msg})
}

func (s *Session) admin(m *codec.Message) {
	if err := s.dispatcher.Dispatch(m); err != nil {
		logs.Errorf("%s: %s seq %d, err: %+v", s.name, m.MsgType, m.SeqNum, err)
	}
}

// deliver runs on the application goroutine.
func (s *Session) deliver(d delivery) {
	if d.change != nil {
		s.notify(d.change)
		return
	}

	err := s.dispatcher.Dispatch(d.msg)
	if err == nil {
		return
	}
	logs.Errorf("%s: %+v", s.name, err)
	var he *dispatch.HandlerError
	if errors.As(err, &he) {
		_ = s.requests.Publish(s.runCtx, request{kind: reqReject, handlerErr: he})
	}
}

func (s *Session) notify(t *transition) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("%s: state change callback panicked: %v", s.name, r)
		}
	}()
	s.app.OnSessionStateChange(s.id, t.from, t.to, t.reason)
}

func (s *Session) onHandlerError(he *dispatch.HandlerError) {
	if he == nil || !loggedOn(s.state()) {
		return
	}
	_ = s.sendAdmin(he.Reject())
}
