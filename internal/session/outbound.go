package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"fixengine/internal/codec"
	"fixengine/internal/schema"
	"fixengine/internal/store"
	"fixengine/pkg/exception"
)

func newTestReqID() string {
	return uuid.NewString()
}

func (s *Session) stampHeader(m *codec.Message, seq uint64, now time.Time) {
	m.BeginString = s.cfg.BeginString
	m.SenderCompID = s.id.SenderCompID
	m.TargetCompID = s.id.TargetCompID
	m.SeqNum = seq
	m.SendingTime = now
}

func (s *Session) sendApp(m *codec.Message) (uint64, error) {
	if s.halted.Load() {
		return 0, exception.ErrSessionHalted
	}
	return s.send(m, loggedOn(s.state()))
}

// sendAdmin sends a session-level message on the current link.
func (s *Session) sendAdmin(m *codec.Message) error {
	_, err := s.send(m, true)
	return err
}

// send numbers m with the next outgoing sequence number, commits it to the
// store and only then hands it to the writer.
func (s *Session) send(m *codec.Message, transmit bool) (uint64, error) {
	now := s.cfg.Clock.Now()
	s.stampHeader(m, s.seq.NextOutgoing, now)
	raw, err := codec.Encode(nil, m)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	err = s.store.Append(s.runCtx, schema.StoredMessage{
		SeqNum:  m.SeqNum,
		Raw:     raw,
		SentAt:  now,
		PossDup: m.PossDup,
	})
	s.rec.StoreLatency(s.name, time.Since(start))
	if err != nil {
		err = store.Durable(err, fmt.Sprintf("append seq %d", m.SeqNum))
		s.fail(err)
		return 0, err
	}
	s.seq.NextOutgoing = m.SeqNum + 1

	if transmit {
		s.transmit(raw, m.MsgType, now)
	}
	return m.SeqNum, nil
}

func (s *Session) transmit(raw []byte, msgType string, now time.Time) {
	if s.link == nil || !s.link.write(raw) {
		return
	}
	s.hb.OnOutbound(now)
	s.rec.MessageOut(s.name, msgType)
}

func (s *Session) saveState(next schema.SeqState, text string) error {
	start := time.Now()
	err := s.store.SetSequenceState(s.runCtx, next)
	s.rec.StoreLatency(s.name, time.Since(start))
	if err != nil {
		err = store.Durable(err, text)
		s.fail(err)
		return err
	}
	s.seq = next
	return nil
}

// commitIncoming persists the next expected inbound number. It runs before
// the message that advanced it is handed to the application.
func (s *Session) commitIncoming(next uint64) error {
	if next == s.seq.NextIncoming {
		return nil
	}
	state := s.seq
	state.NextIncoming = next
	return s.saveState(state, fmt.Sprintf("commit next incoming %d", next))
}

func (s *Session) resetStore() error {
	if err := s.store.Reset(s.runCtx); err != nil {
		err = store.Durable(err, "reset on logon")
		s.fail(err)
		return err
	}
	state, err := s.store.SequenceState(s.runCtx)
	if err != nil {
		err = store.Durable(err, "reload sequence state")
		s.fail(err)
		return err
	}
	s.seq = state
	s.recon.Clear(state.NextIncoming)
	logs.Infof("%s: sequence numbers reset to %d/%d", s.name, state.NextOutgoing, state.NextIncoming)
	return nil
}

func (s *Session) sendLogon(reset bool, nextExpected uint64) error {
	m := codec.NewLogon(s.hb.Interval(), reset)
	if s.cfg.Username != "" {
		m.Set(codec.TagUsername, s.cfg.Username)
	}
	if s.cfg.Password != "" {
		m.Set(codec.TagPassword, s.cfg.Password)
	}
	if s.cfg.SendNextExpected {
		m.SetUint(codec.TagNextExpectedMsgSeqNum, nextExpected)
	}
	if err := s.sendAdmin(m); err != nil {
		return err
	}
	s.logonSent = true
	return nil
}

func (s *Session) requestResend(begin, end uint64) error {
	logs.Infof("%s: requesting resend %d-%d", s.name, begin, end)
	return s.sendAdmin(codec.NewResendRequest(begin, end))
}

// serviceResend retransmits [begin, end] under the original numbers.
// Application messages go out again with PossDup and OrigSendingTime;
// session-level messages and numbers missing from the store are covered by
// SequenceReset gap fills.
func (s *Session) serviceResend(begin, end uint64) error {
	last := s.seq.NextOutgoing - 1
	if end == 0 || end > last {
		end = last
	}
	if begin == 0 {
		begin = 1
	}
	if begin > end {
		logs.Errorf("%s: resend from %d asked, last sent is %d", s.name, begin, last)
		return nil
	}

	stored, err := s.store.Range(s.runCtx, begin, end)
	if err != nil {
		err = store.Durable(err, fmt.Sprintf("range %d-%d", begin, end))
		s.fail(err)
		return err
	}

	now := s.cfg.Clock.Now()
	var gapStart uint64
	flush := func(next uint64) {
		if gapStart == 0 {
			return
		}
		s.retransmit(codec.NewSequenceReset(next, true), gapStart, now)
		gapStart = 0
	}

	resent := 0
	seq := begin
	for _, sm := range stored {
		if sm.SeqNum > seq && gapStart == 0 {
			gapStart = seq
		}
		seq = sm.SeqNum + 1

		m, err := codec.Decode(sm.Raw)
		if err != nil {
			logs.Errorf("%s: stored seq %d unreadable, gap filling, err: %+v", s.name, sm.SeqNum, err)
		}
		if err != nil || m.IsAdmin() {
			if gapStart == 0 {
				gapStart = sm.SeqNum
			}
			continue
		}

		flush(sm.SeqNum)
		m.PossDup = true
		m.OrigSendingTime = m.SendingTime
		s.retransmit(m, sm.SeqNum, now)
		resent++
	}
	if seq <= end && gapStart == 0 {
		gapStart = seq
	}
	flush(end + 1)

	logs.Infof("%s: resent %d-%d, %d application messages", s.name, begin, end, resent)
	s.rec.Resend(s.name, resent)
	return nil
}

// retransmit sends m under an already used sequence number without touching
// the store or the counters.
func (s *Session) retransmit(m *codec.Message, seq uint64, now time.Time) {
	s.stampHeader(m, seq, now)
	raw, err := codec.Encode(nil, m)
	if err != nil {
		logs.Errorf("%s: encode resend seq %d, err: %+v", s.name, seq, err)
		return
	}
	s.transmit(raw, m.MsgType, now)
}
