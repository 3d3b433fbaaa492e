package session

import (
	"time"

	"fixengine/internal/errors"
)

// Status is a point-in-time view of a session for operators.
type Status struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	Halted       bool      `json:"halted"`
	NextOutgoing uint64    `json:"next_outgoing"`
	NextIncoming uint64    `json:"next_incoming"`
	Heartbeat    int       `json:"heartbeat_seconds"`
	Held         int       `json:"held"`
	ResendBegin  uint64    `json:"resend_begin,omitempty"`
	ResendEnd    uint64    `json:"resend_end,omitempty"`
	LastInbound  time.Time `json:"last_inbound,omitempty"`
	LastOutbound time.Time `json:"last_outbound,omitempty"`
	LastReason   string    `json:"last_reason,omitempty"`
	// LastKind and LastError describe the last failed disconnect. Both are
	// empty after a graceful one.
	LastKind  string `json:"last_kind,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Session) status() Status {
	st := Status{
		ID:           s.name,
		Role:         s.cfg.Role.String(),
		State:        s.state(),
		Connected:    s.link != nil,
		Halted:       s.halted.Load(),
		NextOutgoing: s.seq.NextOutgoing,
		NextIncoming: s.recon.Expected(),
		Heartbeat:    int(s.hb.Interval() / time.Second),
		Held:         s.recon.Held(),
		LastInbound:  s.hb.LastInbound(),
		LastOutbound: s.hb.LastOutbound(),
		LastReason:   s.lastReason,
	}
	if s.lastCause != nil {
		st.LastKind = errors.KindOf(s.lastCause).String()
		st.LastError = s.lastCause.Error()
	}
	if r, ok := s.recon.Outstanding(); ok {
		st.ResendBegin, st.ResendEnd = r.Begin, r.End
	}
	return st
}

func (s *Session) publishStatus() {
	st := s.status()
	s.snapshot.Store(&st)
}
