package obs

import "time"

// Recorder receives session events for metrics. Implementations must be safe
// for concurrent use; sessions call them from their own goroutines.
type Recorder interface {
	MessageIn(session, msgType string)
	MessageOut(session, msgType string)
	Resend(session string, count int)
	Malformed(session string)
	Duplicate(session string)
	StateChange(session, from, to string)
	StoreLatency(session string, d time.Duration)
	// Disconnect reports a failed disconnect with its error kind.
	Disconnect(session, kind string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageIn(string, string)           {}
func (Nop) MessageOut(string, string)          {}
func (Nop) Resend(string, int)                 {}
func (Nop) Malformed(string)                   {}
func (Nop) Duplicate(string)                   {}
func (Nop) StateChange(string, string, string) {}
func (Nop) StoreLatency(string, time.Duration) {}
func (Nop) Disconnect(string, string)          {}

type multi []Recorder

// Multi fans events out to every non-nil recorder.
func Multi(recs ...Recorder) Recorder {
	out := make(multi, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return Nop{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multi) MessageIn(session, msgType string) {
	for _, r := range m {
		r.MessageIn(session, msgType)
	}
}

func (m multi) MessageOut(session, msgType string) {
	for _, r := range m {
		r.MessageOut(session, msgType)
	}
}

func (m multi) Resend(session string, count int) {
	for _, r := range m {
		r.Resend(session, count)
	}
}

func (m multi) Malformed(session string) {
	for _, r := range m {
		r.Malformed(session)
	}
}

func (m multi) Duplicate(session string) {
	for _, r := range m {
		r.Duplicate(session)
	}
}

func (m multi) StateChange(session, from, to string) {
	for _, r := range m {
		r.StateChange(session, from, to)
	}
}

func (m multi) StoreLatency(session string, d time.Duration) {
	for _, r := range m {
		r.StoreLatency(session, d)
	}
}

func (m multi) Disconnect(session, kind string) {
	for _, r := range m {
		r.Disconnect(session, kind)
	}
}
