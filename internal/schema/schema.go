package schema

import (
	"strings"
	"time"

	"fixengine/pkg/exception"
)

// SessionID identifies one FIX conversation from the local side.
// SenderCompID is the local identity, TargetCompID the counterparty.
type SessionID struct {
	SenderCompID string
	TargetCompID string
	Qualifier    string
}

const (
	idArrow     = "->"
	idQualifier = ":"
)

// String renders SENDER->TARGET or SENDER->TARGET:QUALIFIER.
func (id SessionID) String() string {
	var b strings.Builder
	b.Grow(len(id.SenderCompID) + len(id.TargetCompID) + len(id.Qualifier) + 3)
	b.WriteString(id.SenderCompID)
	b.WriteString(idArrow)
	b.WriteString(id.TargetCompID)
	if id.Qualifier != "" {
		b.WriteString(idQualifier)
		b.WriteString(id.Qualifier)
	}
	return b.String()
}

// Reverse swaps sender and target, giving the identity as seen by the peer.
func (id SessionID) Reverse() SessionID {
	return SessionID{
		SenderCompID: id.TargetCompID,
		TargetCompID: id.SenderCompID,
		Qualifier:    id.Qualifier,
	}
}

// Valid reports whether both CompIDs are present and free of separators.
func (id SessionID) Valid() bool {
	if id.SenderCompID == "" || id.TargetCompID == "" {
		return false
	}
	for _, part := range []string{id.SenderCompID, id.TargetCompID, id.Qualifier} {
		if strings.Contains(part, idArrow) || strings.Contains(part, idQualifier) || strings.ContainsAny(part, "/\\\x01") {
			return false
		}
	}
	return true
}

var keyEscaper = strings.NewReplacer("%", "%25", keySeparator, "%5F")

const keySeparator = "_"

// Key is a partition key safe for file names and database columns. Parts are
// escaped so that distinct identities never share a key.
func (id SessionID) Key() string {
	key := keyEscaper.Replace(id.SenderCompID) + keySeparator + keyEscaper.Replace(id.TargetCompID)
	if id.Qualifier != "" {
		key += keySeparator + keyEscaper.Replace(id.Qualifier)
	}
	return key
}

// ParseSessionID parses the String form.
func ParseSessionID(s string) (SessionID, error) {
	sender, rest, ok := strings.Cut(s, idArrow)
	if !ok {
		return SessionID{}, exception.ErrSessionInvalidID
	}
	target, qualifier, _ := strings.Cut(rest, idQualifier)
	id := SessionID{SenderCompID: sender, TargetCompID: target, Qualifier: qualifier}
	if !id.Valid() {
		return SessionID{}, exception.ErrSessionInvalidID
	}
	return id, nil
}

// SeqState holds the two sequence counters of a session.
type SeqState struct {
	NextOutgoing uint64    `json:"next_outgoing"`
	NextIncoming uint64    `json:"next_incoming"`
	CreatedAt    time.Time `json:"created_at"`
}

// InitialSeqState is the state of a fresh or reset session.
func InitialSeqState(now time.Time) SeqState {
	return SeqState{NextOutgoing: 1, NextIncoming: 1, CreatedAt: now.UTC()}
}

// Valid reports whether both counters are at least 1.
func (s SeqState) Valid() bool {
	return s.NextOutgoing >= 1 && s.NextIncoming >= 1
}

// StoredMessage is one durably recorded outbound frame.
type StoredMessage struct {
	SeqNum  uint64
	Raw     []byte
	SentAt  time.Time
	PossDup bool
}
