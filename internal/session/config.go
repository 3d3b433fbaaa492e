package session

import (
	"strings"
	"time"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
)

// Role decides who speaks first on a new link.
type Role uint8

const (
	RoleAcceptor Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// ParseRole accepts "acceptor" and "initiator".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "acceptor":
		return RoleAcceptor, nil
	case "initiator":
		return RoleInitiator, nil
	}
	return 0, errors.Wrap(exception.ErrSessionInvalidConfig, "unknown role "+s)
}

// Clock supplies the time used for SendingTime, heartbeats and timeouts.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

const (
	DefaultBeginString        = "FIX.4.4"
	DefaultHeartbeat          = 30 * time.Second
	DefaultMaxHeartbeat       = time.Hour
	DefaultGrace              = 500 * time.Millisecond
	DefaultLogonTimeout       = 10 * time.Second
	DefaultLogoutTimeout      = 2 * time.Second
	DefaultMalformedThreshold = 3
	DefaultQueueSize          = 1024
	DefaultWriteTimeout       = 5 * time.Second
)

type Config struct {
	ID          schema.SessionID
	BeginString string
	Role        Role

	Heartbeat time.Duration
	// MaxHeartbeat is the largest HeartBtInt(108) accepted on a peer's Logon.
	MaxHeartbeat  time.Duration
	Grace         time.Duration
	LogonTimeout  time.Duration
	LogoutTimeout time.Duration
	WriteTimeout  time.Duration

	// ResetOnLogon makes an initiator send ResetSeqNumFlag(141=Y).
	ResetOnLogon bool
	// SendNextExpected adds NextExpectedMsgSeqNum(789) to our Logon.
	SendNextExpected bool
	// MalformedThreshold is the number of malformed frames tolerated per link.
	MalformedThreshold int

	InboundQueue  int
	OutboundQueue int
	RequestQueue  int
	MaxFrameSize  int

	Username string
	Password string
	// Authenticate vets the peer's Logon. A non-nil error rejects it and the
	// error text is sent in the Logout.
	Authenticate func(logon *codec.Message) error

	Clock Clock
	// TickC replaces the internal ticker when set.
	TickC <-chan time.Time
}

func (c Config) withDefaults() Config {
	if c.BeginString == "" {
		c.BeginString = DefaultBeginString
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaxHeartbeat <= 0 {
		c.MaxHeartbeat = DefaultMaxHeartbeat
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = DefaultLogonTimeout
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = DefaultLogoutTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MalformedThreshold <= 0 {
		c.MalformedThreshold = DefaultMalformedThreshold
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = DefaultQueueSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultQueueSize
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = DefaultQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	return c
}

func (c Config) Validate() error {
	if !c.ID.Valid() {
		return errors.Wrap(exception.ErrSessionInvalidID, c.ID.String())
	}
	if !strings.HasPrefix(c.BeginString, "FIX") {
		return errors.Wrap(exception.ErrSessionInvalidConfig, "begin string "+c.BeginString)
	}
	if c.Heartbeat%time.Second != 0 {
		return errors.Wrap(exception.ErrSessionInvalidConfig, "heartbeat must be whole seconds")
	}
	if c.MaxHeartbeat > 0 && c.Heartbeat > c.MaxHeartbeat {
		return errors.Wrap(exception.ErrSessionInvalidConfig, "heartbeat above max heartbeat")
	}
	return nil
}
