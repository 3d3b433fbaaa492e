package transport

import (
	"context"
	"net"
	"time"

	"github.com/yanun0323/logs"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/pkg/exception"
	"fixengine/pkg/uds"
)

const defaultDialTimeout = 5 * time.Second

// Attachable is the part of a session the initiator drives.
type Attachable interface {
	ID() schema.SessionID
	Attach(ctx context.Context, conn net.Conn, dec *codec.Decoder) (<-chan struct{}, error)
	Halted() bool
	Done() <-chan struct{}
}

// InitiatorConfig configures the dialing side.
type InitiatorConfig struct {
	Network     string
	Address     string
	Backoff     Backoff
	DialTimeout time.Duration
}

func (c InitiatorConfig) withDefaults() InitiatorConfig {
	if c.Network == "" {
		c.Network = NetworkTCP
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// Initiator keeps one session connected to its counterparty, redialing after
// every link loss.
type Initiator struct {
	cfg InitiatorConfig
	s   Attachable
}

// NewInitiator creates an initiator for s.
func NewInitiator(cfg InitiatorConfig, s Attachable) (*Initiator, error) {
	if s == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "session")
	}
	cfg = cfg.withDefaults()
	switch cfg.Network {
	case NetworkTCP, NetworkUnix:
	default:
		return nil, errors.Wrap(exception.ErrTransportUnknownNetwork, cfg.Network)
	}
	if cfg.Address == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty address")
	}
	return &Initiator{cfg: cfg, s: s}, nil
}

// Run dials, attaches and waits for the link to end, then redials with
// backoff. It returns nil when ctx ends or the session stops, and
// ErrSessionHalted when the session refuses to reconnect.
func (i *Initiator) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-i.s.Done():
			return nil
		default:
		}
		if i.s.Halted() {
			logs.Errorf("%s: halted, initiator stops", i.s.ID())
			return exception.ErrSessionHalted
		}

		done, err := i.connect(ctx)
		if err != nil {
			if errors.Is(err, exception.ErrSessionHalted) {
				return err
			}
			attempt++
			logs.Errorf("%s: connect %s attempt %d, err: %+v", i.s.ID(), i.cfg.Address, attempt, err)
		} else {
			attempt = 1
			select {
			case <-done:
			case <-ctx.Done():
				return nil
			case <-i.s.Done():
				return nil
			}
		}

		if !i.cfg.Backoff.sleep(ctx, attempt) {
			return nil
		}
	}
}

func (i *Initiator) connect(ctx context.Context) (<-chan struct{}, error) {
	conn, err := i.dial(ctx)
	if err != nil {
		return nil, err
	}
	done, err := i.s.Attach(ctx, conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return done, nil
}

func (i *Initiator) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.DialTimeout)
	defer cancel()

	if i.cfg.Network == NetworkUnix {
		cli, err := uds.NewClient(i.cfg.Address)
		if err != nil {
			return nil, err
		}
		return cli.Dial(ctx)
	}
	var d net.Dialer
	return d.DialContext(ctx, NetworkTCP, i.cfg.Address)
}
