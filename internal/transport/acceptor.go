package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
	"fixengine/internal/session"
	"fixengine/pkg/exception"
	"fixengine/pkg/uds"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

const acceptRetryDelay = 50 * time.Millisecond

// Resolver finds the session a peer's Logon addresses.
type Resolver interface {
	Resolve(incomingSender, incomingTarget string) (*session.Session, error)
}

// AcceptorConfig configures the listening side.
type AcceptorConfig struct {
	Network string
	Address string

	// AcceptRate limits new connections per second. Zero admits without limit.
	AcceptRate  float64
	AcceptBurst int

	// LogonTimeout bounds the wait for the first frame.
	LogonTimeout time.Duration
	MaxFrameSize int
}

func (c AcceptorConfig) withDefaults() AcceptorConfig {
	if c.Network == "" {
		c.Network = NetworkTCP
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = session.DefaultLogonTimeout
	}
	return c
}

// Acceptor admits inbound connections and hands each one to the session its
// Logon names.
type Acceptor struct {
	cfg     AcceptorConfig
	reg     Resolver
	limiter *rate.Limiter

	mu  sync.Mutex
	ln  net.Listener
	uds *uds.Server

	wg sync.WaitGroup
}

// NewAcceptor creates an acceptor. Listen must be called before Serve.
func NewAcceptor(cfg AcceptorConfig, reg Resolver) (*Acceptor, error) {
	if reg == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "resolver")
	}
	cfg = cfg.withDefaults()
	switch cfg.Network {
	case NetworkTCP, NetworkUnix:
	default:
		return nil, errors.Wrap(exception.ErrTransportUnknownNetwork, cfg.Network)
	}

	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	return &Acceptor{
		cfg:     cfg,
		reg:     reg,
		limiter: rate.NewLimiter(limit, cfg.AcceptBurst),
	}, nil
}

// Listen binds the configured address.
func (a *Acceptor) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Network == NetworkUnix {
		srv, err := uds.NewServer(a.cfg.Address)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return errors.Wrap(err, "listen "+a.cfg.Address)
		}
		ln, err := srv.Listener()
		if err != nil {
			return err
		}
		a.uds, a.ln = srv, ln
		return nil
	}

	ln, err := net.Listen(NetworkTCP, a.cfg.Address)
	if err != nil {
		return errors.Wrap(err, "listen "+a.cfg.Address)
	}
	a.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Serve accepts connections until ctx ends, then closes the listener and
// waits for in-flight handshakes.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()
	if ln == nil {
		return errors.Wrap(exception.ErrNilInstance, "listener")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = a.close()
	}()

	logs.Infof("transport: accepting on %s %s", a.cfg.Network, ln.Addr())
	defer a.wg.Wait()
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logs.Errorf("transport: accept, err: %+v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(ctx, conn)
		}()
	}
}

func (a *Acceptor) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uds != nil {
		err := a.uds.Close()
		a.uds, a.ln = nil, nil
		return err
	}
	if a.ln == nil {
		return nil
	}
	err := a.ln.Close()
	a.ln = nil
	return err
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	s, dec, err := a.admit(conn)
	if err != nil {
		logs.Errorf("transport: refused %s, err: %+v", remote, err)
		_ = conn.Close()
		return
	}

	done, err := s.Attach(ctx, conn, dec)
	if err != nil {
		logs.Errorf("transport: attach %s to %s, err: %+v", remote, s.ID(), err)
		_ = conn.Close()
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// admit reads up to the first complete frame under the logon timeout. The
// frame stays buffered in the returned decoder for the session to consume.
func (a *Acceptor) admit(conn net.Conn) (*session.Session, *codec.Decoder, error) {
	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.LogonTimeout)); err != nil {
		return nil, nil, err
	}
	dec := codec.NewDecoder(a.cfg.MaxFrameSize)
	buf := make([]byte, 4096)
	for {
		msg, _, err := dec.Peek()
		switch {
		case err == nil:
			if msg.MsgType != codec.MsgTypeLogon {
				return nil, nil, errors.Wrap(exception.ErrTransportFirstNotLogon, msg.MsgType)
			}
			s, err := a.reg.Resolve(msg.SenderCompID, msg.TargetCompID)
			if err != nil {
				return nil, nil, errors.Wrap(exception.ErrTransportUnknownSession, err.Error())
			}
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, nil, err
			}
			return s, dec, nil
		case !errors.Is(err, codec.ErrIncomplete):
			return nil, nil, err
		}

		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return nil, nil, err
		}
	}
}
