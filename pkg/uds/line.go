package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"fixengine/pkg/exception"
)

const defaultMaxLine = 4096

// LineHandler answers one request line. The returned value is written back
// as a single JSON line.
type LineHandler func(ctx context.Context, line string) any

// LineConfig bounds the line protocol served by ServeLines.
type LineConfig struct {
	// MaxLine is the longest accepted request line. Defaults to 4096 bytes.
	MaxLine int
	// IdleTimeout closes a connection that sends no request for this long.
	// Zero keeps idle connections open until ctx ends.
	IdleTimeout time.Duration
	// WriteTimeout bounds writing one reply. Zero means no deadline.
	WriteTimeout time.Duration
	// OnError receives accept errors that do not stop the server.
	OnError func(error)
}

func (cfg LineConfig) withDefaults() LineConfig {
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = defaultMaxLine
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	return cfg
}

// ServeLines accepts connections until ctx ends and answers every non-empty
// line with h. The listener is closed on return and open connections are
// waited for.
func (s *Server) ServeLines(ctx context.Context, cfg LineConfig, h LineHandler) error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	if h == nil {
		return exception.ErrNilHandlerUDS
	}
	if s.ln == nil {
		return exception.ErrNotListeningUDS
	}
	cfg = cfg.withDefaults()
	ln := s.ln

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			cfg.OnError(err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveLineConn(ctx, conn, cfg, h)
		}()
	}
}

func serveLineConn(ctx context.Context, conn net.Conn, cfg LineConfig, h LineHandler) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 256), cfg.MaxLine)
	enc := json.NewEncoder(conn)
	for {
		if cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply := h(ctx, line)
		if cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		}
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}

// Call sends one request line and decodes the single JSON-line reply into
// reply. The connection deadline follows ctx.
func (c *Client) Call(ctx context.Context, line string, reply any) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return exception.ErrBadRequestUDS
	}
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return err
	}
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return errors.Join(exception.ErrBadReplyUDS, err)
	}
	return nil
}
