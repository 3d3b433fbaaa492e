package session

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fixengine/internal/codec"
	"fixengine/internal/errors"
)

var errLinkClosed = errors.New("link closed")

// inboundEvent is everything the link hands to the actor: a decoded frame,
// a decode failure or the end of the link.
type inboundEvent struct {
	link uint64
	msg  *codec.Message
	raw  []byte
	err  error
	down bool
}

// link owns one transport connection: a reader that decodes frames into the
// actor's inbound queue and a single writer draining out.
type link struct {
	id   uint64
	conn net.Conn
	out  chan []byte
	ctx  context.Context
	done chan struct{}

	closeOnce sync.Once
}

type postFunc func(ctx context.Context, ev inboundEvent) error

func startLink(parent context.Context, id uint64, conn net.Conn, dec *codec.Decoder, outCap int, writeTimeout time.Duration, post postFunc) *link {
	g, ctx := errgroup.WithContext(parent)
	l := &link{
		id:   id,
		conn: conn,
		out:  make(chan []byte, outCap),
		ctx:  ctx,
		done: make(chan struct{}),
	}

	g.Go(func() error {
		return l.readLoop(ctx, dec, post)
	})
	g.Go(func() error {
		return l.writeLoop(ctx, writeTimeout)
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = l.conn.Close()
		return nil
	})

	go func() {
		err := g.Wait()
		_ = post(parent, inboundEvent{link: id, err: err, down: true})
		close(l.done)
	}()
	return l
}

func (l *link) readLoop(ctx context.Context, dec *codec.Decoder, post postFunc) error {
	buf := make([]byte, 4096)
	for {
		for {
			msg, raw, err := dec.Next()
			if errors.Is(err, codec.ErrIncomplete) {
				break
			}
			if err := post(ctx, inboundEvent{link: l.id, msg: msg, raw: raw, err: err}); err != nil {
				return err
			}
		}

		n, err := l.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (l *link) writeLoop(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.out:
			if !ok {
				return errLinkClosed
			}
			if timeout > 0 {
				_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if _, err := l.conn.Write(raw); err != nil {
				return err
			}
		}
	}
}

// write queues raw for the writer. It reports false once the link is gone.
func (l *link) write(raw []byte) bool {
	select {
	case l.out <- raw:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// close lets the writer flush what is queued, then tears the link down.
// Only the actor calls write and close.
func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.out)
	})
}
