package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"fixengine/internal/chaos"
	"fixengine/internal/codec"
)

// chaos sits between two FIX endpoints and injects faults into the frames
// flowing toward the upstream, leaving the reverse direction untouched.
func main() {
	listen := flag.String("listen", "127.0.0.1:9879", "Address the initiator dials")
	upstream := flag.String("upstream", "127.0.0.1:9878", "Acceptor address to forward to")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	corruptRate := flag.Float64("corrupt-rate", 0, "Corrupt probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	keepFirst := flag.Int("keep-first", 1, "Frames passed untouched per connection (the Logon)")
	flag.Parse()

	cfg := chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		CorruptRate:   *corruptRate,
		ReorderWindow: *reorderWindow,
		KeepFirst:     *keepFirst,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Printf("chaos proxy %s -> %s", *listen, *upstream)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("accept error: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay(ctx, conn, *upstream, cfg); err != nil {
				log.Printf("relay %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
	wg.Wait()
}

func relay(ctx context.Context, down net.Conn, upstream string, cfg chaos.Config) error {
	defer down.Close()
	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", upstream)
	if err != nil {
		return err
	}
	defer up.Close()

	engine, err := chaos.NewEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = down.Close()
		_ = up.Close()
	}()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(down, up)
		errc <- err
	}()
	go func() {
		errc <- pipe(up, down, engine, 0)
	}()
	err = <-errc
	cancel()
	<-errc
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// pipe splits src into FIX frames, runs them through the engine and writes
// the survivors to dst. Bytes that do not frame are forwarded as they are.
func pipe(dst io.Writer, src io.Reader, engine *chaos.Engine, maxFrame int) error {
	dec := codec.NewDecoder(maxFrame)
	buf := make([]byte, 4096)
	write := func(frames []chaos.Frame) error {
		for _, f := range frames {
			if _, err := dst.Write(f.Raw); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		for {
			msg, raw, err := dec.Next()
			if errors.Is(err, codec.ErrIncomplete) {
				break
			}
			var me *codec.MalformedError
			if errors.As(err, &me) {
				if _, err := dst.Write(me.Raw); err != nil {
					return err
				}
				continue
			}
			f := chaos.Frame{Raw: append([]byte(nil), raw...)}
			if msg != nil {
				f.SeqNum = msg.SeqNum
			}
			if err := write(engine.Process(f)); err != nil {
				return err
			}
		}
		if readErr != nil {
			if err := write(engine.Flush()); err != nil {
				return err
			}
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
