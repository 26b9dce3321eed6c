package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Xilinx/fpga-server/internal/model"
)

var ErrNotBound = errors.New("server is not bound")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ConnHandler services one accepted connection and owns it until it returns.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn) State
}

// Server accepts connections and runs every one of them in its own goroutine.
type Server struct {
	cfg     model.Server
	handler ConnHandler
	sem     *semaphore.Weighted

	mx sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(cfg model.Server, handler ConnHandler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
	}
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	return s
}

// Bind creates the listening socket. An error here means the server can not
// start: the port is in use, the address is invalid or not permitted.
func (s *Server) Bind(ctx context.Context) error {
	addr, err := model.ListenAddrPort(s.cfg.Address, s.cfg.Port)
	if err != nil {
		return err
	}
	backlog := s.cfg.Backlog
	if backlog <= 0 {
		backlog = 5
	}

	ln, err := listen(ctx, addr, backlog)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ln != nil {
		_ = ln.Close()
		return fmt.Errorf("listening on %s: already bound to %s", addr, s.ln.Addr())
	}
	s.ln = ln
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String(), "backlog", backlog, "max_conns", s.cfg.MaxConns)
	return nil
}

// Addr returns the bound address or nil.
func (s *Server) Addr() net.Addr {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done. It never waits for a handler
// while accepting; on return the listener is closed and all handlers have
// finished.
func (s *Server) Serve(ctx context.Context) error {
	s.mx.Lock()
	ln := s.ln
	s.mx.Unlock()
	if ln == nil {
		return ErrNotBound
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	var delay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil {
				slog.DebugContext(ctx, "stop accepting connections")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = backoff(delay)
			slog.WarnContext(ctx, "accept failed", "error", err, "retry_in", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		s.wg.Go(func() {
			defer s.release()
			s.handle(ctx, conn)
		})
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			slog.ErrorContext(ctx, "connection handler panicked",
				"panic", fmt.Sprint(r),
				"remote", conn.RemoteAddr().String(),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.handler.Handle(ctx, conn)
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Close closes the listener, Serve returns after the running handlers end.
func (s *Server) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ln == nil {
		return ErrNotBound
	}
	return s.ln.Close()
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}
