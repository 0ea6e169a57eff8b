// Package server wires together the listener, per-client admission control,
// and graceful drain on Stop into one running proxy instance. Signal
// handling (shutdown and backend reload) lives in cmd/fanoutsql.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fanoutsql/fanoutsql/internal/dispatch"
	"github.com/fanoutsql/fanoutsql/internal/lockpool"
	"github.com/fanoutsql/fanoutsql/internal/metrics"
	"github.com/fanoutsql/fanoutsql/internal/session"
)

// Options configures the acceptor.
type Options struct {
	Addr        string
	MaxClients  int
	AdmitPerSec float64 // 0 disables rate limiting
	SessionOpts session.Options
	Metrics     *metrics.Collector // nil disables metrics recording.
	Log         *slog.Logger
}

// Server accepts client connections, admits them through a lock pool sized
// to MaxClients, and runs one session goroutine per admitted client.
type Server struct {
	opts     Options
	disp     *dispatch.Dispatcher
	clients  *lockpool.Pool
	limiter  *rate.Limiter
	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server. Call Serve to start accepting.
func New(disp *dispatch.Dispatcher, opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	clients, err := lockpool.New(opts.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("server: client pool: %w", err)
	}
	var limiter *rate.Limiter
	if opts.AdmitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.AdmitPerSec), opts.MaxClients)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{opts: opts, disp: disp, clients: clients, limiter: limiter, ctx: ctx, cancel: cancel}, nil
}

// Serve binds opts.Addr and runs the accept loop until Stop is called. It
// blocks until the listener closes.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.opts.Log.Info("accepting connections", "addr", s.opts.Addr, "max_clients", s.opts.MaxClients)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				s.opts.Log.Warn("accept error", "error", err)
				continue
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.admitAndServe(conn)
	}
}

func (s *Server) admitAndServe(conn net.Conn) {
	defer s.wg.Done()

	slot := s.clients.Acquire()
	s.reportClientSlots()
	defer func() {
		if err := s.clients.Release(slot); err != nil {
			s.opts.Log.Error("releasing client slot", "error", err)
		}
		s.reportClientSlots()
	}()

	sess := session.New(conn, s.disp, s.opts.SessionOpts)
	if err := sess.Serve(s.ctx); err != nil {
		s.opts.Log.Warn("session ended with error", "error", err)
	}
}

// Stop closes the listener and waits for in-flight sessions to finish,
// bounded by timeout; a non-positive timeout waits indefinitely.
func (s *Server) Stop(timeout time.Duration) {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	if timeout <= 0 {
		s.wg.Wait()
		return
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		s.opts.Log.Warn("shutdown timed out with sessions still in flight")
	}
}

// ActiveClients reports how many client slots are currently held.
func (s *Server) ActiveClients() int { return s.clients.Locked() }

func (s *Server) reportClientSlots() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetClientSlotsInUse(s.clients.Locked())
	}
}
