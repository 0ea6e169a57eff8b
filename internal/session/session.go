// Package session implements the per-client state machine: perform the
// handshake, then read one command packet at a time and route COM_QUERY to
// the dispatcher, answering everything else itself.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/dispatch"
	"github.com/fanoutsql/fanoutsql/internal/wire"
)

// Dispatcher is the subset of dispatch.Dispatcher a Session needs, named
// here so tests can substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, query []byte, reply *wire.Conn, seq byte) error
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// Options configures Session behavior.
type Options struct {
	ServerVersion string
	ReadTimeout   time.Duration
	Log           *slog.Logger
}

// Session drives one client connection end to end.
type Session struct {
	conn *wire.Conn
	disp Dispatcher
	opts Options

	queriesHandled uint64
	errorsHandled  uint64
}

// New wraps conn for a single client session.
func New(conn net.Conn, disp Dispatcher, opts Options) *Session {
	if opts.ServerVersion == "" {
		opts.ServerVersion = "8.0.34-fanoutsql"
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	configureKeepAlive(conn, opts.Log)
	return &Session{conn: wire.NewConn(conn), disp: disp, opts: opts}
}

// clientKeepAlive matches the tuning a long-lived MySQL client connection
// needs to notice a dead peer well before the OS default (two hours): four
// missed probes, 60s idle before the first one, 60s between the rest.
const (
	clientKeepAliveIdle     = 60 * time.Second
	clientKeepAliveInterval = 60 * time.Second
	clientKeepAliveCount    = 4
)

// configureKeepAlive tunes TCP keepalive and disables Nagle's algorithm on
// conn, if it is a TCP connection. A client socket sits idle between
// queries for arbitrarily long stretches, so keepalive is what actually
// detects a vanished client; fast-send keeps single-packet command/response
// round trips from waiting on Nagle coalescing.
func configureKeepAlive(conn net.Conn, log *slog.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		log.Warn("setting TCP_NODELAY failed", "error", err)
	}
	err := tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     clientKeepAliveIdle,
		Interval: clientKeepAliveInterval,
		Count:    clientKeepAliveCount,
	})
	if err != nil {
		log.Warn("configuring TCP keepalive failed", "error", err)
	}
}

// Serve runs the handshake and then the command loop until the client
// disconnects, sends COM_QUIT, or ctx is canceled. It always returns with
// the connection already closed.
func (s *Session) Serve(ctx context.Context) error {
	defer s.conn.Close()

	info, err := wire.Handshake(s.conn, s.opts.ServerVersion)
	if err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}
	s.opts.Log.Debug("session established", "user", info.Username, "database", info.Database)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		pkt, err := wire.ReadPacket(s.conn)
		if err != nil {
			return nil // client disconnected or timed out; not an error worth propagating
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		cmd := pkt.Payload[0]
		switch cmd {
		case wire.ComQuit:
			return nil
		case wire.ComQuery:
			s.handleQuery(ctx, pkt)
		case wire.ComPing:
			_ = wire.SendOK(s.conn, pkt.Seq+1, 0, 0, 0)
		default:
			s.errorsHandled++
			_ = wire.SendError(s.conn, pkt.Seq+1, 1047, fmt.Sprintf("unsupported command 0x%02x", cmd))
		}
	}
}

func (s *Session) handleQuery(ctx context.Context, pkt wire.Packet) {
	query := pkt.Payload[1:]
	if err := s.disp.Dispatch(ctx, query, s.conn, pkt.Seq+1); err != nil {
		s.errorsHandled++
		s.opts.Log.Warn("query dispatch failed", "error", err)
		_ = wire.SendError(s.conn, pkt.Seq+1, 1105, "dispatch failed: "+err.Error())
		return
	}
	s.queriesHandled++
}

// QueriesHandled returns the number of COM_QUERY commands this session has
// dispatched successfully, for per-session diagnostics. A failed dispatch
// counts toward ErrorsHandled instead.
func (s *Session) QueriesHandled() uint64 { return s.queriesHandled }

// ErrorsHandled returns the number of commands this session answered with
// an error, including unsupported commands.
func (s *Session) ErrorsHandled() uint64 { return s.errorsHandled }
