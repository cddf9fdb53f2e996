// Package ipc exposes a bridge to presentation processes.
//
// Peers speak JSON-RPC 2.0, either over stdio with Content-Length framing
// or over WebSocket with one message per text frame. Both transports serve
// the same method table and forward every bridge event as a notification
// whose method is the event kind. Each outbound notification carries the
// session ID in params.sessionId.
package ipc

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/edbridge/internal/bridge"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/rpc"
)

// DefaultDrainTimeout bounds how long a transport waits, after the session
// ends, for the final events and replies to be written.
const DefaultDrainTimeout = 2 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDrainTimeout sets how long to wait for final writes at session end.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.drain = d
		}
	}
}

// Server serves one bridge to any number of connections.
type Server struct {
	bridge *bridge.Bridge
	logger *slog.Logger
	stamp  *stamper
	drain  time.Duration
}

// NewServer creates a server for b.
func NewServer(b *bridge.Bridge, opts ...Option) *Server {
	s := &Server{
		bridge: b,
		logger: logging.Discard(),
		stamp:  newStamper(b.SessionID),
		drain:  DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newConn builds a connection over stream with the method table
// installed. The caller starts it.
func (s *Server) newConn(stream rpc.Stream, logger *slog.Logger) *rpc.Conn {
	conn := rpc.NewConn(stream,
		rpc.WithLogger(logger),
		rpc.WithErrorMapper(MapError),
		rpc.WithOutboundFilter(s.stamp.filter),
	)
	register(conn, s.bridge)
	return conn
}

// forward sends ev to conn as a notification.
func forward(ctx context.Context, conn *rpc.Conn, ev notify.Event, logger *slog.Logger) {
	if err := conn.Notify(ctx, string(ev.Kind), ev); err != nil {
		logger.Debug("event not delivered", "event", ev.Kind, "error", err)
	}
}

// waitFor waits for ch to close, giving up after d.
func waitFor(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// drained returns a channel closed once conn has sent every pending reply.
func drained(conn *rpc.Conn) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		conn.Wait()
		close(ch)
	}()
	return ch
}
