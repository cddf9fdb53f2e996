package ipc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/rpc"
)

// ServeStdio serves a single peer over r and w with Content-Length
// framing. It returns when the peer disconnects, when ctx ends or, after
// the session has terminated, once the final events and replies are out.
//
// r and w are closed on return if they implement io.Closer.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	logger := s.logger.With("transport", "stdio")
	conn := s.newConn(rpc.NewHeaderStream(r, w, closers{r, w}), logger)

	sub := s.bridge.Subscribe(func(ev notify.Event) {
		forward(ctx, conn, ev, logger)
	})
	defer sub.Unsubscribe()

	stopped := make(chan struct{})
	var once sync.Once
	stopSub := s.bridge.SubscribeKind(notify.EngineStopped, func(notify.Event) {
		once.Do(func() { close(stopped) })
	})
	defer stopSub.Unsubscribe()

	conn.Start(ctx)
	logger.Info("serving")

	select {
	case <-conn.Done():
		err := conn.Err()
		logger.Info("peer disconnected", "error", err)
		return err
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-s.bridge.Done():
	}

	if !waitFor(stopped, s.drain) {
		logger.Warn("engineStopped not delivered before close")
	}
	if !waitFor(drained(conn), s.drain) {
		logger.Warn("replies still pending at close")
	}
	logger.Info("session ended; closing")
	return conn.Close()
}

// closers closes each member that implements io.Closer.
type closers []any

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if cl, ok := c.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}
