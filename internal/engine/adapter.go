package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultInvokeTimeout    = 5 * time.Second
)

// ReasonUnresponsive is the crash reason reported after an invoke timeout.
const ReasonUnresponsive = "unresponsive"

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithInvokeTimeout bounds each Invoke and Query.
func WithInvokeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.invokeTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds Start.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.handshakeTimeout = d
		}
	}
}

// Adapter is the bridge's single point of contact with the engine.
type Adapter struct {
	backend          Backend
	logger           *slog.Logger
	invokeTimeout    time.Duration
	handshakeTimeout time.Duration

	mu      sync.Mutex
	started bool
	handler Handler

	gone     atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewAdapter wraps a backend.
func NewAdapter(b Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend:          b,
		logger:           slog.New(slog.DiscardHandler),
		invokeTimeout:    DefaultInvokeTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capabilities reports the backend's optional behaviour.
func (a *Adapter) Capabilities() Capabilities {
	return a.backend.Capabilities()
}

// Subscribe binds the notification handler. Only one handler may be bound.
func (a *Adapter) Subscribe(h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handler != nil {
		return ErrHandlerAlreadyBound
	}
	a.handler = h
	return nil
}

// Start launches the engine and waits for the handshake. A failed start
// may be retried.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()

	if err := a.backend.Start(hctx, a.deliver); err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("handshake: %w: %w", ErrEngineUnresponsive, err)
		}
		return fmt.Errorf("handshake: %w", err)
	}

	a.logger.Info("engine started")
	return nil
}

// Invoke forwards one request and waits for the engine's acknowledgement.
// A timeout returns ErrEngineUnresponsive and marks the engine gone; the
// request is never retried.
func (a *Adapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if err := a.ready(); err != nil {
		return Result{}, err
	}

	res, err := bounded(ctx, a.invokeTimeout, func(ctx context.Context) (Result, error) {
		return a.backend.Call(ctx, req)
	})
	if err != nil {
		return Result{}, a.classify(ctx, "invoke "+req.Kind.String(), err)
	}
	return res, nil
}

// Query runs a read-only probe. It follows the same timeout rules as Invoke.
func (a *Adapter) Query(ctx context.Context, q Query) (QueryResult, error) {
	if err := a.ready(); err != nil {
		return QueryResult{}, err
	}

	res, err := bounded(ctx, a.invokeTimeout, func(ctx context.Context) (QueryResult, error) {
		return a.backend.Probe(ctx, q)
	})
	if err != nil {
		return QueryResult{}, a.classify(ctx, "query "+q.Kind.String(), err)
	}
	return res, nil
}

// Stop shuts the engine down. It is idempotent. Crash notifications caused
// by the shutdown are suppressed.
func (a *Adapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopping.Store(true)
		a.gone.Store(true)

		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if !started {
			return
		}

		if err := a.backend.Stop(ctx); err != nil {
			a.stopErr = fmt.Errorf("stop engine: %w", err)
			a.logger.Warn("engine stop failed", "error", err)
			return
		}
		a.logger.Info("engine stopped")
	})
	return a.stopErr
}

// Gone reports whether the engine has been lost or stopped.
func (a *Adapter) Gone() bool {
	return a.gone.Load()
}

func (a *Adapter) ready() error {
	if a.gone.Load() {
		return ErrEngineGone
	}
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return nil
}

// classify turns a backend failure into the adapter's error taxonomy.
func (a *Adapter) classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, errTimedOut):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Error("engine did not respond", "op", op, "timeout", a.invokeTimeout)
		a.lose(ReasonUnresponsive)
		return fmt.Errorf("%s: %w", op, ErrEngineUnresponsive)
	case errors.Is(err, ErrEngineGone):
		a.lose("engine gone during " + op)
		return fmt.Errorf("%s: %w", op, ErrEngineGone)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// lose marks the engine gone and emits a synthetic crash notification.
func (a *Adapter) lose(reason string) {
	a.deliver(Notification{Kind: EngineCrashed, Reason: reason})
}

// deliver is the backend's notification sink.
func (a *Adapter) deliver(n Notification) {
	if n.Kind == EngineCrashed {
		if a.stopping.Load() {
			a.logger.Debug("engine exited during stop", "reason", n.Reason)
			return
		}
		if a.gone.Swap(true) {
			a.logger.Debug("duplicate crash suppressed", "reason", n.Reason)
			return
		}
		a.logger.Error("engine crashed", "reason", n.Reason)
	}

	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()

	if h == nil {
		a.logger.Debug("notification dropped, no subscriber", "kind", n.Kind)
		return
	}
	h(n)
}

var errTimedOut = errors.New("timed out")

// bounded runs fn with a deadline. fn keeps running in the background if
// it ignores its context; the caller gets errTimedOut either way.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(tctx)
		ch <- outcome{v, err}
	}()

	var zero T
	select {
	case o := <-ch:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, errTimedOut
		}
		return o.v, o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errTimedOut
	}
}
