// Package sequencer serialises user input into the engine.
//
// Events are accepted without blocking into a bounded FIFO and applied by a
// single drain goroutine, one at a time, in arrival order. Each enqueue
// returns a Ticket through which the caller learns the outcome.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dshills/edbridge/internal/engine"
)

// DefaultCapacity is the default queue bound.
const DefaultCapacity = 256

// Sequencer errors.
var (
	// ErrQueueSaturated indicates the queue is full. Nothing was enqueued.
	ErrQueueSaturated = errors.New("input queue saturated")

	// ErrDiscarded indicates the event was dropped by a discarding Close.
	ErrDiscarded = errors.New("input discarded")

	// ErrClosed indicates the sequencer no longer accepts input.
	ErrClosed = errors.New("sequencer closed")
)

// Invoker is the engine surface the sequencer drains into.
type Invoker interface {
	Invoke(ctx context.Context, req engine.Request) (engine.Result, error)
	Query(ctx context.Context, q engine.Query) (engine.QueryResult, error)
}

// Ticket tracks one enqueued event.
type Ticket struct {
	Seq   uint64
	Event Event

	done   chan struct{}
	result engine.Result
	err    error
}

func newTicket(seq uint64, ev Event) *Ticket {
	return &Ticket{Seq: seq, Event: ev, done: make(chan struct{})}
}

func (t *Ticket) complete(res engine.Result, err error) {
	t.result = res
	t.err = err
	close(t.done)
}

// Done is closed once the event has been applied or failed.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the event is applied or ctx ends. It returns the
// outcome of the engine invoke.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the engine's acknowledgement. Valid after Done.
func (t *Ticket) Result() engine.Result {
	<-t.done
	return t.result
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithCapacity sets the queue bound.
func WithCapacity(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// Sequencer is the outbound single-writer lane.
type Sequencer struct {
	inv      Invoker
	logger   *slog.Logger
	capacity int

	mu      sync.Mutex
	queue   []*Ticket
	nextSeq uint64
	closed  bool
	failErr error

	wake chan struct{}
	done chan struct{}

	// composing is owned by the drain goroutine.
	composing bool
}

// New creates a sequencer and starts its drain goroutine.
func New(inv Invoker, opts ...Option) *Sequencer {
	s := &Sequencer{
		inv:      inv,
		logger:   slog.New(slog.DiscardHandler),
		capacity: DefaultCapacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drain()
	return s
}

// Enqueue appends ev to the queue without blocking.
func (s *Sequencer) Enqueue(ev Event) (*Ticket, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.queued() >= s.capacity {
		s.mu.Unlock()
		s.logger.Warn("input queue saturated", "capacity", s.capacity, "kind", ev.Kind)
		return nil, ErrQueueSaturated
	}
	s.nextSeq++
	t := newTicket(s.nextSeq, ev)
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.signal()
	return t, nil
}

// Sync waits until every event enqueued before the call has been applied.
// It is not subject to the capacity bound.
func (s *Sequencer) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.nextSeq++
	t := newTicket(s.nextSeq, Event{Kind: barrier})
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	s.signal()
	return t.Wait(ctx)
}

// Pending returns the number of queued events not yet taken by the drain.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued()
}

// Close stops accepting input. With discard, queued events fail with
// ErrDiscarded; otherwise they are still applied. An invoke in flight is
// never interrupted. Close does not wait; see Done.
func (s *Sequencer) Close(discard bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []*Ticket
	if discard {
		dropped = s.queue
		s.queue = nil
	}
	s.mu.Unlock()

	for _, t := range dropped {
		t.complete(engine.Result{}, ErrDiscarded)
	}
	if len(dropped) > 0 {
		s.logger.Info("discarded pending input", "count", len(dropped))
	}
	s.signal()
}

// Fail fails every queued event with err and makes later enqueues fail
// with it too.
func (s *Sequencer) Fail(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, t := range dropped {
		t.complete(engine.Result{}, err)
	}
	if len(dropped) > 0 {
		s.logger.Warn("failed pending input", "count", len(dropped), "error", err)
	}
	s.signal()
}

// queued counts queued events, excluding barriers. Callers hold s.mu.
func (s *Sequencer) queued() int {
	n := 0
	for _, t := range s.queue {
		if t.Event.Kind != barrier {
			n++
		}
	}
	return n
}

// Done is closed when the drain goroutine has exited.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer) next() (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return t, true
	}
	return nil, s.closed || s.failErr != nil
}

func (s *Sequencer) drain() {
	defer close(s.done)

	// Invokes are bounded by the adapter's timeout and are not cancelled
	// mid-flight.
	ctx := context.Background()

	for {
		t, stop := s.next()
		if t == nil {
			if stop {
				return
			}
			<-s.wake
			continue
		}

		res, err := s.apply(ctx, t.Event)
		if err != nil {
			s.logger.Debug("input failed", "seq", t.Seq, "kind", t.Event.Kind, "error", err)
		}
		t.complete(res, err)
	}
}

func (s *Sequencer) apply(ctx context.Context, ev Event) (engine.Result, error) {
	switch ev.Kind {
	case barrier:
		return engine.Result{}, nil

	case MarkedTextInsert:
		if !s.composing {
			q, err := s.inv.Query(ctx, engine.Query{Kind: engine.QueryComposition})
			if err != nil {
				return engine.Result{}, fmt.Errorf("check composition: %w", err)
			}
			if !q.Composing {
				return engine.Result{}, engine.ErrInvalidCompositionState
			}
		}
		res, err := s.inv.Invoke(ctx, ev.Request())
		s.composing = false
		return res, err

	case MarkedTextInput:
		res, err := s.inv.Invoke(ctx, ev.Request())
		if err == nil {
			s.composing = true
		}
		return res, err
	}
	return s.inv.Invoke(ctx, ev.Request())
}
