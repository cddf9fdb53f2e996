// Package state mirrors the engine-side state the presentation needs.
//
// Engine notifications enter a single inbound lane and are applied by one
// goroutine in receipt order. Each application publishes a new immutable
// view, so readers never observe a half-applied notification and never
// block the lane.
package state

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/edbridge/internal/display"
	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/notify"
)

// DefaultInbox is the default inbound lane capacity.
const DefaultInbox = 1024

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("state tracker closed")

// Publisher receives outbound events.
type Publisher = notify.Publisher

type discardPublisher struct{}

func (discardPublisher) Publish(notify.Event) {}

// item is one unit of work on the inbound lane. Exactly one field is set.
type item struct {
	note      *engine.Notification
	reconcile []engine.BufferInfo
	barrier   chan struct{}
}

// view is the immutable state published after each application.
type view struct {
	snap    Snapshot
	dirty   int
	current int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInbox sets the inbound lane capacity.
func WithInbox(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.inboxSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPublisher sets where outbound events go.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.pub = p
		}
	}
}

// Tracker is the inbound single-writer lane and the view it maintains.
type Tracker struct {
	logger    *slog.Logger
	pub       Publisher
	inboxSize int

	inbox chan item
	view  atomic.Pointer[view]

	mu        sync.RWMutex
	closed    bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a tracker and starts its apply loop.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		logger:    slog.New(slog.DiscardHandler),
		pub:       discardPublisher{},
		inboxSize: DefaultInbox,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.inbox = make(chan item, t.inboxSize)
	t.view.Store(&view{})

	go t.run()
	return t
}

// OnNotification queues an engine notification. It blocks while the lane
// is full; notifications are never dropped while the tracker is open.
func (t *Tracker) OnNotification(n engine.Notification) {
	t.push(item{note: &n})
}

// Reconcile replaces the whole buffer set with a fresh engine listing. It
// goes through the same lane as notifications.
func (t *Tracker) Reconcile(buffers []engine.BufferInfo) {
	t.push(item{reconcile: slices.Clone(buffers)})
}

// Flush returns once everything queued before the call has been applied.
func (t *Tracker) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !t.push(item{barrier: barrier}) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-t.done:
		// The loop drains before exiting, so the barrier was reached.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) push(it item) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return false
	}
	select {
	case t.inbox <- it:
		return true
	case <-t.stop:
		return false
	}
}

// Close stops the apply loop after the queued items have been applied.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.inbox)
	})
	<-t.done
}

// HasDirtyDocs reports whether any buffer has unsaved changes.
func (t *Tracker) HasDirtyDocs() bool {
	return t.view.Load().dirty > 0
}

// ListBuffers returns a snapshot of the buffer list.
func (t *Tracker) ListBuffers() Snapshot {
	return t.view.Load().snap
}

// CurrentBuffer returns the engine's current buffer, if known.
func (t *Tracker) CurrentBuffer() (Buffer, bool) {
	v := t.view.Load()
	if v.current == 0 {
		return Buffer{}, false
	}
	return v.snap.Lookup(v.current)
}

func (t *Tracker) run() {
	defer close(t.done)

	for it := range t.inbox {
		switch {
		case it.barrier != nil:
			close(it.barrier)
		case it.note != nil:
			t.apply(*it.note)
		default:
			t.reconcile(it.reconcile)
		}
	}
}

// apply folds one notification into a new view.
func (t *Tracker) apply(n engine.Notification) {
	old := t.view.Load()
	batch := notify.NewBatch(t.pub)

	bufs := old.snap.Slice()
	current := old.current
	i, known := old.snap.index(n.Buffer.ID)

	ensure := func() int {
		if known {
			return i
		}
		nb := newBuffer(n.Buffer)
		bufs = slices.Insert(bufs, i, nb)
		known = true
		batch.Add(notify.Event{Kind: notify.BufferOpened, Buffer: payload(nb)})
		return i
	}

	switch n.Kind {
	case engine.BufferOpened:
		if known {
			if bufs[i].Name != n.Buffer.Name {
				bufs[i].Name = n.Buffer.Name
				bufs[i].DisplayName = display.EscapeFilename(n.Buffer.Name)
			}
		} else {
			ensure()
		}
		if n.Buffer.Current {
			current = n.Buffer.ID
		}

	case engine.BufferClosed:
		if !known {
			t.logger.Debug("close for unknown buffer", "id", n.Buffer.ID)
			return
		}
		gone := bufs[i]
		bufs = slices.Delete(bufs, i, i+1)
		if current == gone.ID {
			current = 0
		}
		batch.Add(notify.Event{Kind: notify.BufferClosed, Buffer: payload(gone)})

	case engine.DirtyChanged:
		wasKnown := known
		j := ensure()
		if bufs[j].Dirty != n.Buffer.Dirty || !wasKnown && n.Buffer.Dirty {
			bufs[j].Dirty = n.Buffer.Dirty
			batch.Add(notify.Event{Kind: notify.DirtyChanged, Buffer: payload(bufs[j])})
		}

	case engine.CurrentChanged:
		ensure()
		if current != n.Buffer.ID {
			current = n.Buffer.ID
			cb := bufs[i]
			batch.Add(notify.Event{Kind: notify.CurrentChanged, Buffer: payload(cb)})
		}

	default:
		// Crashes are handled by the lifecycle controller.
		return
	}

	t.store(bufs, current)
	batch.Commit()
}

// reconcile replaces the view with a full listing and publishes the
// difference.
func (t *Tracker) reconcile(infos []engine.BufferInfo) {
	old := t.view.Load()

	slices.SortFunc(infos, func(a, b engine.BufferInfo) int { return a.ID - b.ID })
	infos = slices.CompactFunc(infos, func(a, b engine.BufferInfo) bool { return a.ID == b.ID })

	events := notify.NewBatch(t.pub)
	bufs := make([]Buffer, 0, len(infos))
	current := 0

	for _, info := range infos {
		nb := newBuffer(info)
		prev, existed := old.snap.Lookup(info.ID)
		switch {
		case !existed:
			events.Add(notify.Event{Kind: notify.BufferOpened, Buffer: payload(nb)})
			if nb.Dirty {
				events.Add(notify.Event{Kind: notify.DirtyChanged, Buffer: payload(nb)})
			}
		case prev.Dirty != nb.Dirty:
			events.Add(notify.Event{Kind: notify.DirtyChanged, Buffer: payload(nb)})
		}
		if info.Current {
			current = info.ID
		}
		bufs = append(bufs, nb)
	}

	for b := range old.snap.All() {
		if _, ok := slices.BinarySearchFunc(bufs, b.ID, func(x Buffer, id int) int { return x.ID - id }); !ok {
			events.Add(notify.Event{Kind: notify.BufferClosed, Buffer: payload(b)})
		}
	}

	if current != 0 && current != old.current {
		i, _ := slices.BinarySearchFunc(bufs, current, func(x Buffer, id int) int { return x.ID - id })
		events.Add(notify.Event{Kind: notify.CurrentChanged, Buffer: payload(bufs[i])})
	}

	t.store(bufs, current)
	events.Commit()
}

func (t *Tracker) store(bufs []Buffer, current int) {
	dirty := 0
	for i := range bufs {
		bufs[i].Current = bufs[i].ID == current
		if bufs[i].Dirty {
			dirty++
		}
	}
	t.view.Store(&view{snap: Snapshot{buffers: bufs}, dirty: dirty, current: current})
}

func newBuffer(info engine.BufferInfo) Buffer {
	return Buffer{
		ID:          info.ID,
		Name:        info.Name,
		DisplayName: display.EscapeFilename(info.Name),
		Dirty:       info.Dirty,
	}
}

func payload(b Buffer) *notify.Buffer {
	return &notify.Buffer{ID: b.ID, Name: b.Name, DisplayName: b.DisplayName, Dirty: b.Dirty}
}
