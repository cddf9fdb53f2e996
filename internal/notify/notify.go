// Package notify publishes bridge-level events to observers.
//
// Events are delivered to observers in publication order. In async mode a
// single goroutine performs delivery, so a slow observer delays later
// events but never reorders them.
package notify

import (
	"sync"
)

// Kind names an outbound event. The value is the wire method name.
type Kind string

const (
	BufferOpened   Kind = "bufferOpened"
	BufferClosed   Kind = "bufferClosed"
	DirtyChanged   Kind = "dirtyChanged"
	CurrentChanged Kind = "currentBufferChanged"
	EngineReady    Kind = "engineReady"
	EngineCrashed  Kind = "engineCrashed"
	EngineStopped  Kind = "engineStopped"
	QuitBlocked    Kind = "quitBlocked"
)

// Buffer is the presentation view of an engine buffer.
type Buffer struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Dirty       bool   `json:"dirty"`
}

// Event is one outbound notification. Kind selects which fields are set.
type Event struct {
	Kind    Kind     `json:"-"`
	Buffer  *Buffer  `json:"buffer,omitempty"`
	Buffers []Buffer `json:"buffers,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Observer receives events.
type Observer func(Event)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

// Subscription represents an active observer subscription.
type Subscription struct {
	id       uint64
	notifier *Notifier
}

// Unsubscribe removes this subscription.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.notifier != nil {
		s.notifier.unsubscribe(s.id)
	}
}

// Notifier fans events out to observers.
type Notifier struct {
	mu sync.RWMutex

	// Observers that receive every event
	all map[uint64]Observer

	// Observers for one kind
	byKind map[Kind]map[uint64]Observer

	nextID uint64

	async  bool
	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithAsync enables asynchronous delivery through a buffer of the given
// size. Publish blocks while the buffer is full.
func WithAsync(bufferSize int) Option {
	return func(n *Notifier) {
		if bufferSize > 0 {
			n.async = true
			n.buffer = make(chan Event, bufferSize)
		}
	}
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		all:    make(map[uint64]Observer),
		byKind: make(map[Kind]map[uint64]Observer),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.async {
		n.wg.Add(1)
		go n.processAsync()
	}

	return n
}

// Subscribe registers an observer for every event.
func (n *Notifier) Subscribe(observer Observer) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.all[id] = observer

	return &Subscription{id: id, notifier: n}
}

// SubscribeKind registers an observer for one kind of event. For a given
// event, observers of every event run before observers of its kind.
func (n *Notifier) SubscribeKind(kind Kind, observer Observer) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	if n.byKind[kind] == nil {
		n.byKind[kind] = make(map[uint64]Observer)
	}
	n.byKind[kind][id] = observer

	return &Subscription{id: id, notifier: n}
}

// Publish sends an event to all matching observers.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	n.mu.RUnlock()

	if n.async {
		select {
		case n.buffer <- ev:
		case <-n.done:
		}
		return
	}

	n.deliver(ev)
}

// Close shuts the notifier down after delivering buffered events. It is
// safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.all, id)

	for kind, observers := range n.byKind {
		delete(observers, id)
		if len(observers) == 0 {
			delete(n.byKind, kind)
		}
	}
}

func (n *Notifier) deliver(ev Event) {
	n.mu.RLock()
	observers := make([]Observer, 0, len(n.all)+len(n.byKind[ev.Kind]))
	for _, obs := range n.all {
		observers = append(observers, obs)
	}
	for _, obs := range n.byKind[ev.Kind] {
		observers = append(observers, obs)
	}
	n.mu.RUnlock()

	// Call observers outside the lock
	for _, obs := range observers {
		obs(ev)
	}
}

func (n *Notifier) processAsync() {
	defer n.wg.Done()

	for {
		select {
		case ev := <-n.buffer:
			n.deliver(ev)
		case <-n.done:
			for {
				select {
				case ev := <-n.buffer:
					n.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Batch collects the events of one state change and publishes them
// together, in order, once the change is visible.
type Batch struct {
	pub    Publisher
	events []Event
}

// NewBatch creates an empty batch publishing to p.
func NewBatch(p Publisher) *Batch {
	return &Batch{pub: p}
}

// Add appends an event.
func (b *Batch) Add(ev Event) {
	b.events = append(b.events, ev)
}

// Len returns the number of collected events.
func (b *Batch) Len() int {
	return len(b.events)
}

// Commit publishes the collected events and empties the batch.
func (b *Batch) Commit() {
	events := b.events
	b.events = nil
	for _, ev := range events {
		b.pub.Publish(ev)
	}
}
