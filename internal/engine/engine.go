// Package engine adapts an embedded text-editing engine to the bridge.
//
// The Adapter is the only component that talks to the engine. It forwards
// already-sequenced requests, runs read-only queries, and relays engine
// notifications to a single subscriber. Every call is bounded by a timeout;
// a timed-out call leaves the engine in an unknown state, so the Adapter
// treats it as gone from then on.
//
// Concrete engines plug in through the Backend interface. See the nvim,
// rpcengine and memengine subpackages.
package engine

import (
	"context"
	"fmt"
)

// RequestKind identifies the engine-visible effect of a Request.
type RequestKind int

const (
	// KindCommand runs an ex command line, e.g. "e foo.txt".
	KindCommand RequestKind = iota
	// KindInput feeds a key sequence in Vim key notation.
	KindInput
	// KindDelete deletes Count characters before the cursor.
	KindDelete
	// KindResize resizes the attached UI grid.
	KindResize
	// KindMarkedText replaces the in-progress composition with Text.
	KindMarkedText
	// KindCommitMarkedText commits Text, ending the composition.
	KindCommitMarkedText
)

var requestKindNames = [...]string{
	KindCommand:          "command",
	KindInput:            "input",
	KindDelete:           "delete",
	KindResize:           "resize",
	KindMarkedText:       "inputMarkedText",
	KindCommitMarkedText: "insertMarkedText",
}

// String returns the wire name of the kind.
func (k RequestKind) String() string {
	if k >= 0 && int(k) < len(requestKindNames) {
		return requestKindNames[k]
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// Request is one engine-visible mutation.
type Request struct {
	Kind   RequestKind
	Text   string
	Count  int
	Width  int
	Height int
}

// Result is the engine's acknowledgement of a Request.
type Result struct {
	// Output is any text the engine produced, if the backend reports it.
	Output string
}

// QueryKind identifies a read-only probe.
type QueryKind int

const (
	// QueryComposition asks whether a composition is active.
	QueryComposition QueryKind = iota
	// QueryBuffers lists the engine's buffers.
	QueryBuffers
	// QueryPID asks for the engine's process ID.
	QueryPID
)

func (k QueryKind) String() string {
	switch k {
	case QueryComposition:
		return "composition"
	case QueryBuffers:
		return "buffers"
	case QueryPID:
		return "pid"
	}
	return fmt.Sprintf("QueryKind(%d)", int(k))
}

// Query is a read-only probe.
type Query struct {
	Kind QueryKind
}

// QueryResult holds the answer to a Query. Only the field matching the
// query kind is meaningful.
type QueryResult struct {
	Composing bool
	Buffers   []BufferInfo
	PID       int
}

// BufferInfo describes one engine buffer as the engine reports it.
type BufferInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Dirty   bool   `json:"dirty"`
	Current bool   `json:"current,omitempty"`
}

// NotificationKind identifies an engine event.
type NotificationKind int

const (
	// BufferOpened reports a new buffer.
	BufferOpened NotificationKind = iota
	// BufferClosed reports a deleted buffer.
	BufferClosed
	// DirtyChanged reports a change of a buffer's modified flag.
	DirtyChanged
	// CurrentChanged reports that the current buffer changed.
	CurrentChanged
	// EngineCrashed reports that the engine exited or stopped responding.
	EngineCrashed
)

func (k NotificationKind) String() string {
	switch k {
	case BufferOpened:
		return "bufferOpened"
	case BufferClosed:
		return "bufferClosed"
	case DirtyChanged:
		return "dirtyChanged"
	case CurrentChanged:
		return "currentChanged"
	case EngineCrashed:
		return "engineCrashed"
	}
	return fmt.Sprintf("NotificationKind(%d)", int(k))
}

// Notification is an event emitted by the engine.
type Notification struct {
	Kind   NotificationKind
	Buffer BufferInfo
	// Reason describes an EngineCrashed notification.
	Reason string
}

// Handler receives engine notifications in emission order.
type Handler func(Notification)

// Capabilities describe optional backend behaviour.
type Capabilities struct {
	// Push is true when the backend emits buffer notifications on its own.
	// Without it the buffer view must be kept current by polling
	// QueryBuffers.
	Push bool
}

// Backend is a concrete engine.
type Backend interface {
	// Start launches the engine and performs the handshake. ctx bounds the
	// handshake only; the engine outlives it. sink receives notifications
	// in emission order from a single goroutine.
	Start(ctx context.Context, sink func(Notification)) error

	// Call applies one request and waits for the engine's acknowledgement.
	Call(ctx context.Context, req Request) (Result, error)

	// Probe answers a read-only query.
	Probe(ctx context.Context, q Query) (QueryResult, error)

	// Stop shuts the engine down.
	Stop(ctx context.Context) error

	// Capabilities reports optional behaviour.
	Capabilities() Capabilities
}
