package rpcengine

import "github.com/dshills/edbridge/internal/engine"

// Methods an engine host serves.
const (
	MethodInitialize       = "initialize"
	MethodCommand          = "command"
	MethodInput            = "input"
	MethodDelete           = "delete"
	MethodResize           = "resize"
	MethodInputMarkedText  = "inputMarkedText"
	MethodInsertMarkedText = "insertMarkedText"
	MethodComposition      = "composition"
	MethodListBuffers      = "listBuffers"
	MethodShutdown         = "shutdown"
)

// Notifications an engine host sends.
const (
	NotifyBufferOpened  = "buffer/opened"
	NotifyBufferClosed  = "buffer/closed"
	NotifyBufferDirty   = "buffer/dirty"
	NotifyBufferCurrent = "buffer/current"

	// NotifyExit is sent by the bridge after a shutdown reply.
	NotifyExit = "exit"
)

// CodeNoComposition is the error code a host returns for insertMarkedText
// with no composition in progress.
const CodeNoComposition = -32005

// InitializeParams opens the session.
type InitializeParams struct {
	Client string `json:"client"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// InitializeResult describes the host.
type InitializeResult struct {
	Name string `json:"name,omitempty"`
	PID  int    `json:"pid,omitempty"`
	// Push is false for hosts that never send buffer notifications.
	Push *bool `json:"push,omitempty"`
}

// TextParams carries a command line, keys or composition text.
type TextParams struct {
	Text string `json:"text"`
}

// DeleteParams carries a deletion count.
type DeleteParams struct {
	Count int `json:"count"`
}

// ResizeParams carries a grid size.
type ResizeParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CallResult acknowledges a request.
type CallResult struct {
	Output string `json:"output,omitempty"`
}

// CompositionResult answers composition.
type CompositionResult struct {
	Composing bool `json:"composing"`
}

// BuffersResult answers listBuffers.
type BuffersResult struct {
	Buffers []engine.BufferInfo `json:"buffers"`
}

// BufferParams is the payload of every buffer notification.
type BufferParams struct {
	Buffer engine.BufferInfo `json:"buffer"`
}
