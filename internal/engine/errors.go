package engine

import "errors"

// Adapter errors.
var (
	// ErrAlreadyStarted indicates Start was called more than once.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted indicates an operation before a successful Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrEngineUnresponsive indicates the engine did not acknowledge a
	// request within the invoke timeout. The engine state is unknown.
	ErrEngineUnresponsive = errors.New("engine unresponsive")

	// ErrEngineGone indicates the engine has exited, crashed or been
	// stopped. It is sticky: once returned, every later call returns it.
	ErrEngineGone = errors.New("engine gone")

	// ErrInvalidCompositionState indicates a composition commit with no
	// composition in progress.
	ErrInvalidCompositionState = errors.New("no composition in progress")

	// ErrHandlerAlreadyBound indicates Subscribe was called twice.
	ErrHandlerAlreadyBound = errors.New("notification handler already bound")

	// ErrUnknownRequest indicates a request kind the backend cannot serve.
	ErrUnknownRequest = errors.New("unknown request kind")
)
