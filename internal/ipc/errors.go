package ipc

import (
	"errors"

	"github.com/dshills/edbridge/internal/bridge"
	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/lifecycle"
	"github.com/dshills/edbridge/internal/rpc"
	"github.com/dshills/edbridge/internal/sequencer"
)

// Application error codes. They sit just below the range reserved by
// JSON-RPC 2.0 and are stable across releases.
const (
	CodeAlreadyStarted          = -32001
	CodeStartFailed             = -32002
	CodeEngineUnresponsive      = -32003
	CodeEngineGone              = -32004
	CodeInvalidCompositionState = -32005
	CodeQueueSaturated          = -32006
	CodeQuitBlocked             = -32007
	CodeHandlerAlreadyBound     = -32008
	CodeNotRunning              = -32009
	CodeUnsavedChanges          = -32010
	CodeDiscarded               = -32011
)

// Error kinds carried in the error object's data.kind.
const (
	KindAlreadyStarted          = "alreadyStarted"
	KindStartFailed             = "startFailed"
	KindEngineUnresponsive      = "engineUnresponsive"
	KindEngineGone              = "engineGone"
	KindInvalidCompositionState = "invalidCompositionState"
	KindQueueSaturated          = "queueSaturated"
	KindQuitBlocked             = "quitBlocked"
	KindHandlerAlreadyBound     = "handlerAlreadyBound"
	KindNotRunning              = "notRunning"
	KindUnsavedChanges          = "unsavedChanges"
	KindDiscarded               = "discarded"
	KindInvalidArgument         = "invalidArgument"
	KindInternal                = "internal"
)

// ErrorData is the data member of every application error.
type ErrorData struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

type errorCode struct {
	target error
	code   int
	kind   string
}

// errorCodes is checked in order. A failed start wraps its cause, so it
// comes first.
var errorCodes = []errorCode{
	{lifecycle.ErrStartFailed, CodeStartFailed, KindStartFailed},
	{engine.ErrAlreadyStarted, CodeAlreadyStarted, KindAlreadyStarted},
	{engine.ErrEngineUnresponsive, CodeEngineUnresponsive, KindEngineUnresponsive},
	{engine.ErrEngineGone, CodeEngineGone, KindEngineGone},
	{engine.ErrInvalidCompositionState, CodeInvalidCompositionState, KindInvalidCompositionState},
	{sequencer.ErrQueueSaturated, CodeQueueSaturated, KindQueueSaturated},
	{engine.ErrHandlerAlreadyBound, CodeHandlerAlreadyBound, KindHandlerAlreadyBound},
	{bridge.ErrInvalidArgument, rpc.CodeInvalidParams, KindInvalidArgument},
	{bridge.ErrUnsavedChanges, CodeUnsavedChanges, KindUnsavedChanges},
	{sequencer.ErrDiscarded, CodeDiscarded, KindDiscarded},
	{bridge.ErrNotRunning, CodeNotRunning, KindNotRunning},
	{engine.ErrNotStarted, CodeNotRunning, KindNotRunning},
}

// MapError translates a bridge error into a wire error.
func MapError(err error) *rpc.Error {
	if err == nil {
		return nil
	}

	var blocked *lifecycle.QuitBlocked
	if errors.As(err, &blocked) {
		return rpc.NewError(CodeQuitBlocked, err.Error(), ErrorData{Kind: KindQuitBlocked, Reason: blocked.Reason})
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return rpc.NewError(ec.code, err.Error(), ErrorData{Kind: ec.kind})
		}
	}
	return rpc.NewError(rpc.CodeInternalError, err.Error(), ErrorData{Kind: KindInternal})
}

// KindOf returns the data.kind of an error received from a server, or ""
// for errors that did not come over the wire.
func KindOf(err error) string {
	var rerr *rpc.Error
	if !errors.As(err, &rerr) {
		return ""
	}
	switch d := rerr.Data.(type) {
	case ErrorData:
		return d.Kind
	case map[string]any:
		kind, _ := d["kind"].(string)
		return kind
	}
	return ""
}
