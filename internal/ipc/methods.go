package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/edbridge/internal/bridge"
	"github.com/dshills/edbridge/internal/lifecycle"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/rpc"
	"github.com/dshills/edbridge/internal/sequencer"
	"github.com/dshills/edbridge/internal/state"
)

// Method names served by Server.
const (
	MethodStart            = "engine/start"
	MethodCommand          = "engine/command"
	MethodInput            = "engine/input"
	MethodDelete           = "engine/delete"
	MethodResize           = "engine/resize"
	MethodInputMarkedText  = "engine/inputMarkedText"
	MethodInsertMarkedText = "engine/insertMarkedText"
	MethodNewTab           = "engine/newTab"
	MethodOpen             = "engine/open"
	MethodCloseCurrent     = "engine/closeCurrent"

	MethodHasDirtyDocs       = "state/hasDirtyDocs"
	MethodEscapedFilename    = "state/escapedFilename"
	MethodBuffers            = "state/buffers"
	MethodCurrentBufferDirty = "state/currentBufferDirty"

	MethodQuit      = "session/quit"
	MethodForceQuit = "session/forceQuit"
	MethodStatus    = "session/status"
)

// TextParams carries a command line, keys or composition text.
type TextParams struct {
	Text *string `json:"text"`
}

// DeleteParams carries a deletion count.
type DeleteParams struct {
	Count *int `json:"count"`
}

// ResizeParams carries a grid size.
type ResizeParams struct {
	Width  *int `json:"width"`
	Height *int `json:"height"`
}

// OpenParams lists files to open.
type OpenParams struct {
	Paths []string `json:"paths"`
}

// CloseParams selects a forced close.
type CloseParams struct {
	Force bool `json:"force"`
}

// RawParams carries an unescaped file name.
type RawParams struct {
	Raw *string `json:"raw"`
}

// Ack acknowledges an applied input event.
type Ack struct {
	Seq    uint64 `json:"seq"`
	Output string `json:"output,omitempty"`
}

// OpenResult acknowledges an open; one sequence number per path.
type OpenResult struct {
	Seqs []uint64 `json:"seqs"`
}

// BufferView is one buffer as reported by state/buffers.
type BufferView struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Dirty       bool   `json:"dirty"`
	Current     bool   `json:"current"`
}

// BuffersResult is the result of state/buffers.
type BuffersResult struct {
	Buffers []BufferView `json:"buffers"`
}

// BlockedView describes a refused quit.
type BlockedView struct {
	Reason  string          `json:"reason"`
	Buffers []notify.Buffer `json:"buffers"`
}

// QuitReply is the result of session/quit. A refusal is a result, not an
// error.
type QuitReply struct {
	Quit    bool         `json:"quit"`
	Blocked *BlockedView `json:"blocked,omitempty"`
}

// StatusView is the result of session/status.
type StatusView struct {
	State        string `json:"state"`
	SessionID    string `json:"sessionId,omitempty"`
	UptimeMs     int64  `json:"uptimeMs"`
	PID          int    `json:"pid,omitempty"`
	Alive        bool   `json:"alive"`
	RSS          uint64 `json:"rss,omitempty"`
	PendingInput int    `json:"pendingInput"`
	Buffers      int    `json:"buffers"`
	Dirty        bool   `json:"dirty"`
	CrashReason  string `json:"crashReason,omitempty"`
}

// register installs the bridge's methods on conn.
//
// Mutating methods enqueue while the request is being dispatched, so input
// reaches the engine in the order the peer sent it. The reply waits for
// the engine's acknowledgement off the read loop.
func register(conn *rpc.Conn, b *bridge.Bridge) {
	conn.Handle(MethodStart, func(context.Context, json.RawMessage) (any, error) {
		return rpc.Deferred(func(ctx context.Context) (any, error) {
			if err := b.StartEngine(ctx); err != nil {
				return nil, err
			}
			return statusView(b.Status(ctx)), nil
		}), nil
	})

	textMethod := func(method string, send func(string) (*sequencer.Ticket, error)) {
		conn.Handle(method, func(_ context.Context, raw json.RawMessage) (any, error) {
			var p TextParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Text == nil {
				return nil, missingParam("text")
			}
			return ticketReply(send(*p.Text))
		})
	}
	textMethod(MethodCommand, b.SendCommand)
	textMethod(MethodInput, b.SendInput)
	textMethod(MethodInputMarkedText, b.InputMarkedText)
	textMethod(MethodInsertMarkedText, b.InsertMarkedText)

	conn.Handle(MethodDelete, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p DeleteParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Count == nil {
			return nil, missingParam("count")
		}
		return ticketReply(b.Delete(*p.Count))
	})

	conn.Handle(MethodResize, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p ResizeParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Width == nil || p.Height == nil {
			return nil, missingParam("width and height")
		}
		return ticketReply(b.Resize(*p.Width, *p.Height))
	})

	conn.Handle(MethodNewTab, func(context.Context, json.RawMessage) (any, error) {
		return ticketReply(b.NewTab())
	})

	conn.Handle(MethodOpen, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p OpenParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		tickets, err := b.OpenFiles(p.Paths)
		if err != nil && len(tickets) == 0 {
			return nil, err
		}
		return rpc.Deferred(func(ctx context.Context) (any, error) {
			res := OpenResult{Seqs: make([]uint64, 0, len(tickets))}
			for _, tk := range tickets {
				if werr := tk.Wait(ctx); werr != nil {
					return nil, werr
				}
				res.Seqs = append(res.Seqs, tk.Seq)
			}
			if err != nil {
				return nil, err
			}
			return res, nil
		}), nil
	})

	conn.Handle(MethodCloseCurrent, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p CloseParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return rpc.Deferred(func(ctx context.Context) (any, error) {
			tk, err := b.CloseCurrent(ctx, p.Force)
			if err != nil {
				return nil, err
			}
			return waitTicket(ctx, tk)
		}), nil
	})

	conn.Handle(MethodHasDirtyDocs, func(context.Context, json.RawMessage) (any, error) {
		return b.HasDirtyDocs(), nil
	})

	conn.Handle(MethodCurrentBufferDirty, func(context.Context, json.RawMessage) (any, error) {
		return b.CurrentBufferDirty(), nil
	})

	conn.Handle(MethodEscapedFilename, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p RawParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Raw == nil {
			return nil, missingParam("raw")
		}
		return b.EscapedFilename(*p.Raw), nil
	})

	conn.Handle(MethodBuffers, func(context.Context, json.RawMessage) (any, error) {
		return buffersResult(b.ListBuffers()), nil
	})

	conn.Handle(MethodQuit, func(context.Context, json.RawMessage) (any, error) {
		return rpc.Deferred(func(ctx context.Context) (any, error) {
			res, err := b.Quit(ctx)
			if err != nil {
				return nil, err
			}
			return quitReply(res), nil
		}), nil
	})

	conn.Handle(MethodForceQuit, func(context.Context, json.RawMessage) (any, error) {
		return rpc.Deferred(func(ctx context.Context) (any, error) {
			if err := b.ForceQuit(ctx); err != nil {
				return nil, err
			}
			return QuitReply{Quit: true}, nil
		}), nil
	})

	conn.Handle(MethodStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return statusView(b.Status(ctx)), nil
	})
}

// decodeParams strictly decodes request params into v. Absent params
// decode as an empty object.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return rpc.NewError(rpc.CodeInvalidParams, "invalid params: "+err.Error(),
			ErrorData{Kind: KindInvalidArgument})
	}
	return nil
}

func missingParam(name string) error {
	return rpc.NewError(rpc.CodeInvalidParams, fmt.Sprintf("invalid params: missing %s", name),
		ErrorData{Kind: KindInvalidArgument})
}

func ticketReply(tk *sequencer.Ticket, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return rpc.Deferred(func(ctx context.Context) (any, error) {
		return waitTicket(ctx, tk)
	}), nil
}

func waitTicket(ctx context.Context, tk *sequencer.Ticket) (any, error) {
	if err := tk.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("input %d: %w", tk.Seq, err)
		}
		return nil, err
	}
	return Ack{Seq: tk.Seq, Output: tk.Result().Output}, nil
}

func buffersResult(snap state.Snapshot) BuffersResult {
	res := BuffersResult{Buffers: make([]BufferView, 0, snap.Len())}
	for b := range snap.All() {
		res.Buffers = append(res.Buffers, BufferView{
			ID:          b.ID,
			Name:        b.Name,
			DisplayName: b.DisplayName,
			Dirty:       b.Dirty,
			Current:     b.Current,
		})
	}
	return res
}

func quitReply(res lifecycle.QuitResult) QuitReply {
	if res.Quit() {
		return QuitReply{Quit: true}
	}
	view := &BlockedView{Reason: res.Blocked.Reason, Buffers: make([]notify.Buffer, 0, len(res.Blocked.Buffers))}
	for _, b := range res.Blocked.Buffers {
		view.Buffers = append(view.Buffers, notify.Buffer{
			ID:          b.ID,
			Name:        b.Name,
			DisplayName: b.DisplayName,
			Dirty:       b.Dirty,
		})
	}
	return QuitReply{Blocked: view}
}

func statusView(st lifecycle.Status) StatusView {
	v := StatusView{
		State:        st.State.String(),
		SessionID:    st.SessionID,
		UptimeMs:     st.Uptime.Milliseconds(),
		PID:          st.PID,
		PendingInput: st.PendingInput,
		Buffers:      st.Buffers,
		Dirty:        st.Dirty,
		CrashReason:  st.CrashReason,
	}
	if st.Process != nil {
		v.Alive = st.Process.Alive
		v.RSS = st.Process.RSS
	}
	return v
}
