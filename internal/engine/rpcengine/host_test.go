package rpcengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/rpc"
)

// fakeHostEnv makes the test binary act as an engine host on its stdio.
const fakeHostEnv = "EDBRIDGE_FAKE_ENGINE_HOST"

func TestMain(m *testing.M) {
	if os.Getenv(fakeHostEnv) == "1" {
		h := newHost(rpc.NewHeaderStream(os.Stdin, os.Stdout, nil), true)
		h.conn.Start(context.Background())
		<-h.conn.Done()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// host is a minimal engine host.
type host struct {
	conn       *rpc.Conn
	subprocess bool
	push       bool

	mu        sync.Mutex
	init      InitializeParams
	methods   []string
	buffers   []engine.BufferInfo
	current   int
	composing bool
	shutdown  bool
}

func newHost(s rpc.Stream, subprocess bool) *host {
	h := &host{
		conn:       rpc.NewConn(s),
		subprocess: subprocess,
		push:       true,
		buffers:    []engine.BufferInfo{{ID: 1}},
		current:    1,
	}

	h.conn.Handle(MethodInitialize, func(_ context.Context, raw json.RawMessage) (any, error) {
		h.record(MethodInitialize)
		h.mu.Lock()
		defer h.mu.Unlock()
		if err := json.Unmarshal(raw, &h.init); err != nil {
			return nil, err
		}
		push := h.push
		return InitializeResult{Name: "fake", PID: os.Getpid(), Push: &push}, nil
	})

	h.conn.Handle(MethodCommand, func(ctx context.Context, raw json.RawMessage) (any, error) {
		h.record(MethodCommand)
		var p TextParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		name, arg, _ := strings.Cut(p.Text, " ")
		switch name {
		case "edit":
			b := h.open(arg)
			h.notify(ctx, NotifyBufferOpened, b)
			h.notify(ctx, NotifyBufferCurrent, b)
		case "write":
			if b, ok := h.setDirty(false); ok {
				h.notify(ctx, NotifyBufferDirty, b)
			}
		case "echo":
			return CallResult{Output: arg}, nil
		case "crash":
			if h.subprocess {
				os.Exit(3)
			}
			_ = h.conn.Close()
			return nil, errors.New("crashed")
		}
		return CallResult{}, nil
	})

	h.conn.Handle(MethodInput, func(ctx context.Context, _ json.RawMessage) (any, error) {
		h.record(MethodInput)
		if b, ok := h.setDirty(true); ok {
			h.notify(ctx, NotifyBufferDirty, b)
		}
		return CallResult{}, nil
	})

	for _, m := range []string{MethodDelete, MethodResize} {
		h.conn.Handle(m, func(context.Context, json.RawMessage) (any, error) {
			h.record(m)
			return CallResult{}, nil
		})
	}

	h.conn.Handle(MethodInputMarkedText, func(context.Context, json.RawMessage) (any, error) {
		h.record(MethodInputMarkedText)
		h.mu.Lock()
		h.composing = true
		h.mu.Unlock()
		return CallResult{}, nil
	})

	h.conn.Handle(MethodInsertMarkedText, func(context.Context, json.RawMessage) (any, error) {
		h.record(MethodInsertMarkedText)
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.composing {
			return nil, rpc.NewError(CodeNoComposition, "no composition in progress", nil)
		}
		h.composing = false
		return CallResult{}, nil
	})

	h.conn.Handle(MethodComposition, func(context.Context, json.RawMessage) (any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return CompositionResult{Composing: h.composing}, nil
	})

	h.conn.Handle(MethodListBuffers, func(context.Context, json.RawMessage) (any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		out := make([]engine.BufferInfo, len(h.buffers))
		for i, b := range h.buffers {
			b.Current = b.ID == h.current
			out[i] = b
		}
		return BuffersResult{Buffers: out}, nil
	})

	h.conn.Handle(MethodShutdown, func(context.Context, json.RawMessage) (any, error) {
		h.record(MethodShutdown)
		h.mu.Lock()
		h.shutdown = true
		h.mu.Unlock()
		return nil, nil
	})

	h.conn.OnNotification(NotifyExit, func(string, json.RawMessage) {
		if h.subprocess {
			os.Exit(0)
		}
		go h.conn.Close()
	})
	return h
}

func (h *host) record(method string) {
	h.mu.Lock()
	h.methods = append(h.methods, method)
	h.mu.Unlock()
}

func (h *host) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.methods...)
}

func (h *host) initParams() InitializeParams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.init
}

func (h *host) open(name string) engine.BufferInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := engine.BufferInfo{ID: len(h.buffers) + 1, Name: name}
	h.buffers = append(h.buffers, b)
	h.current = b.ID
	return b
}

func (h *host) setDirty(dirty bool) (engine.BufferInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buffers {
		if h.buffers[i].ID == h.current {
			if h.buffers[i].Dirty == dirty {
				return engine.BufferInfo{}, false
			}
			h.buffers[i].Dirty = dirty
			return h.buffers[i], true
		}
	}
	return engine.BufferInfo{}, false
}

func (h *host) notify(ctx context.Context, method string, b engine.BufferInfo) {
	if !h.push {
		return
	}
	_ = h.conn.Notify(ctx, method, BufferParams{Buffer: b})
}

type pipeCloser struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeCloser) Close() error {
	p.w.Close()
	return p.r.Close()
}
