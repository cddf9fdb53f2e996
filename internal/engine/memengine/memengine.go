// Package memengine provides an in-process engine that models just enough
// editor behaviour to exercise the bridge: buffers opened and closed by ex
// commands, a modified flag per buffer, insert mode and IME composition.
package memengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/edbridge/internal/engine"
)

// Option configures an Engine.
type Option func(*Engine)

// WithoutPush disables buffer notifications. The bridge must then poll.
func WithoutPush() Option {
	return func(e *Engine) { e.push = false }
}

// WithPID sets the process ID reported by QueryPID.
func WithPID(pid int) Option {
	return func(e *Engine) { e.pid = pid }
}

type buffer struct {
	id    int
	name  string
	dirty bool
}

// Engine is an in-memory engine backend.
type Engine struct {
	push bool
	pid  int

	mu        sync.Mutex
	started   bool
	gone      bool
	buffers   map[int]*buffer
	current   int
	nextID    int
	insert    bool
	composing bool
	marked    string
	width     int
	height    int
	log       []engine.Request
	hang      chan struct{}
	failNext  error

	emitMu sync.Mutex
	sink   func(engine.Notification)
}

var _ engine.Backend = (*Engine)(nil)

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		push:    true,
		buffers: make(map[int]*buffer),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capabilities implements engine.Backend.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{Push: e.push}
}

// Start implements engine.Backend. The engine starts with one unnamed
// buffer, as Vim does.
func (e *Engine) Start(_ context.Context, sink func(engine.Notification)) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	e.started = true
	b := e.openLocked("")
	e.current = b.id
	e.mu.Unlock()

	e.emitMu.Lock()
	e.sink = sink
	e.emitMu.Unlock()

	e.emit(
		engine.Notification{Kind: engine.BufferOpened, Buffer: e.info(b)},
		engine.Notification{Kind: engine.CurrentChanged, Buffer: e.info(b)},
	)
	return nil
}

// Call implements engine.Backend.
func (e *Engine) Call(ctx context.Context, req engine.Request) (engine.Result, error) {
	e.mu.Lock()
	hang := e.hang
	e.mu.Unlock()
	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return engine.Result{}, engine.ErrEngineGone
	}
	if err := e.failNext; err != nil {
		e.failNext = nil
		e.mu.Unlock()
		return engine.Result{}, err
	}
	e.log = append(e.log, req)
	notes, res, err := e.applyLocked(req)
	e.mu.Unlock()

	// Notifications reach the sink before the acknowledgement, as they do
	// on a single engine channel.
	e.emit(notes...)
	return res, err
}

// Probe implements engine.Backend.
func (e *Engine) Probe(_ context.Context, q engine.Query) (engine.QueryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return engine.QueryResult{}, engine.ErrEngineGone
	}

	switch q.Kind {
	case engine.QueryComposition:
		return engine.QueryResult{Composing: e.composing}, nil
	case engine.QueryBuffers:
		return engine.QueryResult{Buffers: e.listLocked()}, nil
	case engine.QueryPID:
		return engine.QueryResult{PID: e.pid}, nil
	}
	return engine.QueryResult{}, fmt.Errorf("query %s: %w", q.Kind, engine.ErrUnknownRequest)
}

// Stop implements engine.Backend.
func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	wasGone := e.gone
	e.gone = true
	if e.hang != nil {
		close(e.hang)
		e.hang = nil
	}
	e.mu.Unlock()

	if !wasGone {
		e.emit(engine.Notification{Kind: engine.EngineCrashed, Reason: "stopped"})
	}
	return nil
}

// Crash simulates an unexpected engine exit.
func (e *Engine) Crash(reason string) {
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return
	}
	e.gone = true
	e.mu.Unlock()

	e.emit(engine.Notification{Kind: engine.EngineCrashed, Reason: reason})
}

// Hang makes every following Call block until Resume or Stop.
func (e *Engine) Hang() {
	e.mu.Lock()
	if e.hang == nil {
		e.hang = make(chan struct{})
	}
	e.mu.Unlock()
}

// Resume releases calls blocked by Hang.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.hang != nil {
		close(e.hang)
		e.hang = nil
	}
	e.mu.Unlock()
}

// FailNext makes the next Call return err.
func (e *Engine) FailNext(err error) {
	e.mu.Lock()
	e.failNext = err
	e.mu.Unlock()
}

// Requests returns every request applied so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.log...)
}

// Size returns the last UI size set by a resize.
func (e *Engine) Size() (width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}

// Buffers lists the engine's buffers ordered by ID.
func (e *Engine) Buffers() []engine.BufferInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listLocked()
}

// SetDirty changes a buffer's modified flag as if edited elsewhere.
func (e *Engine) SetDirty(id int, dirty bool) {
	e.mu.Lock()
	b, ok := e.buffers[id]
	if !ok || b.dirty == dirty {
		e.mu.Unlock()
		return
	}
	b.dirty = dirty
	n := engine.Notification{Kind: engine.DirtyChanged, Buffer: e.infoLocked(b)}
	e.mu.Unlock()

	e.emit(n)
}

func (e *Engine) emit(notes ...engine.Notification) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	if e.sink == nil {
		return
	}
	for _, n := range notes {
		if !e.push && n.Kind != engine.EngineCrashed {
			continue
		}
		e.sink(n)
	}
}

func (e *Engine) applyLocked(req engine.Request) ([]engine.Notification, engine.Result, error) {
	switch req.Kind {
	case engine.KindCommand:
		return e.commandLocked(req.Text)
	case engine.KindInput:
		return e.inputLocked(req.Text), engine.Result{}, nil
	case engine.KindDelete:
		if req.Count > 0 && e.insert {
			return e.touchLocked(), engine.Result{}, nil
		}
		return nil, engine.Result{}, nil
	case engine.KindResize:
		e.width, e.height = req.Width, req.Height
		return nil, engine.Result{}, nil
	case engine.KindMarkedText:
		e.composing = true
		e.marked = req.Text
		return nil, engine.Result{}, nil
	case engine.KindCommitMarkedText:
		e.composing = false
		e.marked = ""
		if e.insert && req.Text != "" {
			return e.touchLocked(), engine.Result{}, nil
		}
		return nil, engine.Result{}, nil
	}
	return nil, engine.Result{}, fmt.Errorf("request %s: %w", req.Kind, engine.ErrUnknownRequest)
}

// inputLocked interprets keys just far enough to know when text is typed.
func (e *Engine) inputLocked(keys string) []engine.Notification {
	var notes []engine.Notification
	for len(keys) > 0 {
		if strings.HasPrefix(keys, "<") {
			if end := strings.IndexByte(keys, '>'); end > 0 {
				key := strings.ToLower(keys[1:end])
				keys = keys[end+1:]
				switch key {
				case "esc", "c-[", "c-c":
					e.insert = false
				case "bs", "del", "cr", "tab", "lt":
					if e.insert {
						notes = append(notes, e.touchLocked()...)
					}
				}
				continue
			}
		}
		r := keys[0]
		keys = keys[1:]
		if !e.insert {
			switch r {
			case 'i', 'a', 'o', 'I', 'A', 'O':
				e.insert = true
			case 'x', 'p', 'P':
				notes = append(notes, e.touchLocked()...)
			}
			continue
		}
		notes = append(notes, e.touchLocked()...)
	}
	return notes
}

// touchLocked marks the current buffer modified.
func (e *Engine) touchLocked() []engine.Notification {
	b, ok := e.buffers[e.current]
	if !ok || b.dirty {
		return nil
	}
	b.dirty = true
	return []engine.Notification{{Kind: engine.DirtyChanged, Buffer: e.infoLocked(b)}}
}

func (e *Engine) commandLocked(line string) ([]engine.Notification, engine.Result, error) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), ":"))
	name, arg, _ := strings.Cut(line, " ")
	arg = unescapeFilename(strings.TrimSpace(arg))
	force := strings.HasSuffix(name, "!")
	name = strings.TrimSuffix(name, "!")

	switch name {
	case "":
		return nil, engine.Result{}, nil
	case "e", "edit":
		if arg == "" {
			return nil, engine.Result{}, nil
		}
		return e.editLocked(arg), engine.Result{}, nil
	case "tabe", "tabedit", "tabnew", "new", "vnew", "badd":
		return e.editLocked(arg), engine.Result{}, nil
	case "w", "write":
		return e.writeLocked(), engine.Result{}, nil
	case "wq", "x", "xit":
		notes := e.writeLocked()
		closed, err := e.closeLocked(e.current, false)
		return append(notes, closed...), engine.Result{}, err
	case "bd", "bdelete", "bw", "bwipeout", "q", "quit", "tabc", "tabclose", "close":
		notes, err := e.closeLocked(e.current, force)
		return notes, engine.Result{}, err
	case "echo":
		return nil, engine.Result{Output: strings.Trim(arg, `"'`)}, nil
	}
	return nil, engine.Result{}, nil
}

func (e *Engine) editLocked(name string) []engine.Notification {
	for _, b := range e.buffers {
		if name != "" && b.name == name {
			if e.current == b.id {
				return nil
			}
			e.current = b.id
			return []engine.Notification{{Kind: engine.CurrentChanged, Buffer: e.infoLocked(b)}}
		}
	}

	// Editing a file from a pristine unnamed buffer reuses it.
	if cur, ok := e.buffers[e.current]; ok && cur.name == "" && !cur.dirty && name != "" {
		delete(e.buffers, cur.id)
		closed := engine.Notification{Kind: engine.BufferClosed, Buffer: e.infoLocked(cur)}
		b := e.openLocked(name)
		e.current = b.id
		return []engine.Notification{
			closed,
			{Kind: engine.BufferOpened, Buffer: e.infoLocked(b)},
			{Kind: engine.CurrentChanged, Buffer: e.infoLocked(b)},
		}
	}

	b := e.openLocked(name)
	e.current = b.id
	return []engine.Notification{
		{Kind: engine.BufferOpened, Buffer: e.infoLocked(b)},
		{Kind: engine.CurrentChanged, Buffer: e.infoLocked(b)},
	}
}

func (e *Engine) writeLocked() []engine.Notification {
	b, ok := e.buffers[e.current]
	if !ok || !b.dirty {
		return nil
	}
	b.dirty = false
	return []engine.Notification{{Kind: engine.DirtyChanged, Buffer: e.infoLocked(b)}}
}

func (e *Engine) closeLocked(id int, force bool) ([]engine.Notification, error) {
	b, ok := e.buffers[id]
	if !ok {
		return nil, nil
	}
	if b.dirty && !force {
		return nil, fmt.Errorf("E89: No write since last change for buffer %d", id)
	}
	delete(e.buffers, id)
	notes := []engine.Notification{{Kind: engine.BufferClosed, Buffer: e.infoLocked(b)}}

	if len(e.buffers) == 0 {
		nb := e.openLocked("")
		e.current = nb.id
		notes = append(notes, engine.Notification{Kind: engine.BufferOpened, Buffer: e.infoLocked(nb)})
	} else {
		e.current = e.lowestLocked()
	}
	return append(notes, engine.Notification{Kind: engine.CurrentChanged, Buffer: e.infoLocked(e.buffers[e.current])}), nil
}

func (e *Engine) openLocked(name string) *buffer {
	b := &buffer{id: e.nextID, name: name}
	e.nextID++
	e.buffers[b.id] = b
	return b
}

func (e *Engine) lowestLocked() int {
	low := 0
	for id := range e.buffers {
		if low == 0 || id < low {
			low = id
		}
	}
	return low
}

func (e *Engine) listLocked() []engine.BufferInfo {
	out := make([]engine.BufferInfo, 0, len(e.buffers))
	for _, b := range e.buffers {
		out = append(out, e.infoLocked(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) info(b *buffer) engine.BufferInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infoLocked(b)
}

func (e *Engine) infoLocked(b *buffer) engine.BufferInfo {
	return engine.BufferInfo{ID: b.id, Name: b.name, Dirty: b.dirty, Current: b.id == e.current}
}

// unescapeFilename reverses Vim's fnameescape for the characters it
// escapes with a backslash.
func unescapeFilename(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
