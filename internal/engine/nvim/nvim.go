// Package nvim embeds Neovim as the bridge's engine.
//
// Neovim runs as a child process ("nvim --embed") speaking msgpack-RPC on
// its stdio. The backend attaches a UI so the editor starts up and accepts
// input, then installs autocommands that report buffer changes back over
// the channel with rpcnotify.
package nvim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/neovim/go-client/nvim"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/logging"
)

// Config describes how to launch Neovim.
type Config struct {
	// Command defaults to "nvim".
	Command string
	// Args are passed after --embed.
	Args []string
	Dir  string
	// Env holds extra "KEY=value" entries. Nil inherits the bridge's
	// environment unchanged.
	Env []string

	Width  int
	Height int

	Logger *slog.Logger
}

// Engine is an engine.Backend backed by an embedded Neovim.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	v         *nvim.Nvim
	served    chan struct{}
	cancel    context.CancelFunc
	started   bool
	pid       int
	composing bool
	marked    string

	live     atomic.Bool
	stopping atomic.Bool
	crashed  sync.Once

	emitMu sync.Mutex
	sink   func(engine.Notification)
}

var _ engine.Backend = (*Engine)(nil)

// New returns an engine that launches Neovim at Start.
func New(cfg Config) *Engine {
	if cfg.Command == "" {
		cfg.Command = "nvim"
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	if cfg.Height <= 0 {
		cfg.Height = 24
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Capabilities implements engine.Backend. Buffer events are pushed by
// autocommands.
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{Push: true}
}

// Start implements engine.Backend.
func (e *Engine) Start(ctx context.Context, sink func(engine.Notification)) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	e.emitMu.Lock()
	e.sink = sink
	e.emitMu.Unlock()

	if err := e.start(ctx); err != nil {
		e.close()
		e.mu.Lock()
		e.started = false
		e.v, e.served, e.pid = nil, nil, 0
		e.mu.Unlock()
		return err
	}
	e.live.Store(true)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	v, err := nvim.NewChildProcess(
		nvim.ChildProcessCommand(e.cfg.Command),
		nvim.ChildProcessArgs(embedArgs(e.cfg.Args)...),
		nvim.ChildProcessDir(e.cfg.Dir),
		nvim.ChildProcessEnv(e.environ()),
		nvim.ChildProcessContext(runCtx),
		nvim.ChildProcessServe(false),
		nvim.ChildProcessLogf(func(format string, args ...any) {
			e.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("launch %s: %w", e.cfg.Command, err)
	}

	served := make(chan struct{})
	e.mu.Lock()
	e.v = v
	e.served = served
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.registerHandlers(v); err != nil {
		return err
	}
	go e.serve(v, served)

	return e.handshake(ctx, v)
}

// handshake runs the blocking setup calls. The client API takes no
// context, so ctx is honoured by abandoning the calls.
func (e *Engine) handshake(ctx context.Context, v *nvim.Nvim) error {
	done := make(chan error, 1)
	go func() { done <- e.setup(v) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handshake: %w", ctx.Err())
	}
}

func (e *Engine) setup(v *nvim.Nvim) error {
	opts := map[string]any{"rgb": true, "ext_linegrid": true}
	if err := v.AttachUI(e.cfg.Width, e.cfg.Height, opts); err != nil {
		return fmt.Errorf("attach ui: %w", err)
	}
	if _, err := v.Exec(autocmdScript(v.ChannelID()), false); err != nil {
		return fmt.Errorf("install autocommands: %w", err)
	}

	var pid int
	if err := v.Eval("getpid()", &pid); err != nil {
		return fmt.Errorf("get pid: %w", err)
	}
	e.mu.Lock()
	e.pid = pid
	e.mu.Unlock()

	// Buffers that existed before the autocommands were installed.
	bufs, err := listBuffers(v)
	if err != nil {
		return err
	}
	var notes []engine.Notification
	for _, b := range bufs {
		notes = append(notes, engine.Notification{Kind: engine.BufferOpened, Buffer: b})
	}
	for _, b := range bufs {
		if b.Current {
			notes = append(notes, engine.Notification{Kind: engine.CurrentChanged, Buffer: b})
		}
	}
	e.emit(notes...)

	e.logger.Info("nvim ready", "pid", pid, "channel", v.ChannelID())
	return nil
}

func (e *Engine) environ() []string {
	if e.cfg.Env == nil {
		return nil
	}
	return append(os.Environ(), e.cfg.Env...)
}

func embedArgs(args []string) []string {
	if slices.Contains(args, "--embed") {
		return args
	}
	return append([]string{"--embed"}, args...)
}

func (e *Engine) registerHandlers(v *nvim.Nvim) error {
	if err := v.RegisterHandler(bufferEventMethod, e.onBufferEvent); err != nil {
		return fmt.Errorf("register %s: %w", bufferEventMethod, err)
	}
	// The bridge does not render; grid updates are dropped.
	if err := v.RegisterHandler("redraw", func(...[]any) {}); err != nil {
		return fmt.Errorf("register redraw: %w", err)
	}
	return nil
}

func (e *Engine) onBufferEvent(event string, id int, name string, modified int) {
	b := engine.BufferInfo{ID: id, Name: name, Dirty: modified != 0}
	switch event {
	case "opened":
		e.emit(engine.Notification{Kind: engine.BufferOpened, Buffer: b})
	case "closed":
		e.emit(engine.Notification{Kind: engine.BufferClosed, Buffer: b})
	case "modified":
		e.emit(engine.Notification{Kind: engine.DirtyChanged, Buffer: b})
	case "entered":
		b.Current = true
		e.emit(engine.Notification{Kind: engine.CurrentChanged, Buffer: b})
	default:
		e.logger.Debug("ignoring nvim buffer event", "event", event, "buffer", id)
	}
}

// serve reads the channel until Neovim goes away.
func (e *Engine) serve(v *nvim.Nvim, served chan struct{}) {
	err := v.Serve()
	close(served)
	reason := "nvim exited"
	if err != nil {
		reason = "nvim connection lost: " + err.Error()
	}
	if !e.live.Load() || e.stopping.Load() {
		return
	}
	e.crashed.Do(func() {
		e.logger.Warn("nvim gone", "reason", reason)
		e.emit(engine.Notification{Kind: engine.EngineCrashed, Reason: reason})
	})
}

func (e *Engine) emit(notes ...engine.Notification) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.sink == nil {
		return
	}
	for _, n := range notes {
		e.sink(n)
	}
}

func (e *Engine) client() (*nvim.Nvim, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.v == nil {
		return nil, engine.ErrNotStarted
	}
	return e.v, nil
}

// Call implements engine.Backend.
func (e *Engine) Call(_ context.Context, req engine.Request) (engine.Result, error) {
	v, err := e.client()
	if err != nil {
		return engine.Result{}, err
	}

	switch req.Kind {
	case engine.KindCommand:
		out, err := v.Exec(req.Text, true)
		if err != nil {
			return engine.Result{}, e.callError("command", err)
		}
		return engine.Result{Output: out}, nil

	case engine.KindInput:
		return engine.Result{}, e.input(v, req.Text)

	case engine.KindDelete:
		return engine.Result{}, e.input(v, backspaces(req.Count))

	case engine.KindResize:
		if err := v.TryResizeUI(req.Width, req.Height); err != nil {
			return engine.Result{}, e.callError("resize", err)
		}
		return engine.Result{}, nil

	case engine.KindMarkedText:
		e.mu.Lock()
		prev := e.marked
		e.mu.Unlock()
		if err := e.input(v, replaceKeys(prev, req.Text)); err != nil {
			return engine.Result{}, err
		}
		e.mu.Lock()
		e.composing, e.marked = true, req.Text
		e.mu.Unlock()
		return engine.Result{}, nil

	case engine.KindCommitMarkedText:
		e.mu.Lock()
		composing, prev := e.composing, e.marked
		e.mu.Unlock()
		if !composing {
			return engine.Result{}, engine.ErrInvalidCompositionState
		}
		if err := e.input(v, replaceKeys(prev, req.Text)); err != nil {
			return engine.Result{}, err
		}
		e.mu.Lock()
		e.composing, e.marked = false, ""
		e.mu.Unlock()
		return engine.Result{}, nil
	}
	return engine.Result{}, fmt.Errorf("request %s: %w", req.Kind, engine.ErrUnknownRequest)
}

func (e *Engine) input(v *nvim.Nvim, keys string) error {
	if keys == "" {
		return nil
	}
	if _, err := v.Input(keys); err != nil {
		return e.callError("input", err)
	}
	return nil
}

// callError reports a call on a dead channel as ErrEngineGone.
func (e *Engine) callError(op string, err error) error {
	e.mu.Lock()
	served := e.served
	e.mu.Unlock()
	gone := false
	if served != nil {
		select {
		case <-served:
			gone = true
		default:
		}
	}
	if e.stopping.Load() || gone {
		return fmt.Errorf("%s: %w", op, engine.ErrEngineGone)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Probe implements engine.Backend.
func (e *Engine) Probe(_ context.Context, q engine.Query) (engine.QueryResult, error) {
	switch q.Kind {
	case engine.QueryComposition:
		e.mu.Lock()
		defer e.mu.Unlock()
		return engine.QueryResult{Composing: e.composing}, nil
	case engine.QueryPID:
		e.mu.Lock()
		defer e.mu.Unlock()
		return engine.QueryResult{PID: e.pid}, nil
	case engine.QueryBuffers:
		v, err := e.client()
		if err != nil {
			return engine.QueryResult{}, err
		}
		bufs, err := listBuffers(v)
		if err != nil {
			return engine.QueryResult{}, e.callError("buffers", err)
		}
		return engine.QueryResult{Buffers: bufs}, nil
	}
	return engine.QueryResult{}, fmt.Errorf("query %s: %w", q.Kind, engine.ErrUnknownRequest)
}

// Stop implements engine.Backend. Closing the channel makes an embedded
// Neovim exit.
func (e *Engine) Stop(context.Context) error {
	e.stopping.Store(true)
	return e.close()
}

func (e *Engine) close() error {
	e.mu.Lock()
	v, cancel := e.v, e.cancel
	e.mu.Unlock()

	var err error
	if v != nil {
		err = v.Close()
	}
	if cancel != nil {
		cancel()
	}
	return err
}
