// Package rpcengine drives an engine host over JSON-RPC 2.0.
//
// The host is a child process speaking Content-Length framed JSON-RPC on
// its stdin and stdout, or any other stream handed to NewFromStream. The
// bridge calls one method per request kind and receives buffer/* events as
// notifications. The host exiting, or its stream closing, is reported as a
// crash.
package rpcengine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/rpc"
)

// Config describes how to launch a host process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env holds extra "KEY=value" entries added to the bridge's environment.
	Env []string

	// Width and Height are sent in initialize.
	Width  int
	Height int

	// ShutdownTimeout bounds the shutdown request at Stop.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

const defaultShutdownTimeout = 2 * time.Second

// Engine is an engine.Backend backed by a JSON-RPC host.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	launch func(ctx context.Context) (rpc.Stream, error)

	mu      sync.Mutex
	conn    *rpc.Conn
	cmd     *exec.Cmd
	exited  chan struct{}
	pid     int
	push    bool
	started bool

	// live is set once the handshake succeeds; losing the host before
	// then is a start failure, not a crash.
	live     atomic.Bool
	stopping atomic.Bool
	crashed  sync.Once
	sink     func(engine.Notification)
	cancel   context.CancelFunc
}

// New returns an engine that launches cfg.Command at Start.
func New(cfg Config) *Engine {
	e := newEngine(cfg)
	e.launch = e.spawn
	return e
}

// NewFromStream returns an engine that talks to a host over s, which is
// already connected. The stream is closed at Stop.
func NewFromStream(s rpc.Stream, cfg Config) *Engine {
	e := newEngine(cfg)
	e.launch = func(context.Context) (rpc.Stream, error) { return s, nil }
	return e
}

func newEngine(cfg Config) *Engine {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{cfg: cfg, logger: logger, push: true}
}

// Capabilities implements engine.Backend. It is accurate after Start.
func (e *Engine) Capabilities() engine.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.Capabilities{Push: e.push}
}

// Start implements engine.Backend.
func (e *Engine) Start(ctx context.Context, sink func(engine.Notification)) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	e.started = true
	e.sink = sink
	e.mu.Unlock()

	if err := e.start(ctx); err != nil {
		e.teardown()
		e.mu.Lock()
		e.started = false
		e.conn, e.cmd, e.exited, e.pid = nil, nil, nil, 0
		e.mu.Unlock()
		return err
	}
	e.live.Store(true)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	stream, err := e.launch(ctx)
	if err != nil {
		return err
	}

	// The connection outlives the handshake context.
	runCtx, cancel := context.WithCancel(context.Background())
	conn := rpc.NewConn(stream, rpc.WithLogger(e.logger))
	e.registerNotifications(conn)

	e.mu.Lock()
	e.conn = conn
	e.cancel = cancel
	e.mu.Unlock()

	conn.Start(runCtx)
	go e.watchConn(conn)

	var res InitializeResult
	params := InitializeParams{Client: "edbridge", Width: e.cfg.Width, Height: e.cfg.Height}
	if err := conn.Call(ctx, MethodInitialize, params, &res); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	e.mu.Lock()
	if e.pid == 0 {
		e.pid = res.PID
	}
	if res.Push != nil {
		e.push = *res.Push
	}
	e.mu.Unlock()

	e.logger.Info("engine host ready", "name", res.Name, "pid", e.PID(), "push", e.Capabilities().Push)
	return nil
}

// spawn starts the host process with its stdio as the stream.
func (e *Engine) spawn(context.Context) (rpc.Stream, error) {
	if e.cfg.Command == "" {
		return nil, errors.New("no engine command configured")
	}
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = append(os.Environ(), e.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}

	exited := make(chan struct{})
	e.mu.Lock()
	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.exited = exited
	e.mu.Unlock()

	go e.logStderr(stderr)
	go e.monitorProcess(cmd, exited)

	return rpc.NewHeaderStream(stdout, stdin, stdin), nil
}

func (e *Engine) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		e.logger.Debug("engine stderr", "line", sc.Text())
	}
}

// monitorProcess reports the host exiting.
func (e *Engine) monitorProcess(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	reason := "engine exited"
	if err != nil {
		reason = err.Error()
	}
	e.crash(reason)
}

// watchConn reports the stream closing underneath us.
func (e *Engine) watchConn(conn *rpc.Conn) {
	<-conn.Done()
	if err := conn.Err(); err != nil {
		e.crash("engine connection lost: " + err.Error())
		return
	}
	e.crash("engine closed the connection")
}

func (e *Engine) crash(reason string) {
	if !e.live.Load() || e.stopping.Load() {
		return
	}
	e.crashed.Do(func() {
		e.mu.Lock()
		sink := e.sink
		e.mu.Unlock()
		if sink != nil {
			sink(engine.Notification{Kind: engine.EngineCrashed, Reason: reason})
		}
	})
}

func (e *Engine) registerNotifications(conn *rpc.Conn) {
	kinds := map[string]engine.NotificationKind{
		NotifyBufferOpened:  engine.BufferOpened,
		NotifyBufferClosed:  engine.BufferClosed,
		NotifyBufferDirty:   engine.DirtyChanged,
		NotifyBufferCurrent: engine.CurrentChanged,
	}
	for method, kind := range kinds {
		conn.OnNotification(method, func(method string, params json.RawMessage) {
			var p BufferParams
			if err := json.Unmarshal(params, &p); err != nil {
				e.logger.Warn("malformed engine notification", "method", method, "error", err)
				return
			}
			e.mu.Lock()
			sink := e.sink
			e.mu.Unlock()
			sink(engine.Notification{Kind: kind, Buffer: p.Buffer})
		})
	}
	conn.OnNotification("*", func(method string, _ json.RawMessage) {
		e.logger.Debug("ignoring engine notification", "method", method)
	})
}

// Call implements engine.Backend.
func (e *Engine) Call(ctx context.Context, req engine.Request) (engine.Result, error) {
	var (
		method string
		params any
	)
	switch req.Kind {
	case engine.KindCommand:
		method, params = MethodCommand, TextParams{Text: req.Text}
	case engine.KindInput:
		method, params = MethodInput, TextParams{Text: req.Text}
	case engine.KindDelete:
		method, params = MethodDelete, DeleteParams{Count: req.Count}
	case engine.KindResize:
		method, params = MethodResize, ResizeParams{Width: req.Width, Height: req.Height}
	case engine.KindMarkedText:
		method, params = MethodInputMarkedText, TextParams{Text: req.Text}
	case engine.KindCommitMarkedText:
		method, params = MethodInsertMarkedText, TextParams{Text: req.Text}
	default:
		return engine.Result{}, fmt.Errorf("request %s: %w", req.Kind, engine.ErrUnknownRequest)
	}

	var res CallResult
	if err := e.call(ctx, method, params, &res); err != nil {
		return engine.Result{}, err
	}
	return engine.Result{Output: res.Output}, nil
}

// Probe implements engine.Backend.
func (e *Engine) Probe(ctx context.Context, q engine.Query) (engine.QueryResult, error) {
	switch q.Kind {
	case engine.QueryComposition:
		var res CompositionResult
		if err := e.call(ctx, MethodComposition, nil, &res); err != nil {
			return engine.QueryResult{}, err
		}
		return engine.QueryResult{Composing: res.Composing}, nil
	case engine.QueryBuffers:
		var res BuffersResult
		if err := e.call(ctx, MethodListBuffers, nil, &res); err != nil {
			return engine.QueryResult{}, err
		}
		return engine.QueryResult{Buffers: res.Buffers}, nil
	case engine.QueryPID:
		return engine.QueryResult{PID: e.PID()}, nil
	}
	return engine.QueryResult{}, fmt.Errorf("query %s: %w", q.Kind, engine.ErrUnknownRequest)
}

func (e *Engine) call(ctx context.Context, method string, params, result any) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return engine.ErrNotStarted
	}

	err := conn.Call(ctx, method, params, result)
	if err == nil {
		return nil
	}
	var rerr *rpc.Error
	switch {
	case errors.Is(err, rpc.ErrClosed):
		return fmt.Errorf("%s: %w", method, engine.ErrEngineGone)
	case errors.As(err, &rerr) && rerr.Code == CodeNoComposition:
		return engine.ErrInvalidCompositionState
	}
	return fmt.Errorf("%s: %w", method, err)
}

// PID returns the host's process ID, or 0 if unknown.
func (e *Engine) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// Stop implements engine.Backend. It asks the host to shut down, then
// closes the stream and, for a spawned host, kills it if it lingers.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopping.Store(true)

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}

	if !conn.IsClosed() {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		if err := conn.Call(sctx, MethodShutdown, nil, nil); err != nil {
			e.logger.Debug("shutdown request failed", "error", err)
		} else {
			_ = conn.Notify(sctx, NotifyExit, nil)
		}
		cancel()
	}
	return e.teardown()
}

func (e *Engine) teardown() error {
	e.mu.Lock()
	conn, cmd, exited, cancel := e.conn, e.cmd, e.exited, e.cancel
	e.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if cmd == nil {
		return err
	}

	select {
	case <-exited:
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Warn("engine host did not exit; killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exited
	}
	return err
}
