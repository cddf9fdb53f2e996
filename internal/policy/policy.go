// Package policy runs user-supplied quit policies written in Lua.
//
// A policy script defines a global function quit_policy(session). The
// session table carries the session id, uptime in seconds, and the buffer
// lists buffers and dirty; each buffer is a table with id, name, display
// and dirty fields. The function returns one of:
//
//	nil or false             no opinion
//	"reason"                 block the quit with this reason
//	{block = true, reason = "..."}
//	{reason = "..."}         reword the reason if the quit is blocked anyway
//
// Scripts run in a sandbox without io, os, debug or module loading, and
// each evaluation is bounded by a timeout.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// FuncName is the global function a policy script must define.
const FuncName = "quit_policy"

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = time.Second

// Errors returned by policies.
var (
	ErrNoPolicyFunc = errors.New("policy script does not define " + FuncName)
	ErrClosed       = errors.New("policy closed")
	ErrBadResult    = errors.New("policy returned an unsupported value")
)

// Buffer is a buffer as seen by a policy.
type Buffer struct {
	ID      int
	Name    string
	Display string
	Dirty   bool
}

// Input is what a policy evaluates.
type Input struct {
	SessionID string
	Uptime    time.Duration
	Buffers   []Buffer
	Dirty     []Buffer
}

// Decision is a policy's verdict.
type Decision struct {
	// Block asks for the quit to be refused.
	Block bool
	// Reason, if set, replaces the default blocking reason.
	Reason string
}

// Option configures a Policy.
type Option func(*Policy)

// WithTimeout bounds each evaluation.
func WithTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger used by the script's print and log functions.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// Policy is a loaded quit policy. It is safe for concurrent use.
type Policy struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// Load reads and compiles a policy script from path.
func Load(path string, opts ...Option) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return LoadString(path, string(src), opts...)
}

// LoadString compiles a policy script. name is used in messages.
func LoadString(name, src string, opts ...Option) (*Policy, error) {
	p := &Policy{
		name:    name,
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.L = newSandbox(p.logger.With("policy", name))

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.L.SetContext(ctx)

	if err := doWithRecovery(func() error { return p.L.DoString(src) }); err != nil {
		p.L.Close()
		return nil, fmt.Errorf("load policy %s: %w", name, err)
	}
	p.L.RemoveContext()

	if fn := p.L.GetGlobal(FuncName); fn.Type() != lua.LTFunction {
		p.L.Close()
		return nil, fmt.Errorf("load policy %s: %w", name, ErrNoPolicyFunc)
	}
	return p, nil
}

// Name returns the script name.
func (p *Policy) Name() string {
	return p.name
}

// Evaluate runs the policy.
func (p *Policy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Decision{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	fn := p.L.GetGlobal(FuncName)
	top := p.L.GetTop()
	err := doWithRecovery(func() error {
		return p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, sessionTable(p.L, in))
	})
	if err != nil {
		p.L.SetTop(top)
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("policy %s: %w", p.name, ctx.Err())
		}
		return Decision{}, fmt.Errorf("policy %s: %w", p.name, err)
	}

	ret := p.L.Get(-1)
	p.L.SetTop(top)
	return decode(ret)
}

// Close releases the interpreter.
func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.L.Close()
}

func decode(v lua.LValue) (Decision, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return Decision{}, nil
	case lua.LBool:
		if bool(val) {
			return Decision{Block: true}, nil
		}
		return Decision{}, nil
	case lua.LString:
		return Decision{Block: true, Reason: strings.TrimSpace(string(val))}, nil
	case *lua.LTable:
		d := Decision{Block: lua.LVAsBool(val.RawGetString("block"))}
		if r, ok := val.RawGetString("reason").(lua.LString); ok {
			d.Reason = strings.TrimSpace(string(r))
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("%w: %s", ErrBadResult, v.Type())
}

func sessionTable(L *lua.LState, in Input) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(in.SessionID))
	t.RawSetString("uptime", lua.LNumber(in.Uptime.Seconds()))
	t.RawSetString("buffers", bufferList(L, in.Buffers))
	t.RawSetString("dirty", bufferList(L, in.Dirty))
	return t
}

func bufferList(L *lua.LState, bufs []Buffer) *lua.LTable {
	list := L.CreateTable(len(bufs), 0)
	for _, b := range bufs {
		bt := L.CreateTable(0, 4)
		bt.RawSetString("id", lua.LNumber(b.ID))
		bt.RawSetString("name", lua.LString(b.Name))
		bt.RawSetString("display", lua.LString(b.Display))
		bt.RawSetString("dirty", lua.LBool(b.Dirty))
		list.Append(bt)
	}
	return list
}

func doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
