// Package lifecycle supervises an engine session from start to teardown.
//
// The Controller owns the Session and is the only path to teardown. It
// turns engine crashes into a Crashed state, vetoes quits while buffers
// have unsaved changes, and keeps the buffer view current for engines that
// do not push notifications.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/policy"
	"github.com/dshills/edbridge/internal/state"
)

// DefaultPollInterval is how often buffers are listed for engines without
// push notifications.
const DefaultPollInterval = 500 * time.Millisecond

// Lifecycle errors.
var (
	// ErrStartFailed wraps the cause of a failed engine start.
	ErrStartFailed = errors.New("engine start failed")

	// ErrNotRunning indicates the session is not in a state that allows
	// the operation.
	ErrNotRunning = errors.New("session not running")
)

// Engine is the adapter surface the controller supervises.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Subscribe(h engine.Handler) error
	Query(ctx context.Context, q engine.Query) (engine.QueryResult, error)
	Capabilities() engine.Capabilities
}

// Input is the sequencer surface the controller supervises.
type Input interface {
	Sync(ctx context.Context) error
	Close(discard bool)
	Fail(err error)
	Done() <-chan struct{}
	Pending() int
}

// View is the state tracker surface the controller supervises.
type View interface {
	OnNotification(n engine.Notification)
	Reconcile(buffers []engine.BufferInfo)
	Flush(ctx context.Context) error
	HasDirtyDocs() bool
	ListBuffers() state.Snapshot
}

// Publisher receives outbound events.
type Publisher interface {
	Publish(notify.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(notify.Event) {}

// Session is one run of the engine.
type Session struct {
	ID        string
	StartedAt time.Time
	PID       int
}

// Status is a point-in-time report on the session.
type Status struct {
	State        State                `json:"state"`
	SessionID    string               `json:"sessionId,omitempty"`
	Uptime       time.Duration        `json:"uptime"`
	PID          int                  `json:"pid,omitempty"`
	Process      *engine.ProcessStats `json:"process,omitempty"`
	PendingInput int                  `json:"pendingInput"`
	Buffers      int                  `json:"buffers"`
	Dirty        bool                 `json:"dirty"`
	CrashReason  string               `json:"crashReason,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.pub = p
		}
	}
}

// WithPolicy installs a quit policy holder.
func WithPolicy(h *policy.Holder) Option {
	return func(c *Controller) { c.policy = h }
}

// WithPollInterval sets the buffer polling interval for engines without
// push notifications.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Controller is the lifecycle state machine.
type Controller struct {
	eng          Engine
	input        Input
	view         View
	pub          Publisher
	policy       *policy.Holder
	logger       *slog.Logger
	pollInterval time.Duration

	mu           sync.Mutex
	state        State
	session      *Session
	crashReason  string
	pendingCrash *engine.Notification
	stopPoll     context.CancelFunc
	pollDone     chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a controller and binds it to the engine's notifications.
func New(eng Engine, input Input, view View, opts ...Option) (*Controller, error) {
	c := &Controller{
		eng:          eng,
		input:        input,
		view:         view,
		pub:          discardPublisher{},
		logger:       slog.New(slog.DiscardHandler),
		pollInterval: DefaultPollInterval,
		state:        NotStarted,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := eng.Subscribe(c.onNotification); err != nil {
		return nil, fmt.Errorf("subscribe to engine: %w", err)
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the session has terminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the running session's ID, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// Start launches the engine. A failed start returns ErrStartFailed and
// leaves the controller NotStarted so it may be retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != NotStarted {
		c.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	c.setLocked(Starting)
	c.mu.Unlock()

	c.logger.Info("starting engine")
	if err := c.eng.Start(ctx); err != nil {
		c.mu.Lock()
		c.setLocked(NotStarted)
		c.mu.Unlock()
		c.logger.Error("engine start failed", "error", err)
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	sess := &Session{ID: newSessionID(), StartedAt: time.Now()}
	if res, err := c.eng.Query(ctx, engine.Query{Kind: engine.QueryPID}); err == nil {
		sess.PID = res.PID
	} else {
		c.logger.Debug("engine pid unavailable", "error", err)
	}

	if !c.eng.Capabilities().Push {
		c.poll(ctx)
	}

	c.mu.Lock()
	c.session = sess
	c.setLocked(Running)
	early := c.pendingCrash
	c.pendingCrash = nil
	if !c.eng.Capabilities().Push && early == nil {
		c.startPollerLocked()
	}
	c.mu.Unlock()

	c.logger.Info("engine running", "session", sess.ID, "pid", sess.PID)
	c.pub.Publish(notify.Event{Kind: notify.EngineReady})

	if early != nil {
		c.onCrash(*early)
	}
	return nil
}

// RequestQuit quits if no buffer has unsaved changes. Otherwise it
// returns a QuitResult carrying QuitBlocked and the session keeps running.
// Input enqueued before the call is applied before the decision is made.
func (c *Controller) RequestQuit(ctx context.Context) (QuitResult, error) {
	if err := c.require(Running); err != nil {
		return QuitResult{}, err
	}

	if err := c.input.Sync(ctx); err != nil {
		return QuitResult{}, fmt.Errorf("wait for pending input: %w", err)
	}
	if err := c.view.Flush(ctx); err != nil {
		return QuitResult{}, fmt.Errorf("wait for engine state: %w", err)
	}

	if blocked := c.quitVeto(ctx); blocked != nil {
		c.logger.Info("quit blocked", "reason", blocked.Reason, "dirty", len(blocked.Buffers))
		c.pub.Publish(notify.Event{
			Kind:    notify.QuitBlocked,
			Reason:  blocked.Reason,
			Buffers: payloads(blocked.Buffers),
		})
		return QuitResult{Blocked: blocked}, nil
	}

	if err := c.teardown(ctx, Running); err != nil {
		return QuitResult{}, err
	}
	return QuitResult{}, nil
}

// ForceQuit tears the session down regardless of unsaved changes. It is
// allowed from Running and Crashed, and is a no-op once terminated.
func (c *Controller) ForceQuit(ctx context.Context) error {
	if c.State() == Terminated {
		return nil
	}
	return c.teardown(ctx, Running, Crashed)
}

// Status reports on the session.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{State: c.state, CrashReason: c.crashReason}
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		st.SessionID = sess.ID
		st.Uptime = time.Since(sess.StartedAt).Round(time.Millisecond)
		st.PID = sess.PID
		if sess.PID > 0 {
			if ps, err := engine.Stats(ctx, sess.PID); err == nil {
				st.Process = &ps
			} else {
				c.logger.Debug("process stats unavailable", "pid", sess.PID, "error", err)
			}
		}
	}
	st.PendingInput = c.input.Pending()
	st.Buffers = c.view.ListBuffers().Len()
	st.Dirty = c.view.HasDirtyDocs()
	return st
}

func (c *Controller) require(states ...State) error {
	cur := c.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return refused(cur)
}

// refused is the error for an operation the session cannot take in cur.
// A crashed engine stays gone until the session is force quit.
func refused(cur State) error {
	if cur == Crashed {
		return engine.ErrEngineGone
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, cur)
}

// quitVeto decides whether a quit is blocked. The policy may block a clean
// session or reword the reason, but cannot unblock a dirty one.
func (c *Controller) quitVeto(ctx context.Context) *QuitBlocked {
	var dirty []state.Buffer
	for b := range c.view.ListBuffers().Dirty() {
		dirty = append(dirty, b)
	}

	var blocked *QuitBlocked
	if len(dirty) > 0 {
		blocked = &QuitBlocked{Reason: defaultReason(dirty), Buffers: dirty}
	}

	if c.policy == nil {
		return blocked
	}
	dec, err := c.policy.Evaluate(ctx, c.policyInput(dirty))
	if err != nil {
		c.logger.Warn("quit policy failed", "error", err)
		return blocked
	}
	if dec.Block && blocked == nil {
		blocked = &QuitBlocked{Reason: "quit refused by policy", Buffers: dirty}
	}
	if blocked != nil && dec.Reason != "" {
		blocked.Reason = dec.Reason
	}
	return blocked
}

func (c *Controller) policyInput(dirty []state.Buffer) policy.Input {
	in := policy.Input{}
	c.mu.Lock()
	if c.session != nil {
		in.SessionID = c.session.ID
		in.Uptime = time.Since(c.session.StartedAt)
	}
	c.mu.Unlock()

	for b := range c.view.ListBuffers().All() {
		in.Buffers = append(in.Buffers, policyBuffer(b))
	}
	for _, b := range dirty {
		in.Dirty = append(in.Dirty, policyBuffer(b))
	}
	return in
}

func policyBuffer(b state.Buffer) policy.Buffer {
	return policy.Buffer{ID: b.ID, Name: b.Name, Display: b.DisplayName, Dirty: b.Dirty}
}

// teardown moves to Quitting, stops input and the engine, then to
// Terminated. from lists the states teardown may begin in.
func (c *Controller) teardown(ctx context.Context, from ...State) error {
	c.mu.Lock()
	allowed := false
	for _, s := range from {
		if c.state == s {
			allowed = true
		}
	}
	if !allowed {
		cur := c.state
		c.mu.Unlock()
		return refused(cur)
	}
	c.setLocked(Quitting)
	c.stopPollerLocked()
	c.mu.Unlock()

	c.logger.Info("tearing down session")
	c.input.Close(true)

	var errs []error
	if err := c.eng.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-c.input.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for input drain: %w", ctx.Err()))
	}

	c.mu.Lock()
	c.setLocked(Terminated)
	c.session = nil
	c.mu.Unlock()

	c.pub.Publish(notify.Event{Kind: notify.EngineStopped})
	c.doneOnce.Do(func() { close(c.done) })
	c.logger.Info("session terminated")

	return errors.Join(errs...)
}

// onNotification is the engine's single notification handler.
func (c *Controller) onNotification(n engine.Notification) {
	if n.Kind == engine.EngineCrashed {
		c.onCrash(n)
		return
	}
	c.view.OnNotification(n)
}

func (c *Controller) onCrash(n engine.Notification) {
	c.mu.Lock()
	switch c.state {
	case Running:
		c.setLocked(Crashed)
		c.crashReason = n.Reason
		c.stopPollerLocked()
	case Starting:
		c.pendingCrash = &n
		c.mu.Unlock()
		return
	default:
		c.mu.Unlock()
		c.logger.Debug("crash ignored", "reason", n.Reason)
		return
	}
	c.mu.Unlock()

	c.logger.Error("engine crashed", "reason", n.Reason)
	c.input.Fail(engine.ErrEngineGone)
	c.pub.Publish(notify.Event{Kind: notify.EngineCrashed, Reason: n.Reason})
}

// poll lists buffers once and reconciles the view.
func (c *Controller) poll(ctx context.Context) bool {
	res, err := c.eng.Query(ctx, engine.Query{Kind: engine.QueryBuffers})
	if err != nil {
		if errors.Is(err, engine.ErrEngineGone) {
			return false
		}
		c.logger.Warn("buffer poll failed", "error", err)
		return true
	}
	c.view.Reconcile(res.Buffers)
	return true
}

func (c *Controller) startPollerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPoll = cancel
	c.pollDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.poll(ctx) {
					return
				}
			}
		}
	}(c.pollDone)
}

func (c *Controller) stopPollerLocked() {
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func defaultReason(dirty []state.Buffer) string {
	names := make([]string, 0, len(dirty))
	for _, b := range dirty {
		name := b.DisplayName
		if name == "" {
			name = fmt.Sprintf("[No Name] (buffer %d)", b.ID)
		}
		names = append(names, name)
	}
	if len(dirty) == 1 {
		return "unsaved changes in " + names[0]
	}
	return fmt.Sprintf("unsaved changes in %d buffers: %s", len(dirty), strings.Join(names, ", "))
}

func payloads(bufs []state.Buffer) []notify.Buffer {
	out := make([]notify.Buffer, len(bufs))
	for i, b := range bufs {
		out[i] = notify.Buffer{ID: b.ID, Name: b.Name, DisplayName: b.DisplayName, Dirty: b.Dirty}
	}
	return out
}

func (c *Controller) setLocked(to State) {
	c.logger.Debug("state transition", "from", c.state, "to", to)
	c.state = to
}
