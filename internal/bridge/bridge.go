// Package bridge is the public face of an engine session.
//
// A Bridge wires the engine adapter, the input sequencer, the state
// tracker and the lifecycle controller together and exposes the operations
// a presentation process may call. Mutating operations enqueue input and
// return a Ticket; the caller decides whether to wait for the engine's
// acknowledgement. Queries read the tracked view and never touch the
// engine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dshills/edbridge/internal/display"
	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/lifecycle"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/policy"
	"github.com/dshills/edbridge/internal/sequencer"
	"github.com/dshills/edbridge/internal/state"
)

// Options configures a Bridge. Zero values select defaults.
type Options struct {
	// Backend is the engine to drive. Required.
	Backend engine.Backend

	// Logger is the parent logger; each component gets a child.
	Logger *slog.Logger

	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration
	PollInterval     time.Duration

	// QueueCapacity bounds pending input.
	QueueCapacity int

	// Inbox bounds pending engine notifications.
	Inbox int

	// NotifyBuffer sizes the outbound event buffer.
	NotifyBuffer int

	// Policy holds the optional quit policy. It may be swapped at runtime.
	Policy *policy.Holder

	// OpenOnReady lists files opened in tabs as soon as the engine is up.
	OpenOnReady []string
}

// DefaultNotifyBuffer is the default outbound event buffer size.
const DefaultNotifyBuffer = 256

// Bridge is one engine session and the operations on it.
type Bridge struct {
	logger   *slog.Logger
	adapter  *engine.Adapter
	seq      *sequencer.Sequencer
	tracker  *state.Tracker
	ctl      *lifecycle.Controller
	notifier *notify.Notifier
	policy   *policy.Holder

	openOnReady []string
}

// New assembles a bridge around opts.Backend. The engine is not started.
func New(opts Options) (*Bridge, error) {
	if opts.Backend == nil {
		return nil, NewOperationError("new", "", fmt.Errorf("%w: no engine backend", ErrInvalidArgument))
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultNotifyBuffer
	}
	holder := opts.Policy
	if holder == nil {
		holder = &policy.Holder{}
	}

	b := &Bridge{
		logger:   logging.Component(opts.Logger, "bridge"),
		notifier: notify.New(notify.WithAsync(opts.NotifyBuffer)),
		policy:   holder,

		openOnReady: slices.Clone(opts.OpenOnReady),
	}

	b.adapter = engine.NewAdapter(opts.Backend,
		engine.WithLogger(logging.Component(opts.Logger, "engine")),
		engine.WithHandshakeTimeout(opts.HandshakeTimeout),
		engine.WithInvokeTimeout(opts.InvokeTimeout),
	)
	b.tracker = state.New(
		state.WithInbox(opts.Inbox),
		state.WithLogger(logging.Component(opts.Logger, "state")),
		state.WithPublisher(b.notifier),
	)
	b.seq = sequencer.New(settledInvoker{Adapter: b.adapter, tracker: b.tracker},
		sequencer.WithCapacity(opts.QueueCapacity),
		sequencer.WithLogger(logging.Component(opts.Logger, "sequencer")),
	)

	ctl, err := lifecycle.New(b.adapter, b.seq, b.tracker,
		lifecycle.WithLogger(logging.Component(opts.Logger, "lifecycle")),
		lifecycle.WithPublisher(b.notifier),
		lifecycle.WithPolicy(holder),
		lifecycle.WithPollInterval(opts.PollInterval),
	)
	if err != nil {
		b.seq.Close(true)
		b.tracker.Close()
		b.notifier.Close()
		return nil, err
	}
	b.ctl = ctl
	return b, nil
}

// settledInvoker holds each engine call until the tracker has applied the
// notifications the engine sent before acknowledging it, so a query made
// after a ticket resolves sees the call's effects.
type settledInvoker struct {
	*engine.Adapter
	tracker *state.Tracker
}

func (s settledInvoker) Invoke(ctx context.Context, req engine.Request) (engine.Result, error) {
	res, err := s.Adapter.Invoke(ctx, req)
	// Flush fails only when the tracker is closed or ctx ends; the call's
	// own outcome stands either way.
	_ = s.tracker.Flush(ctx)
	return res, err
}

// Subscribe registers an observer for every outbound event.
func (b *Bridge) Subscribe(obs notify.Observer) *notify.Subscription {
	return b.notifier.Subscribe(obs)
}

// SubscribeKind registers an observer for one kind of outbound event. It
// runs after the observers registered with Subscribe.
func (b *Bridge) SubscribeKind(kind notify.Kind, obs notify.Observer) *notify.Subscription {
	return b.notifier.SubscribeKind(kind, obs)
}

// Policy returns the quit policy holder.
func (b *Bridge) Policy() *policy.Holder {
	return b.policy
}

// SessionID returns the running session's ID, or "".
func (b *Bridge) SessionID() string {
	return b.ctl.SessionID()
}

// Done is closed when the session has terminated.
func (b *Bridge) Done() <-chan struct{} {
	return b.ctl.Done()
}

// StartEngine starts the engine session.
func (b *Bridge) StartEngine(ctx context.Context) error {
	if err := b.ctl.Start(ctx); err != nil {
		return NewOperationError("start", "", err)
	}
	if len(b.openOnReady) > 0 {
		b.openStartupFiles(ctx)
	}
	return nil
}

// openStartupFiles opens the OpenOnReady files and waits for the engine
// to take them. Failures are logged; the session is up regardless.
func (b *Bridge) openStartupFiles(ctx context.Context) {
	tickets, err := b.OpenFiles(b.openOnReady)
	if err != nil {
		b.logger.Warn("opening startup files", "error", err)
	}
	for _, tk := range tickets {
		if werr := tk.Wait(ctx); werr != nil {
			b.logger.Warn("opening startup file", "seq", tk.Seq, "error", werr)
		}
	}
}

// SendCommand enqueues an ex command line.
func (b *Bridge) SendCommand(text string) (*sequencer.Ticket, error) {
	return b.enqueue("command", sequencer.Command(text))
}

// SendInput enqueues keys in Vim key notation.
func (b *Bridge) SendInput(text string) (*sequencer.Ticket, error) {
	return b.enqueue("input", sequencer.Input(text))
}

// Delete enqueues the deletion of count characters before the cursor.
// A count of zero is forwarded and deletes nothing.
func (b *Bridge) Delete(count int) (*sequencer.Ticket, error) {
	if count < 0 {
		return nil, NewOperationError("delete", fmt.Sprint(count),
			fmt.Errorf("%w: count must not be negative", ErrInvalidArgument))
	}
	return b.enqueue("delete", sequencer.Delete(count))
}

// Resize enqueues a change of the UI grid size.
func (b *Bridge) Resize(width, height int) (*sequencer.Ticket, error) {
	if width <= 0 || height <= 0 {
		return nil, NewOperationError("resize", fmt.Sprintf("%dx%d", width, height),
			fmt.Errorf("%w: dimensions must be positive", ErrInvalidArgument))
	}
	return b.enqueue("resize", sequencer.ResizeTo(width, height))
}

// InputMarkedText enqueues an update of the IME composition.
func (b *Bridge) InputMarkedText(text string) (*sequencer.Ticket, error) {
	return b.enqueue("inputMarkedText", sequencer.MarkedText(text))
}

// InsertMarkedText enqueues the commit of the IME composition.
func (b *Bridge) InsertMarkedText(text string) (*sequencer.Ticket, error) {
	return b.enqueue("insertMarkedText", sequencer.InsertMarkedText(text))
}

// NewTab opens an empty buffer in a new tab.
func (b *Bridge) NewTab() (*sequencer.Ticket, error) {
	return b.enqueue("newTab", sequencer.Command("tabnew"))
}

// OpenFiles opens each path in a new tab, in order. It returns one ticket
// per path; if an enqueue fails the tickets enqueued so far are returned
// with the error.
func (b *Bridge) OpenFiles(paths []string) ([]*sequencer.Ticket, error) {
	if len(paths) == 0 {
		return nil, NewOperationError("open", "", fmt.Errorf("%w: no paths", ErrInvalidArgument))
	}

	tickets := make([]*sequencer.Ticket, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			return tickets, NewOperationError("open", "", fmt.Errorf("%w: empty path", ErrInvalidArgument))
		}
		tk, err := b.enqueue("open", sequencer.Command("tabedit "+fnameEscape(p)))
		if err != nil {
			return tickets, err
		}
		tickets = append(tickets, tk)
	}
	return tickets, nil
}

// CloseCurrent closes the current tab. Without force it refuses with
// ErrUnsavedChanges when the current buffer is dirty. Input enqueued
// before the call is applied before the check.
func (b *Bridge) CloseCurrent(ctx context.Context, force bool) (*sequencer.Ticket, error) {
	if err := b.ready(); err != nil {
		return nil, NewOperationError("closeCurrent", "", err)
	}
	if err := b.seq.Sync(ctx); err != nil {
		return nil, NewOperationError("closeCurrent", "", b.normalize(err))
	}
	if err := b.tracker.Flush(ctx); err != nil {
		return nil, NewOperationError("closeCurrent", "", err)
	}

	if cur, ok := b.tracker.CurrentBuffer(); ok && cur.Dirty && !force {
		return nil, NewOperationError("closeCurrent", cur.DisplayName, ErrUnsavedChanges)
	}

	cmd := "tabclose"
	if force {
		cmd += "!"
	}
	return b.enqueue("closeCurrent", sequencer.Command(cmd))
}

// HasDirtyDocs reports whether any buffer has unsaved changes.
func (b *Bridge) HasDirtyDocs() bool {
	return b.tracker.HasDirtyDocs()
}

// CurrentBufferDirty reports whether the current buffer has unsaved
// changes.
func (b *Bridge) CurrentBufferDirty() bool {
	cur, ok := b.tracker.CurrentBuffer()
	return ok && cur.Dirty
}

// EscapedFilename returns raw in a form safe to display.
func (b *Bridge) EscapedFilename(raw string) string {
	return display.EscapeFilename(raw)
}

// ListBuffers returns a point-in-time snapshot of the buffer list.
func (b *Bridge) ListBuffers() state.Snapshot {
	return b.tracker.ListBuffers()
}

// Quit ends the session unless a buffer has unsaved changes, in which case
// the result carries the refusal and the session keeps running.
func (b *Bridge) Quit(ctx context.Context) (lifecycle.QuitResult, error) {
	res, err := b.ctl.RequestQuit(ctx)
	if err != nil {
		return res, NewOperationError("quit", "", b.normalize(err))
	}
	return res, nil
}

// ForceQuit ends the session regardless of unsaved changes.
func (b *Bridge) ForceQuit(ctx context.Context) error {
	if err := b.ctl.ForceQuit(ctx); err != nil {
		return NewOperationError("forceQuit", "", b.normalize(err))
	}
	return nil
}

// Status reports on the session.
func (b *Bridge) Status(ctx context.Context) lifecycle.Status {
	return b.ctl.Status(ctx)
}

// Close force quits a live session and releases the bridge's goroutines.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	switch b.ctl.State() {
	case lifecycle.Running, lifecycle.Crashed:
		err = b.ForceQuit(ctx)
	default:
		b.seq.Close(true)
	}
	b.tracker.Close()
	b.notifier.Close()
	b.policy.Close()
	return err
}

func (b *Bridge) enqueue(op string, ev sequencer.Event) (*sequencer.Ticket, error) {
	if err := b.ready(); err != nil {
		return nil, NewOperationError(op, "", err)
	}
	tk, err := b.seq.Enqueue(ev)
	if err != nil {
		return nil, NewOperationError(op, "", b.normalize(err))
	}
	b.logger.Debug("enqueued", "op", op, "seq", tk.Seq)
	return tk, nil
}

// ready fails fast for sessions that cannot take input.
func (b *Bridge) ready() error {
	switch b.ctl.State() {
	case lifecycle.Running:
		return nil
	case lifecycle.Crashed:
		return engine.ErrEngineGone
	}
	return ErrNotRunning
}

// normalize maps component errors for a closed session onto ErrNotRunning.
func (b *Bridge) normalize(err error) error {
	if errors.Is(err, sequencer.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return err
}
