// Package term is a terminal presentation client for the bridge.
//
// It does not draw the editor grid. It forwards keystrokes, pastes and
// terminal resizes to the engine, lists the open buffers with their dirty
// markers, and asks for confirmation when a quit is refused because of
// unsaved changes.
package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/dshills/edbridge/internal/ipc"
	"github.com/dshills/edbridge/internal/keys"
	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/notify"
)

// QuitKey asks the bridge to quit.
const QuitKey = "<C-q>"

// ErrEngineCrashed is returned by Run when the engine dies.
var ErrEngineCrashed = errors.New("engine crashed")

// ErrDisconnected is returned by Run when the bridge connection drops.
var ErrDisconnected = errors.New("bridge connection closed")

// Client is the part of ipc.Client the UI drives.
type Client interface {
	Input(ctx context.Context, keys string) (ipc.Ack, error)
	Resize(ctx context.Context, width, height int) (ipc.Ack, error)
	Buffers(ctx context.Context) ([]ipc.BufferView, error)
	Quit(ctx context.Context) (ipc.QuitReply, error)
	ForceQuit(ctx context.Context) error
	Done() <-chan struct{}
}

// Option configures a UI.
type Option func(*UI)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *UI) {
		if l != nil {
			u.logger = l
		}
	}
}

// UI is the terminal client.
type UI struct {
	screen tcell.Screen
	client Client
	logger *slog.Logger

	buffers []ipc.BufferView
	status  string
	blocked *ipc.BlockedView
	pasting bool
	paste   strings.Builder

	// afterDraw runs on the UI goroutine after each frame is shown.
	afterDraw func()
}

type disconnected struct{}

// New creates a UI on an initialised screen.
func New(screen tcell.Screen, client Client, opts ...Option) *UI {
	u := &UI{screen: screen, client: client, logger: logging.Discard()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// HandleEvent queues a bridge event for the UI loop. It never blocks, so
// it can be the client's event handler.
func (u *UI) HandleEvent(ev ipc.Event) {
	EventHandler(u.screen, u.logger)(ev)
}

// EventHandler returns a function queueing bridge events on screen for a
// UI that is not built yet. Events posted before Run are handled once it
// starts.
func EventHandler(screen tcell.Screen, logger *slog.Logger) func(ipc.Event) {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(ev ipc.Event) {
		if err := screen.PostEvent(tcell.NewEventInterrupt(ev)); err != nil {
			logger.Warn("dropping bridge event", "kind", ev.Kind, "error", err)
		}
	}
}

// Run processes terminal and bridge events until the session ends. It
// returns nil after a clean quit.
func (u *UI) Run(ctx context.Context) error {
	u.screen.EnablePaste()

	bufs, err := u.client.Buffers(ctx)
	if err != nil {
		return fmt.Errorf("list buffers: %w", err)
	}
	u.buffers = bufs
	u.status = "Ctrl-Q quits"

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-u.client.Done():
			_ = u.screen.PostEvent(tcell.NewEventInterrupt(disconnected{}))
		case <-ctx.Done():
			_ = u.screen.PostEvent(tcell.NewEventInterrupt(ctx.Err()))
		case <-stop:
		}
	}()

	u.draw()
	for {
		done, err := u.handle(ctx, u.screen.PollEvent())
		if done || err != nil {
			return err
		}
		u.draw()
	}
}

func (u *UI) handle(ctx context.Context, ev tcell.Event) (bool, error) {
	switch ev := ev.(type) {
	case nil:
		return true, ErrDisconnected
	case *tcell.EventResize:
		w, h := ev.Size()
		u.screen.Sync()
		if _, err := u.client.Resize(ctx, w, h); err != nil {
			u.fail("resize", err)
		}
	case *tcell.EventPaste:
		u.onPaste(ctx, ev.Start())
	case *tcell.EventKey:
		return u.onKey(ctx, ev)
	case *tcell.EventInterrupt:
		switch data := ev.Data().(type) {
		case ipc.Event:
			return u.onBridgeEvent(data)
		case disconnected:
			return true, ErrDisconnected
		case error:
			return true, data
		}
	}
	return false, nil
}

func (u *UI) onPaste(ctx context.Context, start bool) {
	if start {
		u.pasting = true
		u.paste.Reset()
		return
	}
	u.pasting = false
	if u.paste.Len() == 0 {
		return
	}
	if _, err := u.client.Input(ctx, u.paste.String()); err != nil {
		u.fail("paste", err)
	}
	u.paste.Reset()
}

func (u *UI) onKey(ctx context.Context, ev *tcell.EventKey) (bool, error) {
	k := keys.Notation(ev)
	if k == "" {
		return false, nil
	}
	if u.pasting {
		u.paste.WriteString(k)
		return false, nil
	}

	if u.blocked != nil {
		u.blocked = nil
		if k != "y" && k != "Y" {
			u.status = "Quit cancelled"
			return false, nil
		}
		if err := u.client.ForceQuit(ctx); err != nil {
			u.fail("force quit", err)
		}
		return false, nil
	}

	if k == QuitKey {
		reply, err := u.client.Quit(ctx)
		switch {
		case err != nil:
			u.fail("quit", err)
		case reply.Blocked != nil:
			u.blocked = reply.Blocked
		}
		return false, nil
	}

	if _, err := u.client.Input(ctx, k); err != nil {
		u.fail("input", err)
	}
	return false, nil
}

// onBridgeEvent mirrors buffer changes. The session ends on engineStopped.
func (u *UI) onBridgeEvent(ev ipc.Event) (bool, error) {
	switch ev.Kind {
	case notify.BufferOpened:
		if ev.Buffer != nil && u.find(ev.Buffer.ID) < 0 {
			u.buffers = append(u.buffers, view(*ev.Buffer))
		}
	case notify.BufferClosed:
		if ev.Buffer != nil {
			u.buffers = slices.DeleteFunc(u.buffers, func(b ipc.BufferView) bool { return b.ID == ev.Buffer.ID })
		}
	case notify.DirtyChanged:
		if ev.Buffer != nil {
			if i := u.find(ev.Buffer.ID); i >= 0 {
				u.buffers[i].Dirty = ev.Buffer.Dirty
			}
		}
	case notify.CurrentChanged:
		if ev.Buffer != nil {
			for i := range u.buffers {
				u.buffers[i].Current = u.buffers[i].ID == ev.Buffer.ID
			}
		}
	case notify.QuitBlocked:
		u.blocked = &ipc.BlockedView{Reason: ev.Reason, Buffers: ev.Buffers}
	case notify.EngineCrashed:
		return true, fmt.Errorf("%w: %s", ErrEngineCrashed, ev.Reason)
	case notify.EngineStopped:
		return true, nil
	}
	return false, nil
}

func (u *UI) find(id int) int {
	return slices.IndexFunc(u.buffers, func(b ipc.BufferView) bool { return b.ID == id })
}

func view(b notify.Buffer) ipc.BufferView {
	return ipc.BufferView{ID: b.ID, Name: b.Name, DisplayName: b.DisplayName, Dirty: b.Dirty}
}

func (u *UI) fail(op string, err error) {
	u.logger.Warn("bridge call failed", "op", op, "error", err)
	u.status = fmt.Sprintf("%s: %v", op, err)
}
