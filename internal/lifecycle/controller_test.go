package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/engine/memengine"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/policy"
	"github.com/dshills/edbridge/internal/sequencer"
	"github.com/dshills/edbridge/internal/state"
)

// quietBackend acknowledges every request and never reports a change.
type quietBackend struct {
	mu       sync.Mutex
	reqs     []engine.Request
	startErr error
	stopped  bool
}

func (b *quietBackend) Start(context.Context, func(engine.Notification)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.startErr
	b.startErr = nil
	return err
}

func (b *quietBackend) Call(_ context.Context, req engine.Request) (engine.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return engine.Result{}, nil
}

func (b *quietBackend) Probe(context.Context, engine.Query) (engine.QueryResult, error) {
	return engine.QueryResult{}, nil
}

func (b *quietBackend) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

func (b *quietBackend) Capabilities() engine.Capabilities {
	return engine.Capabilities{Push: true}
}

func (b *quietBackend) requests() []engine.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.Request(nil), b.reqs...)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) find(kind notify.Kind) (notify.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return notify.Event{}, false
}

type harness struct {
	ctl     *Controller
	seq     *sequencer.Sequencer
	tracker *state.Tracker
	events  *recorder
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, b engine.Backend, adapterOpts []engine.Option, opts ...Option) *harness {
	t.Helper()

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	events := &recorder{}
	adapter := engine.NewAdapter(b, adapterOpts...)
	seq := sequencer.New(adapter)
	tracker := state.New(state.WithPublisher(events))

	opts = append([]Option{WithLogger(logger), WithPublisher(events)}, opts...)
	ctl, err := New(adapter, seq, tracker, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.ForceQuit(ctx)
		tracker.Close()
	})
	return &harness{ctl: ctl, seq: seq, tracker: tracker, events: events, logs: logs}
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (h *harness) send(t *testing.T, events ...sequencer.Event) []*sequencer.Ticket {
	t.Helper()
	var tickets []*sequencer.Ticket
	for _, ev := range events {
		tk, err := h.seq.Enqueue(ev)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	return tickets
}

func TestController_CleanQuit(t *testing.T) {
	b := &quietBackend{}
	h := newHarness(t, b, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	assert.Equal(t, Running, h.ctl.State())
	assert.NotEmpty(t, h.ctl.SessionID())

	h.send(t, sequencer.ResizeTo(120, 40), sequencer.Input("i"), sequencer.Input("hello"))

	res, err := h.ctl.RequestQuit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Quit())
	assert.Nil(t, res.Blocked)

	assert.Equal(t, []engine.Request{
		{Kind: engine.KindResize, Width: 120, Height: 40},
		{Kind: engine.KindInput, Text: "i"},
		{Kind: engine.KindInput, Text: "hello"},
	}, b.requests())

	assert.Equal(t, Terminated, h.ctl.State())
	assert.Empty(t, h.ctl.SessionID())
	select {
	case <-h.ctl.Done():
	default:
		t.Fatal("Done not closed after quit")
	}

	assert.Equal(t, []notify.Kind{notify.EngineReady, notify.EngineStopped}, h.events.kinds())

	logs := h.logs.String()
	assert.Contains(t, logs, "from=running to=quitting")
	assert.Contains(t, logs, "from=quitting to=terminated")

	b.mu.Lock()
	assert.True(t, b.stopped)
	b.mu.Unlock()
}

func TestController_QuitBlockedByDirtyBuffer(t *testing.T) {
	eng := memengine.New()
	h := newHarness(t, eng, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	h.send(t, sequencer.Command("edit notes.txt"), sequencer.Input("i"), sequencer.Input("x"))

	res, err := h.ctl.RequestQuit(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Blocked)
	assert.False(t, res.Quit())
	require.Len(t, res.Blocked.Buffers, 1)
	assert.Equal(t, "notes.txt", res.Blocked.Buffers[0].Name)
	assert.Equal(t, "unsaved changes in notes.txt", res.Blocked.Reason)
	assert.Equal(t, Running, h.ctl.State())

	ev, ok := h.events.find(notify.QuitBlocked)
	require.True(t, ok)
	assert.Equal(t, res.Blocked.Reason, ev.Reason)
	require.Len(t, ev.Buffers, 1)
	assert.True(t, ev.Buffers[0].Dirty)

	// Saving clears the veto.
	h.send(t, sequencer.Input("<Esc>"), sequencer.Command("w"))
	res, err = h.ctl.RequestQuit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Quit())
	assert.Equal(t, Terminated, h.ctl.State())
}

func TestController_ForceQuitIgnoresDirty(t *testing.T) {
	eng := memengine.New()
	h := newHarness(t, eng, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	h.send(t, sequencer.Input("ix"))
	require.NoError(t, h.seq.Sync(ctx))
	require.NoError(t, h.tracker.Flush(ctx))
	require.True(t, h.tracker.HasDirtyDocs())

	require.NoError(t, h.ctl.ForceQuit(ctx))
	assert.Equal(t, Terminated, h.ctl.State())

	// Once terminated, force quit is a no-op and quit is refused.
	require.NoError(t, h.ctl.ForceQuit(ctx))
	_, err := h.ctl.RequestQuit(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = h.seq.Enqueue(sequencer.Input("y"))
	assert.Error(t, err)
}

func TestController_Crash(t *testing.T) {
	eng := memengine.New()
	h := newHarness(t, eng, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	eng.Crash("signal: killed")

	assert.Equal(t, Crashed, h.ctl.State())
	ev, ok := h.events.find(notify.EngineCrashed)
	require.True(t, ok)
	assert.Equal(t, "signal: killed", ev.Reason)

	_, err := h.seq.Enqueue(sequencer.Input("i"))
	assert.ErrorIs(t, err, engine.ErrEngineGone)

	_, err = h.ctl.RequestQuit(ctx)
	require.ErrorIs(t, err, engine.ErrEngineGone)
	assert.NotErrorIs(t, err, ErrNotRunning)

	st := h.ctl.Status(ctx)
	assert.Equal(t, Crashed, st.State)
	assert.Equal(t, "signal: killed", st.CrashReason)

	require.NoError(t, h.ctl.ForceQuit(ctx))
	assert.Equal(t, Terminated, h.ctl.State())
}

func TestController_UnresponsiveEngine(t *testing.T) {
	eng := memengine.New()
	h := newHarness(t, eng, []engine.Option{engine.WithInvokeTimeout(20 * time.Millisecond)})
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	eng.Hang()

	tickets := h.send(t, sequencer.Input("i"), sequencer.Input("a"))
	assert.ErrorIs(t, tickets[0].Wait(ctx), engine.ErrEngineUnresponsive)
	assert.ErrorIs(t, tickets[1].Wait(ctx), engine.ErrEngineGone)

	require.Eventually(t, func() bool { return h.ctl.State() == Crashed }, time.Second, 5*time.Millisecond)
	ev, ok := h.events.find(notify.EngineCrashed)
	require.True(t, ok)
	assert.Equal(t, engine.ReasonUnresponsive, ev.Reason)

	eng.Resume()
}

func TestController_StartFailureIsRetryable(t *testing.T) {
	b := &quietBackend{startErr: errors.New("exec: nvim not found")}
	h := newHarness(t, b, nil)
	ctx := context.Background()

	err := h.ctl.Start(ctx)
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Contains(t, err.Error(), "nvim not found")
	assert.Equal(t, NotStarted, h.ctl.State())
	assert.Empty(t, h.events.kinds())

	require.NoError(t, h.ctl.Start(ctx))
	assert.Equal(t, Running, h.ctl.State())
	assert.ErrorIs(t, h.ctl.Start(ctx), engine.ErrAlreadyStarted)
}

func TestController_QuitBeforeStart(t *testing.T) {
	h := newHarness(t, &quietBackend{}, nil)

	_, err := h.ctl.RequestQuit(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, h.ctl.ForceQuit(context.Background()), ErrNotRunning)
}

func TestController_PollsWithoutPush(t *testing.T) {
	eng := memengine.New(memengine.WithoutPush())
	h := newHarness(t, eng, nil, WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, h.ctl.Start(ctx))
	require.NoError(t, h.tracker.Flush(ctx))
	assert.Equal(t, 1, h.tracker.ListBuffers().Len())
	assert.False(t, h.tracker.HasDirtyDocs())

	eng.SetDirty(1, true)
	require.Eventually(t, h.tracker.HasDirtyDocs, time.Second, 5*time.Millisecond)

	_, ok := h.events.find(notify.DirtyChanged)
	assert.True(t, ok)
}

func TestController_QuitPolicy(t *testing.T) {
	t.Run("blocks a clean session", func(t *testing.T) {
		p, err := policy.LoadString("busy", `function quit_policy(s) return "build running" end`)
		require.NoError(t, err)
		var holder policy.Holder
		holder.Set(p)
		defer holder.Close()

		h := newHarness(t, &quietBackend{}, nil, WithPolicy(&holder))
		require.NoError(t, h.ctl.Start(context.Background()))

		res, err := h.ctl.RequestQuit(context.Background())
		require.NoError(t, err)
		require.NotNil(t, res.Blocked)
		assert.Equal(t, "build running", res.Blocked.Reason)
		assert.Empty(t, res.Blocked.Buffers)
		assert.Equal(t, Running, h.ctl.State())
	})

	t.Run("cannot unblock a dirty session", func(t *testing.T) {
		p, err := policy.LoadString("lenient", `function quit_policy(s) return false end`)
		require.NoError(t, err)
		var holder policy.Holder
		holder.Set(p)
		defer holder.Close()

		h := newHarness(t, memengine.New(), nil, WithPolicy(&holder))
		ctx := context.Background()
		require.NoError(t, h.ctl.Start(ctx))
		h.send(t, sequencer.Input("ix"))

		res, err := h.ctl.RequestQuit(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Blocked)
		assert.Len(t, res.Blocked.Buffers, 1)
	})

	t.Run("rewords the reason", func(t *testing.T) {
		p, err := policy.LoadString("reword", `
			function quit_policy(s)
				return {reason = #s.dirty .. " unsaved in " .. s.id}
			end`)
		require.NoError(t, err)
		var holder policy.Holder
		holder.Set(p)
		defer holder.Close()

		h := newHarness(t, memengine.New(), nil, WithPolicy(&holder))
		ctx := context.Background()
		require.NoError(t, h.ctl.Start(ctx))
		id := h.ctl.SessionID()
		h.send(t, sequencer.Input("ix"))

		res, err := h.ctl.RequestQuit(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Blocked)
		assert.Equal(t, "1 unsaved in "+id, res.Blocked.Reason)
	})
}

func TestController_Status(t *testing.T) {
	eng := memengine.New(memengine.WithPID(os.Getpid()))
	h := newHarness(t, eng, nil)
	ctx := context.Background()

	st := h.ctl.Status(ctx)
	assert.Equal(t, NotStarted, st.State)
	assert.Empty(t, st.SessionID)

	require.NoError(t, h.ctl.Start(ctx))
	require.NoError(t, h.tracker.Flush(ctx))

	st = h.ctl.Status(ctx)
	assert.Equal(t, Running, st.State)
	assert.Equal(t, h.ctl.SessionID(), st.SessionID)
	assert.Equal(t, os.Getpid(), st.PID)
	require.NotNil(t, st.Process)
	assert.True(t, st.Process.Alive)
	assert.Equal(t, 1, st.Buffers)
	assert.False(t, st.Dirty)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "quitting", Quitting.String())
	assert.Equal(t, "State(42)", State(42).String())

	text, err := Crashed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "crashed", string(text))
}

func TestNew_SecondControllerRejected(t *testing.T) {
	adapter := engine.NewAdapter(&quietBackend{})
	seq := sequencer.New(adapter)
	defer seq.Close(true)
	tracker := state.New()
	defer tracker.Close()

	_, err := New(adapter, seq, tracker)
	require.NoError(t, err)
	_, err = New(adapter, seq, tracker)
	assert.ErrorIs(t, err, engine.ErrHandlerAlreadyBound)
}
