package state

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/notify"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

func newTracker(t *testing.T) (*Tracker, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	tr := New(WithPublisher(pub), WithInbox(8))
	t.Cleanup(tr.Close)
	return tr, pub
}

func flush(t *testing.T, tr *Tracker) {
	t.Helper()
	require.NoError(t, tr.Flush(context.Background()))
}

func opened(id int, name string) engine.Notification {
	return engine.Notification{Kind: engine.BufferOpened, Buffer: engine.BufferInfo{ID: id, Name: name}}
}

func dirty(id int, d bool) engine.Notification {
	return engine.Notification{Kind: engine.DirtyChanged, Buffer: engine.BufferInfo{ID: id, Dirty: d}}
}

func TestTracker_DirtyFlagVisibleAfterFlush(t *testing.T) {
	tr, _ := newTracker(t)

	tr.OnNotification(opened(1, "a.txt"))
	tr.OnNotification(dirty(1, true))
	flush(t, tr)
	assert.True(t, tr.HasDirtyDocs())

	tr.OnNotification(dirty(1, false))
	flush(t, tr)
	assert.False(t, tr.HasDirtyDocs())
}

func TestTracker_PublishesOnlyOnChange(t *testing.T) {
	tr, pub := newTracker(t)

	tr.OnNotification(opened(1, "a.txt"))
	tr.OnNotification(dirty(1, true))
	tr.OnNotification(dirty(1, true))
	tr.OnNotification(dirty(1, false))
	tr.OnNotification(dirty(1, false))
	flush(t, tr)

	assert.Equal(t, []notify.Kind{notify.BufferOpened, notify.DirtyChanged, notify.DirtyChanged}, pub.kinds())
}

func TestTracker_OpenCloseAndEscaping(t *testing.T) {
	tr, pub := newTracker(t)

	tr.OnNotification(opened(2, "b\x00.txt"))
	tr.OnNotification(opened(1, "a.txt"))
	flush(t, tr)

	snap := tr.ListBuffers()
	require.Equal(t, 2, snap.Len())
	got := snap.Slice()
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 2, got[1].ID)
	assert.Equal(t, "b␀.txt", got[1].DisplayName)
	assert.Equal(t, "b\x00.txt", got[1].Name)

	tr.OnNotification(engine.Notification{Kind: engine.BufferClosed, Buffer: engine.BufferInfo{ID: 2}})
	tr.OnNotification(engine.Notification{Kind: engine.BufferClosed, Buffer: engine.BufferInfo{ID: 99}})
	flush(t, tr)

	assert.Equal(t, 1, tr.ListBuffers().Len())
	assert.Equal(t, notify.BufferClosed, pub.kinds()[2])
	assert.Len(t, pub.kinds(), 3)

	// The earlier snapshot is unaffected.
	assert.Equal(t, 2, snap.Len())
}

func TestTracker_ClosingDirtyBufferClearsDirtySet(t *testing.T) {
	tr, _ := newTracker(t)

	tr.OnNotification(opened(1, "a"))
	tr.OnNotification(dirty(1, true))
	tr.OnNotification(engine.Notification{Kind: engine.BufferClosed, Buffer: engine.BufferInfo{ID: 1}})
	flush(t, tr)

	assert.False(t, tr.HasDirtyDocs())
}

func TestTracker_DirtyForUnknownBufferOpensIt(t *testing.T) {
	tr, pub := newTracker(t)

	tr.OnNotification(dirty(5, true))
	flush(t, tr)

	assert.True(t, tr.HasDirtyDocs())
	assert.Equal(t, []notify.Kind{notify.BufferOpened, notify.DirtyChanged}, pub.kinds())
}

func TestTracker_CurrentBuffer(t *testing.T) {
	tr, pub := newTracker(t)

	_, ok := tr.CurrentBuffer()
	assert.False(t, ok)

	tr.OnNotification(opened(1, "a"))
	tr.OnNotification(opened(2, "b"))
	tr.OnNotification(engine.Notification{Kind: engine.CurrentChanged, Buffer: engine.BufferInfo{ID: 2}})
	flush(t, tr)

	cur, ok := tr.CurrentBuffer()
	require.True(t, ok)
	assert.Equal(t, "b", cur.Name)
	assert.True(t, cur.Current)
	assert.Contains(t, pub.kinds(), notify.CurrentChanged)

	tr.OnNotification(engine.Notification{Kind: engine.BufferClosed, Buffer: engine.BufferInfo{ID: 2}})
	flush(t, tr)
	_, ok = tr.CurrentBuffer()
	assert.False(t, ok)
}

func TestTracker_Reconcile(t *testing.T) {
	tr, pub := newTracker(t)

	tr.OnNotification(opened(1, "a"))
	tr.OnNotification(opened(2, "b"))
	flush(t, tr)
	pub.reset()

	tr.Reconcile([]engine.BufferInfo{
		{ID: 3, Name: "c", Dirty: true, Current: true},
		{ID: 1, Name: "a", Dirty: true},
	})
	flush(t, tr)

	assert.True(t, tr.HasDirtyDocs())
	var ids []int
	for b := range tr.ListBuffers().All() {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []int{1, 3}, ids)

	kinds := pub.kinds()
	assert.Equal(t, []notify.Kind{
		notify.DirtyChanged,   // 1 became dirty
		notify.BufferOpened,   // 3
		notify.DirtyChanged,   // 3 dirty on arrival
		notify.BufferClosed,   // 2
		notify.CurrentChanged, // 3
	}, kinds)

	pub.reset()
	tr.Reconcile([]engine.BufferInfo{{ID: 1, Name: "a", Dirty: true}, {ID: 3, Name: "c", Dirty: true, Current: true}})
	flush(t, tr)
	assert.Empty(t, pub.kinds())
}

func TestTracker_OrderUnderLoad(t *testing.T) {
	tr, pub := newTracker(t)

	tr.OnNotification(opened(1, "a"))
	for i := 0; i < 500; i++ {
		tr.OnNotification(dirty(1, i%2 == 0))
	}
	flush(t, tr)

	kinds := pub.kinds()
	require.Len(t, kinds, 501)
	assert.False(t, tr.HasDirtyDocs())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i, ev := range pub.events[1:] {
		assert.Equal(t, i%2 == 0, ev.Buffer.Dirty, "event %d", i)
	}
}

func TestSnapshot_AllIsRestartable(t *testing.T) {
	tr, _ := newTracker(t)
	tr.OnNotification(opened(1, "a"))
	tr.OnNotification(opened(2, "b"))
	tr.OnNotification(dirty(2, true))
	flush(t, tr)

	snap := tr.ListBuffers()
	first := slices.Collect(snap.All())
	second := slices.Collect(snap.All())
	assert.Equal(t, first, second)

	dirtyBufs := slices.Collect(snap.Dirty())
	require.Len(t, dirtyBufs, 1)
	assert.Equal(t, 2, dirtyBufs[0].ID)

	// Early exit.
	for b := range snap.All() {
		assert.Equal(t, 1, b.ID)
		break
	}

	_, ok := snap.Lookup(7)
	assert.False(t, ok)
}

func TestTracker_FlushAfterClose(t *testing.T) {
	tr := New()
	tr.OnNotification(opened(1, "a"))
	tr.Close()

	assert.ErrorIs(t, tr.Flush(context.Background()), ErrClosed)
	assert.Equal(t, 1, tr.ListBuffers().Len())

	// No-ops once closed.
	tr.OnNotification(opened(2, "b"))
	tr.Close()
}

// viewCheckingPublisher records what the tracker reports while each event
// is being published.
type viewCheckingPublisher struct {
	tr       *Tracker
	mu       sync.Mutex
	dirtyNow []bool
	lens     []int
}

func (p *viewCheckingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lens = append(p.lens, p.tr.ListBuffers().Len())
	if ev.Kind == notify.DirtyChanged {
		p.dirtyNow = append(p.dirtyNow, p.tr.HasDirtyDocs())
	}
}

func TestTracker_EventsFollowTheirView(t *testing.T) {
	pub := &viewCheckingPublisher{}
	tr := New(WithPublisher(pub))
	pub.tr = tr
	t.Cleanup(tr.Close)

	tr.OnNotification(dirty(4, true))
	tr.OnNotification(dirty(4, false))
	tr.Reconcile([]engine.BufferInfo{{ID: 4, Name: "x", Dirty: true}, {ID: 5, Name: "y"}})
	flush(t, tr)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, pub.dirtyNow)
	assert.Equal(t, []int{1, 1, 1, 2, 2}, pub.lens)
}
