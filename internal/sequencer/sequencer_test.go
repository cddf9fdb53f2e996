package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/edbridge/internal/engine"
)

// fakeInvoker records requests; gate, when set, blocks each invoke.
type fakeInvoker struct {
	mu        sync.Mutex
	reqs      []engine.Request
	queries   int
	composing bool
	invokeErr error

	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeInvoker) Invoke(_ context.Context, req engine.Request) (engine.Result, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return engine.Result{Output: req.Text}, f.invokeErr
}

func (f *fakeInvoker) Query(context.Context, engine.Query) (engine.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return engine.QueryResult{Composing: f.composing}, nil
}

func (f *fakeInvoker) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.reqs...)
}

func waitAll(t *testing.T, tickets []*Ticket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tk := range tickets {
		select {
		case <-tk.Done():
		case <-ctx.Done():
			t.Fatalf("ticket %d never completed", tk.Seq)
		}
	}
}

func TestSequencer_AppliesInOrder(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv)
	defer s.Close(true)

	events := []Event{ResizeTo(120, 40), Input("i"), Input("hello"), Delete(2), Command("w")}
	var tickets []*Ticket
	for _, ev := range events {
		tk, err := s.Enqueue(ev)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		require.NoError(t, tk.Wait(context.Background()))
	}

	reqs := inv.requests()
	require.Len(t, reqs, len(events))
	for i, ev := range events {
		assert.Equal(t, ev.Request(), reqs[i])
	}
	assert.Equal(t, "hello", tickets[2].Result().Output)
}

func TestSequencer_FIFOUnderConcurrentEnqueuers(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv, WithCapacity(10000))
	defer s.Close(true)

	const producers, perProducer = 8, 200

	var (
		mu      sync.Mutex
		tickets []*Ticket
		wg      sync.WaitGroup
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				tk, err := s.Enqueue(Input(fmt.Sprintf("%d:%d", p, i)))
				if err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
				mu.Lock()
				tickets = append(tickets, tk)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	waitAll(t, tickets)

	reqs := inv.requests()
	require.Len(t, reqs, producers*perProducer)

	// Invoke order equals enqueue order.
	bySeq := make(map[uint64]string, len(tickets))
	for _, tk := range tickets {
		bySeq[tk.Seq] = tk.Event.Text
	}
	for i, req := range reqs {
		assert.Equal(t, bySeq[uint64(i+1)], req.Text, "position %d", i)
	}

	// Each producer's own events stay in order.
	last := make(map[int]int)
	for _, req := range reqs {
		var p, i int
		_, err := fmt.Sscanf(req.Text, "%d:%d", &p, &i)
		require.NoError(t, err)
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev)
		}
		last[p] = i
	}
}

func TestSequencer_Saturation(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 100)}
	s := New(inv, WithCapacity(3))
	defer s.Close(true)

	first, err := s.Enqueue(Input("0"))
	require.NoError(t, err)
	<-inv.entered // first event is in flight

	var tickets []*Ticket
	for i := 1; i <= 3; i++ {
		tk, err := s.Enqueue(Input(fmt.Sprint(i)))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	_, err = s.Enqueue(Input("overflow"))
	require.ErrorIs(t, err, ErrQueueSaturated)
	assert.Equal(t, 3, s.Pending())

	close(inv.gate)
	waitAll(t, append([]*Ticket{first}, tickets...))

	var got []string
	for _, r := range inv.requests() {
		got = append(got, r.Text)
	}
	assert.Equal(t, []string{"0", "1", "2", "3"}, got)
}

func TestSequencer_CommitWithoutComposition(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv)
	defer s.Close(true)

	tk, err := s.Enqueue(InsertMarkedText("é"))
	require.NoError(t, err)

	err = tk.Wait(context.Background())
	assert.ErrorIs(t, err, engine.ErrInvalidCompositionState)
	assert.Empty(t, inv.requests())
	assert.Equal(t, 1, inv.queries)
}

func TestSequencer_CommitAfterMarkedText(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(inv)
	defer s.Close(true)

	mk, err := s.Enqueue(MarkedText("e"))
	require.NoError(t, err)
	ins, err := s.Enqueue(InsertMarkedText("é"))
	require.NoError(t, err)
	require.NoError(t, mk.Wait(context.Background()))
	require.NoError(t, ins.Wait(context.Background()))

	assert.Len(t, inv.requests(), 2)
	assert.Zero(t, inv.queries)

	// The composition ended with the commit.
	again, err := s.Enqueue(InsertMarkedText("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, again.Wait(context.Background()), engine.ErrInvalidCompositionState)
}

func TestSequencer_CommitWithEngineComposition(t *testing.T) {
	inv := &fakeInvoker{composing: true}
	s := New(inv)
	defer s.Close(true)

	tk, err := s.Enqueue(InsertMarkedText("あ"))
	require.NoError(t, err)
	require.NoError(t, tk.Wait(context.Background()))
	assert.Len(t, inv.requests(), 1)
}

func TestSequencer_CloseDiscard(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 100)}
	s := New(inv)

	inflight, err := s.Enqueue(Input("a"))
	require.NoError(t, err)
	<-inv.entered

	queued, err := s.Enqueue(Input("b"))
	require.NoError(t, err)

	s.Close(true)
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrDiscarded)

	_, err = s.Enqueue(Input("c"))
	assert.ErrorIs(t, err, ErrClosed)

	// The in-flight invoke completes normally.
	close(inv.gate)
	assert.NoError(t, inflight.Wait(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not exit")
	}
}

func TestSequencer_CloseDrains(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 100)}
	s := New(inv)

	a, _ := s.Enqueue(Input("a"))
	<-inv.entered
	b, _ := s.Enqueue(Input("b"))

	s.Close(false)
	close(inv.gate)

	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	<-s.Done()
	assert.Len(t, inv.requests(), 2)
}

func TestSequencer_Fail(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 100)}
	s := New(inv)
	defer s.Close(true)

	_, err := s.Enqueue(Input("a"))
	require.NoError(t, err)
	<-inv.entered
	queued, err := s.Enqueue(Input("b"))
	require.NoError(t, err)

	s.Fail(engine.ErrEngineGone)
	assert.ErrorIs(t, queued.Wait(context.Background()), engine.ErrEngineGone)

	_, err = s.Enqueue(Input("c"))
	assert.ErrorIs(t, err, engine.ErrEngineGone)

	close(inv.gate)
	<-s.Done()
}

func TestSequencer_InvokeErrorPropagates(t *testing.T) {
	boom := errors.New("E492: Not an editor command")
	inv := &fakeInvoker{invokeErr: boom}
	s := New(inv)
	defer s.Close(true)

	tk, err := s.Enqueue(Command("bogus"))
	require.NoError(t, err)
	assert.ErrorIs(t, tk.Wait(context.Background()), boom)
}

func TestTicket_WaitHonoursContext(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{})}
	s := New(inv)
	defer func() {
		close(inv.gate)
		s.Close(true)
	}()

	tk, err := s.Enqueue(Input("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "MarkedTextInsert", MarkedTextInsert.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestSequencer_SyncWaitsForEarlierInput(t *testing.T) {
	inv := &fakeInvoker{gate: make(chan struct{}), entered: make(chan struct{}, 100)}
	s := New(inv, WithCapacity(1))
	defer s.Close(true)

	_, err := s.Enqueue(Input("a"))
	require.NoError(t, err)
	<-inv.entered
	_, err = s.Enqueue(Input("b"))
	require.NoError(t, err)

	synced := make(chan error, 1)
	go func() { synced <- s.Sync(context.Background()) }()

	select {
	case <-synced:
		t.Fatal("Sync returned before earlier input was applied")
	case <-time.After(20 * time.Millisecond):
	}

	close(inv.gate)
	require.NoError(t, <-synced)
	assert.Len(t, inv.requests(), 2)
}

func TestSequencer_SyncAfterFail(t *testing.T) {
	s := New(&fakeInvoker{})
	defer s.Close(true)

	s.Fail(engine.ErrEngineGone)
	assert.ErrorIs(t, s.Sync(context.Background()), engine.ErrEngineGone)
}
