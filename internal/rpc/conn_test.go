package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// connPair returns two connected peers.
func connPair(t *testing.T, aOpts, bOpts []Option) (*Conn, *Conn) {
	t.Helper()

	ar, bw := io.Pipe()
	br, aw := io.Pipe()

	closeAll := closerFunc(func() error {
		ar.Close()
		br.Close()
		aw.Close()
		bw.Close()
		return nil
	})

	a := NewConn(NewHeaderStream(ar, aw, closeAll), aOpts...)
	b := NewConn(NewHeaderStream(br, bw, closeAll), bOpts...)

	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestConn_CallRoundTrip(t *testing.T) {
	client, server := connPair(t, nil, nil)

	server.Handle("math/add", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct{ A, B int }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, err.Error(), nil)
		}
		return p.A + p.B, nil
	})

	var sum int
	err := client.Call(context.Background(), "math/add", map[string]int{"A": 2, "B": 3}, &sum)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)
}

func TestConn_NilResultIsNull(t *testing.T) {
	client, server := connPair(t, nil, nil)

	server.Handle("noop", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	var out any = "unchanged"
	require.NoError(t, client.Call(context.Background(), "noop", nil, &out))
	assert.Nil(t, out)
}

func TestConn_MethodNotFound(t *testing.T) {
	client, _ := connPair(t, nil, nil)

	err := client.Call(context.Background(), "missing", nil, nil)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeMethodNotFound, rerr.Code)
}

func TestConn_ErrorMapper(t *testing.T) {
	errBusy := errors.New("busy")
	mapper := func(err error) *Error {
		if errors.Is(err, errBusy) {
			return NewError(-32010, err.Error(), map[string]string{"kind": "busy"})
		}
		return nil
	}

	client, server := connPair(t, nil, []Option{WithErrorMapper(mapper)})

	server.Handle("work", func(context.Context, json.RawMessage) (any, error) {
		return nil, errBusy
	})
	server.Handle("other", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	var rerr *Error
	err := client.Call(context.Background(), "work", nil, nil)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -32010, rerr.Code)
	assert.Equal(t, map[string]any{"kind": "busy"}, rerr.Data)

	err = client.Call(context.Background(), "other", nil, nil)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeInternalError, rerr.Code)
	assert.Equal(t, "boom", rerr.Message)
}

func TestConn_NotificationsInOrder(t *testing.T) {
	sender, receiver := connPair(t, nil, nil)

	const n = 200
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	receiver.OnNotification("tick", func(_ string, params json.RawMessage) {
		var v int
		_ = json.Unmarshal(params, &v)
		mu.Lock()
		got = append(got, v)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		require.NoError(t, sender.Notify(context.Background(), "tick", i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}

	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestConn_WildcardNotification(t *testing.T) {
	sender, receiver := connPair(t, nil, nil)

	got := make(chan string, 1)
	receiver.OnNotification("*", func(method string, _ json.RawMessage) {
		got <- method
	})

	require.NoError(t, sender.Notify(context.Background(), "anything", nil))

	select {
	case m := <-got:
		assert.Equal(t, "anything", m)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard handler not called")
	}
}

func TestConn_DeferredKeepsHandlerOrder(t *testing.T) {
	client, server := connPair(t, nil, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	release := make(chan struct{})

	server.Handle("slow", func(context.Context, json.RawMessage) (any, error) {
		mu.Lock()
		order = append(order, "slow")
		mu.Unlock()
		return Deferred(func(ctx context.Context) (any, error) {
			select {
			case <-release:
				return "slow-done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil
	})
	server.Handle("fast", func(context.Context, json.RawMessage) (any, error) {
		mu.Lock()
		order = append(order, "fast")
		mu.Unlock()
		return "fast-done", nil
	})

	slowResult := make(chan string, 1)
	go func() {
		var s string
		_ = client.Call(context.Background(), "slow", nil, &s)
		slowResult <- s
	}()

	// Let the slow request reach the server first.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var fast string
	require.NoError(t, client.Call(context.Background(), "fast", nil, &fast))
	assert.Equal(t, "fast-done", fast)

	close(release)
	select {
	case s := <-slowResult:
		assert.Equal(t, "slow-done", s)
	case <-time.After(2 * time.Second):
		t.Fatal("deferred reply never arrived")
	}

	mu.Lock()
	assert.Equal(t, []string{"slow", "fast"}, order)
	mu.Unlock()
}

func TestConn_ClosePendingCall(t *testing.T) {
	client, server := connPair(t, nil, nil)

	server.Handle("hang", func(context.Context, json.RawMessage) (any, error) {
		return Deferred(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), "hang", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Close")
	}

	assert.ErrorIs(t, client.Call(context.Background(), "hang", nil, nil), ErrClosed)
	assert.ErrorIs(t, client.Notify(context.Background(), "x", nil), ErrClosed)
	assert.True(t, client.IsClosed())
}

func TestConn_OutboundFilter(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	filter := func(b []byte) []byte {
		mu.Lock()
		seen = append(seen, string(b))
		mu.Unlock()
		return b
	}

	sender, receiver := connPair(t, []Option{WithOutboundFilter(filter)}, nil)
	got := make(chan struct{}, 1)
	receiver.OnNotification("ping", func(string, json.RawMessage) { got <- struct{}{} })

	require.NoError(t, sender.Notify(context.Background(), "ping", nil))
	<-got

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, seen[0])
}

func TestConn_EOFEndsCleanly(t *testing.T) {
	stream := NewHeaderStream(strings.NewReader(""), io.Discard, nil)
	c := NewConn(stream)
	c.Start(context.Background())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end on EOF")
	}
	assert.NoError(t, c.Err())
}

func TestHeaderStream_Read(t *testing.T) {
	input := "Content-Length: 2\r\nContent-Type: application/json\r\n\r\n{}" +
		"X-Junk: 1\r\n\r\n" +
		"\r\ncontent-length: 7\r\n\r\n[1,2,3]"

	s := NewHeaderStream(strings.NewReader(input), io.Discard, nil)

	body, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))

	_, err = s.Read()
	var ferr *FrameError
	require.ErrorAs(t, err, &ferr)

	body, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", string(body))

	_, err = s.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderStream_Write(t *testing.T) {
	var buf bytes.Buffer
	s := NewHeaderStream(strings.NewReader(""), &buf, nil)

	require.NoError(t, s.Write([]byte(`{"a":1}`)))
	assert.Equal(t, "Content-Length: 7\r\n\r\n{\"a\":1}", buf.String())
}

func TestConn_MalformedJSONGetsParseError(t *testing.T) {
	var out bytes.Buffer
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return out.Write(p)
	})

	in := "Content-Length: 5\r\n\r\n{nope"
	c := NewConn(NewHeaderStream(strings.NewReader(in), w, nil))
	c.Start(context.Background())
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, out.String(), `"code":-32700`)
	assert.Contains(t, out.String(), `"id":null`)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
