// Package rpc implements a bidirectional JSON-RPC 2.0 peer.
//
// A Conn both issues requests to and serves requests from the remote side.
// Inbound messages are dispatched on the read goroutine strictly in receipt
// order: notification handlers and request handlers run inline, so a handler
// must not block. A request handler that needs to wait for work it has
// already scheduled returns a Deferred, which is completed on its own
// goroutine while the read loop moves on.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Handler serves one inbound request.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Deferred may be returned as a Handler result. The reply is sent once it
// returns. The Handler has already run in order; only the wait is deferred.
type Deferred func(ctx context.Context) (any, error)

// NotificationHandler handles an inbound notification.
type NotificationHandler func(method string, params json.RawMessage)

// request is an outbound request or notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// response is an outbound response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// reply is an inbound response routed to a waiting Call.
type reply struct {
	result json.RawMessage
	err    *Error
}

var nullJSON = json.RawMessage("null")

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithErrorMapper sets the function translating handler errors into wire
// errors. Errors that already are *Error bypass it.
func WithErrorMapper(fn func(error) *Error) Option {
	return func(c *Conn) { c.mapErr = fn }
}

// WithOutboundFilter installs a function applied to every encoded message
// before it is written.
func WithOutboundFilter(fn func([]byte) []byte) Option {
	return func(c *Conn) { c.filter = fn }
}

// Conn is a JSON-RPC 2.0 peer over a Stream.
type Conn struct {
	stream Stream
	logger *slog.Logger
	mapErr func(error) *Error
	filter func([]byte) []byte

	mu            sync.Mutex
	nextID        atomic.Int64
	pending       map[int64]chan reply
	handlers      map[string]Handler
	notifHandlers map[string]NotificationHandler

	cancel   context.CancelFunc
	deferred sync.WaitGroup

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewConn creates a connection over s. Call Start to begin reading.
func NewConn(s Stream, opts ...Option) *Conn {
	c := &Conn{
		stream:        s,
		logger:        slog.New(slog.DiscardHandler),
		pending:       make(map[int64]chan reply),
		handlers:      make(map[string]Handler),
		notifHandlers: make(map[string]NotificationHandler),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers the handler for an inbound request method.
func (c *Conn) Handle(method string, h Handler) {
	c.mu.Lock()
	c.handlers[method] = h
	c.mu.Unlock()
}

// OnNotification registers a handler for an inbound notification method.
// The method "*" matches any notification without a specific handler.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	c.notifHandlers[method] = h
	c.mu.Unlock()
}

// Start begins reading messages. It returns immediately.
func (c *Conn) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.readLoop(ctx)
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection. A clean end of stream
// or an explicit Close yields nil.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// Wait blocks until every Deferred reply has been sent or dropped.
func (c *Conn) Wait() {
	c.deferred.Wait()
}

func (c *Conn) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.err = cause

		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		// Waiters observe done; channels are not closed to avoid racing
		// with handleResponse.
		c.pending = make(map[int64]chan reply)
		c.mu.Unlock()

		close(c.done)
		err = c.stream.Close()
	})
	return err
}

// Call sends a request and waits for its response. result may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case rep := <-ch:
		if rep.err != nil {
			return rep.err
		}
		if result != nil && len(rep.result) > 0 {
			if err := json.Unmarshal(rep.result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(&request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if c.filter != nil {
		data = c.filter(data)
	}
	return c.stream.Write(data)
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		data, err := c.stream.Read()
		if err != nil {
			var ferr *FrameError
			if errors.As(err, &ferr) {
				c.logger.Warn("dropping malformed frame", "reason", ferr.Reason)
				continue
			}
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			_ = c.shutdown(err)
			return
		}

		c.dispatch(ctx, data)

		if c.closed.Load() {
			return
		}
	}
}

// dispatch routes a message by shape: method+id is a request, method alone
// a notification, id with result or error a response.
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Warn("dropping invalid JSON message", "size", len(data))
		c.writeResponse(nullJSON, nil, NewError(CodeParseError, "parse error", nil))
		return
	}

	msg := gjson.ParseBytes(data)
	id := msg.Get("id")
	method := msg.Get("method")
	params := rawOf(msg.Get("params"))

	switch {
	case method.Exists() && id.Exists():
		c.handleRequest(ctx, json.RawMessage(id.Raw), method.String(), params)
	case method.Exists():
		c.handleNotification(method.String(), params)
	case id.Exists() && (msg.Get("result").Exists() || msg.Get("error").Exists()):
		c.handleResponse(id, msg)
	default:
		c.writeResponse(nullJSON, nil, NewError(CodeInvalidRequest, "invalid request", nil))
	}
}

func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func (c *Conn) handleResponse(id gjson.Result, msg gjson.Result) {
	if c.closed.Load() {
		return
	}
	if id.Type != gjson.Number {
		c.logger.Warn("response with unknown id", "id", id.Raw)
		return
	}
	key := id.Int()

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for abandoned call", "id", key)
		return
	}

	var rep reply
	if e := msg.Get("error"); e.Exists() && e.Type != gjson.Null {
		rep.err = &Error{}
		if err := json.Unmarshal([]byte(e.Raw), rep.err); err != nil {
			rep.err = NewError(CodeInternalError, "malformed error object", e.Raw)
		}
	} else {
		rep.result = rawOf(msg.Get("result"))
	}

	select {
	case ch <- rep:
	default:
	}
}

func (c *Conn) handleNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	h, ok := c.notifHandlers[method]
	if !ok {
		h, ok = c.notifHandlers["*"]
	}
	c.mu.Unlock()

	if ok && h != nil {
		h(method, params)
	}
}

func (c *Conn) handleRequest(ctx context.Context, id json.RawMessage, method string, params json.RawMessage) {
	c.mu.Lock()
	h, ok := c.handlers[method]
	c.mu.Unlock()

	if !ok {
		c.writeResponse(id, nil, NewError(CodeMethodNotFound, "method not found: "+method, nil))
		return
	}

	res, err := h(ctx, params)
	if d, isDeferred := res.(Deferred); isDeferred && err == nil {
		c.deferred.Add(1)
		go func() {
			defer c.deferred.Done()
			res, err := d(ctx)
			c.reply(id, res, err)
		}()
		return
	}
	c.reply(id, res, err)
}

func (c *Conn) reply(id json.RawMessage, res any, err error) {
	if err != nil {
		c.writeResponse(id, nil, c.wireError(err))
		return
	}
	if res == nil {
		res = nullJSON
	}
	c.writeResponse(id, res, nil)
}

func (c *Conn) wireError(err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if c.mapErr != nil {
		if mapped := c.mapErr(err); mapped != nil {
			return mapped
		}
	}
	return toError(err)
}

func (c *Conn) writeResponse(id json.RawMessage, res any, rerr *Error) {
	if c.closed.Load() {
		return
	}
	if err := c.send(&response{JSONRPC: "2.0", ID: id, Result: res, Error: rerr}); err != nil {
		c.logger.Warn("write response failed", "error", err)
	}
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
