package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dshills/edbridge/internal/logging"
	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/rpc"
)

// Event is a bridge event as received by a client.
type Event struct {
	Kind      notify.Kind     `json:"-"`
	SessionID string          `json:"sessionId"`
	Buffer    *notify.Buffer  `json:"buffer,omitempty"`
	Buffers   []notify.Buffer `json:"buffers,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the access token sent when dialling.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithEventHandler sets the function receiving events. It runs on the
// connection's read goroutine and must not block.
func WithEventHandler(fn func(Event)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client calls a bridge server.
type Client struct {
	conn    *rpc.Conn
	token   string
	onEvent func(Event)
	logger  *slog.Logger
}

func newClient(opts []ClientOption) *Client {
	c := &Client{logger: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient returns a started client over an established stream.
func NewClient(ctx context.Context, s rpc.Stream, opts ...ClientOption) *Client {
	c := newClient(opts)
	c.attach(ctx, s)
	return c
}

// Dial connects to a WebSocket server at url ("ws://host:port/rpc").
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := newClient(opts)

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c.attach(ctx, newWSStream(ws, 0, 0, c.logger))
	return c, nil
}

func (c *Client) attach(ctx context.Context, s rpc.Stream) {
	c.conn = rpc.NewConn(s, rpc.WithLogger(c.logger))
	c.conn.OnNotification("*", func(method string, params json.RawMessage) {
		if c.onEvent == nil {
			return
		}
		ev := Event{Kind: notify.Kind(method)}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &ev); err != nil {
				c.logger.Warn("malformed event", "event", method, "error", err)
				return
			}
		}
		c.onEvent(ev)
	})
	c.conn.Start(ctx)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close disconnects.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start starts the engine session and returns its status.
func (c *Client) Start(ctx context.Context) (StatusView, error) {
	var st StatusView
	err := c.conn.Call(ctx, MethodStart, nil, &st)
	return st, err
}

// Command runs an ex command line.
func (c *Client) Command(ctx context.Context, text string) (Ack, error) {
	return c.ack(ctx, MethodCommand, TextParams{Text: &text})
}

// Input sends keys in Vim key notation.
func (c *Client) Input(ctx context.Context, keys string) (Ack, error) {
	return c.ack(ctx, MethodInput, TextParams{Text: &keys})
}

// Delete deletes count characters before the cursor.
func (c *Client) Delete(ctx context.Context, count int) (Ack, error) {
	return c.ack(ctx, MethodDelete, DeleteParams{Count: &count})
}

// Resize changes the UI grid size.
func (c *Client) Resize(ctx context.Context, width, height int) (Ack, error) {
	return c.ack(ctx, MethodResize, ResizeParams{Width: &width, Height: &height})
}

// InputMarkedText updates the IME composition.
func (c *Client) InputMarkedText(ctx context.Context, text string) (Ack, error) {
	return c.ack(ctx, MethodInputMarkedText, TextParams{Text: &text})
}

// InsertMarkedText commits the IME composition.
func (c *Client) InsertMarkedText(ctx context.Context, text string) (Ack, error) {
	return c.ack(ctx, MethodInsertMarkedText, TextParams{Text: &text})
}

// NewTab opens an empty buffer in a new tab.
func (c *Client) NewTab(ctx context.Context) (Ack, error) {
	return c.ack(ctx, MethodNewTab, nil)
}

// Open opens each path in a new tab.
func (c *Client) Open(ctx context.Context, paths ...string) (OpenResult, error) {
	var res OpenResult
	err := c.conn.Call(ctx, MethodOpen, OpenParams{Paths: paths}, &res)
	return res, err
}

// CloseCurrent closes the current tab.
func (c *Client) CloseCurrent(ctx context.Context, force bool) (Ack, error) {
	return c.ack(ctx, MethodCloseCurrent, CloseParams{Force: force})
}

// HasDirtyDocs reports whether any buffer has unsaved changes.
func (c *Client) HasDirtyDocs(ctx context.Context) (bool, error) {
	var dirty bool
	err := c.conn.Call(ctx, MethodHasDirtyDocs, nil, &dirty)
	return dirty, err
}

// CurrentBufferDirty reports whether the current buffer has unsaved
// changes.
func (c *Client) CurrentBufferDirty(ctx context.Context) (bool, error) {
	var dirty bool
	err := c.conn.Call(ctx, MethodCurrentBufferDirty, nil, &dirty)
	return dirty, err
}

// EscapedFilename returns raw in a form safe to display.
func (c *Client) EscapedFilename(ctx context.Context, raw string) (string, error) {
	var out string
	err := c.conn.Call(ctx, MethodEscapedFilename, RawParams{Raw: &raw}, &out)
	return out, err
}

// Buffers lists the session's buffers.
func (c *Client) Buffers(ctx context.Context) ([]BufferView, error) {
	var res BuffersResult
	if err := c.conn.Call(ctx, MethodBuffers, nil, &res); err != nil {
		return nil, err
	}
	return res.Buffers, nil
}

// Quit ends the session unless buffers have unsaved changes.
func (c *Client) Quit(ctx context.Context) (QuitReply, error) {
	var res QuitReply
	err := c.conn.Call(ctx, MethodQuit, nil, &res)
	return res, err
}

// ForceQuit ends the session regardless of unsaved changes.
func (c *Client) ForceQuit(ctx context.Context) error {
	return c.conn.Call(ctx, MethodForceQuit, nil, nil)
}

// Status reports on the session.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var st StatusView
	err := c.conn.Call(ctx, MethodStatus, nil, &st)
	return st, err
}

func (c *Client) ack(ctx context.Context, method string, params any) (Ack, error) {
	var a Ack
	err := c.conn.Call(ctx, method, params, &a)
	return a, err
}
