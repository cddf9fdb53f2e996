package ipc

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dshills/edbridge/internal/notify"
	"github.com/dshills/edbridge/internal/rpc"
)

// TokenHeader carries the access token for clients that cannot set an
// Authorization header.
const TokenHeader = "X-Edbridge-Token"

// WSOptions configures the WebSocket transport.
type WSOptions struct {
	// Token, when set, must accompany every connection as a bearer token,
	// the X-Edbridge-Token header or the token query parameter.
	Token string

	// AllowedOrigins lists browser origins permitted to connect. When
	// empty only same-host and loopback origins are accepted.
	AllowedOrigins []string

	// MaxClients bounds concurrent connections. Zero means unlimited.
	MaxClients int

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

type wsClient struct {
	id     string
	stream *wsStream
	conn   *rpc.Conn
	logger *slog.Logger
}

// WSHandler serves the bridge over WebSocket. Every connected client may
// call any method and receives every event.
type WSHandler struct {
	srv            *Server
	opts           WSOptions
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	sub     *notify.Subscription
	stopSub *notify.Subscription

	stopped     chan struct{}
	stoppedOnce sync.Once
}

// WebSocket returns an http.Handler serving the bridge over WebSocket.
func (s *Server) WebSocket(opts WSOptions) *WSHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WSHandler{
		srv:            s,
		opts:           opts,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*wsClient]struct{}),
		stopped:        make(chan struct{}),
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	h.sub = s.bridge.Subscribe(h.broadcast)
	h.stopSub = s.bridge.SubscribeKind(notify.EngineStopped, func(notify.Event) {
		h.stoppedOnce.Do(func() { close(h.stopped) })
	})
	return h
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.admit() {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	logger := h.srv.logger.With("transport", "websocket", "client", id)
	c := &wsClient{
		id:     id,
		stream: newWSStream(ws, h.opts.SendBuffer, h.opts.WriteTimeout, logger),
		logger: logger,
	}
	c.conn = h.srv.newConn(c.stream, logger)

	if !h.add(c) {
		_ = c.conn.Close()
		return
	}
	logger.Info("client connected", "remote", r.RemoteAddr)

	c.conn.Start(h.ctx)
	go func() {
		<-c.conn.Done()
		h.remove(c)
		logger.Info("client disconnected", "error", c.conn.Err())
	}()
}

// ClientCount returns the number of connected clients.
func (h *WSHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client after flushing pending replies and
// events, waiting at most the server's drain timeout.
func (h *WSHandler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	select {
	case <-h.srv.bridge.Done():
		if !waitFor(h.stopped, h.srv.drain) {
			h.srv.logger.Warn("engineStopped not delivered before close")
		}
	default:
	}
	h.sub.Unsubscribe()
	h.stopSub.Unsubscribe()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitFor(drained(c.conn), h.srv.drain)
			_ = c.conn.Close()
			waitFor(c.stream.Flushed(), h.srv.drain)
		}()
	}
	wg.Wait()
	h.cancel()
	return nil
}

// broadcast forwards ev to every client. A client whose queue is full is
// disconnected by its stream.
func (h *WSHandler) broadcast(ev notify.Event) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		forward(h.ctx, c.conn, ev, c.logger)
	}
}

func (h *WSHandler) admit() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	return h.opts.MaxClients <= 0 || len(h.clients) < h.opts.MaxClients
}

func (h *WSHandler) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || (h.opts.MaxClients > 0 && len(h.clients) >= h.opts.MaxClients) {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *WSHandler) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *WSHandler) authorize(r *http.Request) bool {
	if h.opts.Token == "" {
		return true
	}
	candidates := []string{
		r.URL.Query().Get("token"),
		r.Header.Get(TokenHeader),
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(auth, "Bearer "))
	}
	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(h.opts.Token)) == 1 {
			return true
		}
	}
	return false
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(h.allowedOrigins) > 0 {
		return h.allowedOrigins[origin] || h.allowedHosts[parsed.Host]
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
