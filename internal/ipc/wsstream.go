package ipc

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/edbridge/internal/rpc"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 1 << 20
)

// ErrSlowConsumer is returned by a write to a peer whose send buffer is
// full. The peer is disconnected.
var ErrSlowConsumer = errors.New("peer too slow; disconnected")

// wsStream adapts a WebSocket connection to rpc.Stream. One JSON-RPC
// message travels per text frame. Writes are queued and written by a
// single pump goroutine, which is the connection's only writer.
type wsStream struct {
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	pumped   chan struct{}
}

func newWSStream(ws *websocket.Conn, sendBuffer int, writeTimeout time.Duration, logger *slog.Logger) *wsStream {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &wsStream{
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		logger:       logger,
		quit:         make(chan struct{}),
		pumped:       make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()
	return s
}

// Read returns the next text frame. Binary frames are reported as
// malformed and skipped.
func (s *wsStream) Read() ([]byte, error) {
	mt, data, err := s.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		select {
		case <-s.quit:
			// Closed locally.
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, &rpc.FrameError{Reason: "binary frame"}
	}
	return data, nil
}

// Write queues data without blocking. A full queue disconnects the peer.
func (s *wsStream) Write(data []byte) error {
	select {
	case <-s.quit:
		return rpc.ErrClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("send buffer full; disconnecting peer", "buffer", cap(s.send))
		s.abort()
		return ErrSlowConsumer
	}
}

// Close stops accepting writes. Queued frames are flushed before the
// close handshake.
func (s *wsStream) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	return nil
}

// abort drops the connection without flushing.
func (s *wsStream) abort() {
	s.quitOnce.Do(func() { close(s.quit) })
	_ = s.ws.Close()
}

// Flushed is closed once the pump has exited and the socket is closed.
func (s *wsStream) Flushed() <-chan struct{} {
	return s.pumped
}

func (s *wsStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
		close(s.pumped)
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.quit:
			for {
				select {
				case msg := <-s.send:
					if err := s.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = s.write(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *wsStream) write(mt int, data []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(mt, data)
}
