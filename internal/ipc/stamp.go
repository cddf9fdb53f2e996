package ipc

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stamper adds the session ID to every outbound notification as
// params.sessionId. Responses and requests pass through untouched.
//
// The last non-empty ID is remembered so that engineStopped, published
// after the session has been cleared, still names the session it ends.
type stamper struct {
	current func() string

	mu   sync.Mutex
	last string
}

func newStamper(current func() string) *stamper {
	return &stamper{current: current}
}

func (s *stamper) sessionID() string {
	id := s.current()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.last = id
	}
	return s.last
}

func (s *stamper) filter(data []byte) []byte {
	if !gjson.GetBytes(data, "method").Exists() || gjson.GetBytes(data, "id").Exists() {
		return data
	}
	id := s.sessionID()
	if id == "" {
		return data
	}
	out, err := sjson.SetBytes(data, "params.sessionId", id)
	if err != nil {
		return data
	}
	return out
}
