package policy

import (
	"context"
	"sync"
)

// Holder holds the active policy and lets it be replaced at runtime.
// A Holder with no policy has no opinion.
type Holder struct {
	mu     sync.RWMutex
	active *Policy
}

// Set installs p, closing the previous policy. p may be nil.
func (h *Holder) Set(p *Policy) {
	h.mu.Lock()
	old := h.active
	h.active = p
	h.mu.Unlock()

	if old != nil && old != p {
		old.Close()
	}
}

// Active returns the installed policy, or nil.
func (h *Holder) Active() *Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Evaluate runs the installed policy.
func (h *Holder) Evaluate(ctx context.Context, in Input) (Decision, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.active == nil {
		return Decision{}, nil
	}
	return h.active.Evaluate(ctx, in)
}

// Close closes the installed policy.
func (h *Holder) Close() {
	h.Set(nil)
}
