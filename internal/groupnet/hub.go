package groupnet

import (
	"context"
	"sync"
)

// Hub is the rendezvous between a join workflow awaiting a decision and the
// handler where the conversation creator accepts or rejects the request.
// One waiter per request id; resolving an unknown or already resolved
// request reports false.
type Hub struct {
	mu      sync.Mutex
	waiters map[string]chan JoinOutcome
}

func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan JoinOutcome)}
}

// Await blocks until the request is resolved or ctx ends.
func (h *Hub) Await(ctx context.Context, requestID string) (JoinOutcome, error) {
	ch := make(chan JoinOutcome, 1)

	h.mu.Lock()
	h.waiters[requestID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.waiters[requestID] == ch {
			delete(h.waiters, requestID)
		}
		h.mu.Unlock()
	}()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return JoinOutcome{}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request. Returns false when
// nobody is awaiting it (already resolved, timed out, or unknown).
func (h *Hub) Resolve(requestID string, outcome JoinOutcome) bool {
	h.mu.Lock()
	ch, ok := h.waiters[requestID]
	if ok {
		delete(h.waiters, requestID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	ch <- outcome
	return true
}

// Pending reports whether a waiter is registered for the request.
func (h *Hub) Pending(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.waiters[requestID]
	return ok
}
