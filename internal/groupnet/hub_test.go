package groupnet

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHub_AwaitThenResolve(t *testing.T) {
	hub := NewHub()

	type result struct {
		outcome JoinOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := hub.Await(context.Background(), "req-1")
		done <- result{outcome, err}
	}()

	deadline := time.After(2 * time.Second)
	for !hub.Pending("req-1") {
		select {
		case <-deadline:
			t.Fatal("waiter never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if !hub.Resolve("req-1", JoinOutcome{Result: JoinAccepted}) {
		t.Fatal("Resolve() = false for a pending request")
	}

	r := <-done
	if r.err != nil || r.outcome.Result != JoinAccepted {
		t.Fatalf("Await() = %+v, %v", r.outcome, r.err)
	}

	if hub.Resolve("req-1", JoinOutcome{Result: JoinRejected}) {
		t.Fatal("Resolve() must report false for an already resolved request")
	}
}

func TestHub_AwaitHonorsContext(t *testing.T) {
	hub := NewHub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := hub.Await(ctx, "req-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error = %v, want DeadlineExceeded", err)
	}
	if hub.Pending("req-1") {
		t.Fatal("waiter must be unregistered after the context ends")
	}
}

func TestHub_ResolveUnknownRequest(t *testing.T) {
	hub := NewHub()
	if hub.Resolve("nope", JoinOutcome{Result: JoinAccepted}) {
		t.Fatal("Resolve() must report false for an unknown request")
	}
}
