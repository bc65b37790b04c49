package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDecideApprove(t *testing.T) {
	h := NewHub(time.Minute, nil)
	req := h.Enqueue("s1", "call-1", "exec", "run ls", nil)

	done := make(chan Decision, 1)
	go func() {
		d, err := h.Wait(context.Background(), req.ID)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- d
	}()

	// Let Wait register before deciding.
	time.Sleep(10 * time.Millisecond)
	if err := h.Decide(req.ID, true); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d := <-done; d != Approved {
		t.Errorf("decision = %q, want %q", d, Approved)
	}
	if len(h.Pending()) != 0 {
		t.Error("Pending() not empty after resolution")
	}
}

func TestDecideDeny(t *testing.T) {
	h := NewHub(time.Minute, nil)
	req := h.Enqueue("s1", "call-1", "exec", "run rm", nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Decide(req.ID, false)
	}()
	d, err := h.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d != Denied {
		t.Errorf("decision = %q, want %q", d, Denied)
	}
}

func TestDecideExactlyOnce(t *testing.T) {
	h := NewHub(time.Minute, nil)
	req := h.Enqueue("s1", "call-1", "exec", "x", nil)

	if err := h.Decide(req.ID, true); err != nil {
		t.Fatalf("first Decide() error = %v", err)
	}
	// A repeat decision is a no-op; the first decision stands.
	if err := h.Decide(req.ID, false); err != nil {
		t.Fatalf("second Decide() error = %v, want nil", err)
	}

	// The waiter still observes the first decision.
	d, err := h.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d != Approved {
		t.Errorf("decision = %q, want %q", d, Approved)
	}

	if err := h.Decide(req.ID, true); !errors.Is(err, ErrUnknownApproval) {
		t.Errorf("Decide() after removal error = %v, want ErrUnknownApproval", err)
	}
}

func TestDecideUnknown(t *testing.T) {
	h := NewHub(time.Minute, nil)
	if err := h.Decide("nope", true); !errors.Is(err, ErrUnknownApproval) {
		t.Fatalf("Decide() error = %v, want ErrUnknownApproval", err)
	}
}

func TestHardTimeout(t *testing.T) {
	h := NewHub(30*time.Millisecond, nil)
	req := h.Enqueue("s1", "call-1", "exec", "x", nil)

	d, err := h.Wait(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d != TimedOut {
		t.Errorf("decision = %q, want %q", d, TimedOut)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	h := NewHub(time.Minute, nil)
	req := h.Enqueue("s1", "call-1", "exec", "x", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	d, err := h.Wait(ctx, req.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d != Cancelled {
		t.Errorf("decision = %q, want %q", d, Cancelled)
	}
}

func TestCancelSession(t *testing.T) {
	h := NewHub(time.Minute, nil)
	a := h.Enqueue("s1", "call-a", "exec", "x", nil)
	b := h.Enqueue("s1", "call-b", "exec", "y", nil)
	other := h.Enqueue("s2", "call-c", "exec", "z", nil)

	results := make(chan Decision, 2)
	for _, id := range []string{a.ID, b.ID} {
		id := id
		go func() {
			d, _ := h.Wait(context.Background(), id)
			results <- d
		}()
	}
	time.Sleep(10 * time.Millisecond)

	h.CancelSession("s1")
	h.CancelSession("s1") // idempotent

	for i := 0; i < 2; i++ {
		if d := <-results; d != Cancelled {
			t.Errorf("decision = %q, want %q", d, Cancelled)
		}
	}

	pending := h.Pending()
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Errorf("Pending() = %+v, want only session s2 request", pending)
	}
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	h := NewHub(time.Minute, nil)
	first := h.Enqueue("s1", "c1", "exec", "x", nil)
	time.Sleep(2 * time.Millisecond)
	second := h.Enqueue("s1", "c2", "exec", "y", nil)

	pending := h.Pending()
	if len(pending) != 2 {
		t.Fatalf("len(Pending()) = %d, want 2", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Errorf("Pending() order = [%s %s], want [%s %s]", pending[0].ID, pending[1].ID, first.ID, second.ID)
	}
}

func TestSubscribeSignals(t *testing.T) {
	h := NewHub(time.Minute, nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Enqueue("s1", "c1", "exec", "x", nil)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal after Enqueue")
	}
}
