package trust

import (
	"errors"
	"testing"
	"time"
)

func TestPendingGateDecideResolvesAwait(t *testing.T) {
	g := NewPendingGate(5 * time.Second)

	resultCh := make(chan Decision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := g.Await("carol", "carol-desktop", "10.0.0.5:1234")
		resultCh <- d
		errCh <- err
	}()

	// Give Await a moment to register before deciding.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if list := g.List(); len(list) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := g.Decide("carol", DecisionTrust); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d := <-resultCh; d != DecisionTrust {
		t.Fatalf("Await returned %v, want DecisionTrust", d)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if len(g.List()) != 0 {
		t.Fatalf("pending request should be cleared after resolution")
	}
}

func TestPendingGateAwaitTimesOut(t *testing.T) {
	g := NewPendingGate(10 * time.Millisecond)
	_, err := g.Await("dave", "dave-phone", "10.0.0.6:1234")
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestPendingGateDecideUnknownIdentity(t *testing.T) {
	g := NewPendingGate(time.Second)
	if err := g.Decide("ghost", DecisionAllowOnce); !errors.Is(err, ErrUnknownPending) {
		t.Fatalf("Decide(unknown) = %v, want ErrUnknownPending", err)
	}
}

func TestPendingGateDecideTwiceFails(t *testing.T) {
	g := NewPendingGate(5 * time.Second)
	go g.Await("erin", "erin-tablet", "10.0.0.7:1234")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(g.List()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := g.Decide("erin", DecisionAllowOnce); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	if err := g.Decide("erin", DecisionDeny); err == nil {
		t.Fatalf("expected second Decide for the same identity to fail")
	}
}
