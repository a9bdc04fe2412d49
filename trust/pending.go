package trust

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Decision is the operator's answer to a pending consent request.
type Decision int

const (
	// DecisionAllowOnce promotes the session to Authenticated without
	// persisting a trust entry.
	DecisionAllowOnce Decision = iota
	// DecisionTrust persists a trust entry and then promotes the session.
	DecisionTrust
	// DecisionDeny closes the session.
	DecisionDeny
)

// DefaultPendingTimeout is the default consent deadline.
const DefaultPendingTimeout = 60 * time.Second

// ErrPendingTimeout is returned to a connecting peer (and surfaced to the
// control API) when no consent decision arrives before the deadline.
var ErrPendingTimeout = errors.New("trust: pending consent request timed out")

// ErrUnknownPending is returned when Decide is called for an identity
// with no outstanding pending request.
var ErrUnknownPending = errors.New("trust: no pending consent request for identity")

// PendingRequest describes a connection from an identity not (yet) in the
// trust store, visible to the operator via the control API's ListPending
// command and answered with its Consent command.
type PendingRequest struct {
	Identity string
	Name     string
	Address  string
	deadline time.Time
	decision chan Decision
}

// PendingGate tracks outstanding consent requests and resolves them
// either by an explicit operator decision or by timeout.
type PendingGate struct {
	mu       sync.Mutex
	requests map[string]*PendingRequest
	timeout  time.Duration
}

// NewPendingGate constructs a gate using the given consent timeout (zero
// selects DefaultPendingTimeout).
func NewPendingGate(timeout time.Duration) *PendingGate {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &PendingGate{requests: make(map[string]*PendingRequest), timeout: timeout}
}

// Await registers a pending request and blocks until the operator
// decides or the timeout elapses. The caller (the inbound connection
// handler) uses the returned Decision to promote or close the session.
func (g *PendingGate) Await(identity, name, address string) (Decision, error) {
	req := &PendingRequest{
		Identity: identity,
		Name:     name,
		Address:  address,
		deadline: time.Now().Add(g.timeout),
		decision: make(chan Decision, 1),
	}

	g.mu.Lock()
	g.requests[identity] = req
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.requests, identity)
		g.mu.Unlock()
	}()

	select {
	case d := <-req.decision:
		return d, nil
	case <-time.After(g.timeout):
		return DecisionDeny, fmt.Errorf("%w: identity=%s", ErrPendingTimeout, identity)
	}
}

// Decide resolves an outstanding pending request for identity.
func (g *PendingGate) Decide(identity string, decision Decision) error {
	g.mu.Lock()
	req, ok := g.requests[identity]
	if ok {
		// The first decision is final: a second Decide for the same
		// identity finds nothing pending.
		delete(g.requests, identity)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPending, identity)
	}
	select {
	case req.decision <- decision:
		return nil
	default:
		return fmt.Errorf("trust: consent for %s already decided", identity)
	}
}

// List returns a snapshot of outstanding pending requests, for the
// control API's view of what needs operator attention.
func (g *PendingGate) List() []PendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingRequest, 0, len(g.requests))
	for _, r := range g.requests {
		out = append(out, *r)
	}
	return out
}
