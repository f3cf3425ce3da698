// Package approval implements the human-approval rendezvous used before
// executing sensitive tools.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gastown/pkg/schema"
)

// Request describes a pending approval: the tool about to run and its
// arguments, surfaced to whatever UI collects the decision.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	CreatedAt time.Time      `json:"created_at"`
}

// Gates tracks open approval requests. Construct one per process and
// pass it to the components that gate on it.
type Gates struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*gate
}

type gate struct {
	req      Request
	decision chan bool
}

// NewGates creates a gate tracker. A non-positive timeout falls back to
// 5 minutes; a gate that never receives a decision fails closed when
// the timeout elapses.
func NewGates(timeout time.Duration) *Gates {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gates{
		timeout: timeout,
		pending: make(map[string]*gate),
	}
}

// Await registers a request and blocks until it is resolved, the
// timeout elapses, or the context is cancelled. It returns true only on
// an explicit approval.
func (g *Gates) Await(ctx context.Context, tool string, args map[string]any) (bool, error) {
	req := Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Args:      args,
		CreatedAt: time.Now().UTC(),
	}
	gt := &gate{req: req, decision: make(chan bool, 1)}

	g.mu.Lock()
	g.pending[req.ID] = gt
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-gt.decision:
		return approved, nil
	case <-timer.C:
		return false, schema.NewErrorf(schema.ErrCodeTimeout,
			"approval: request %s for tool %q timed out after %s", req.ID, tool, g.timeout)
	case <-ctx.Done():
		return false, schema.NewErrorf(schema.ErrCodeTimeout,
			"approval: request %s for tool %q cancelled", req.ID, tool).WithCause(ctx.Err())
	}
}

// Resolve delivers a decision to an open gate. It returns false when
// the id is unknown or the gate already closed.
func (g *Gates) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	gt, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case gt.decision <- approved:
		return true
	default:
		return false
	}
}

// Pending lists currently open requests, oldest first.
func (g *Gates) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	reqs := make([]Request, 0, len(g.pending))
	for _, gt := range g.pending {
		reqs = append(reqs, gt.req)
	}
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
	return reqs
}
