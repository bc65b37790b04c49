// Package approval implements the tool approval hub.
//
// A turn that hits a gated tool enqueues a request here and blocks until an
// operator decides, the hard timeout fires, or the owning session is
// cancelled. Each request resolves exactly once; repeat decisions on an
// already resolved request are accepted as no-ops.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// HardTimeout is the ceiling on how long a request may stay pending. It
// applies even when the waiting turn's context stays alive.
const HardTimeout = 5 * time.Minute

// ErrUnknownApproval is returned for decisions on ids never enqueued
// or already resolved and pruned.
var ErrUnknownApproval = errors.New("approval: unknown request id")

// Decision is the terminal state of an approval request.
type Decision string

const (
	Approved  Decision = "approved"
	Denied    Decision = "denied"
	TimedOut  Decision = "timeout"
	Cancelled Decision = "cancelled"
)

// Request describes one pending tool invocation awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	CallID    string         `json:"callId"`
	Tool      string         `json:"tool"`
	Summary   string         `json:"summary"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

type pending struct {
	req      Request
	done     chan Decision
	resolved bool
}

// Hub tracks pending approval requests across all sessions.
type Hub struct {
	mu      sync.Mutex
	pending map[string]*pending
	subs    map[int]chan struct{}
	nextSub int

	timeout time.Duration
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewHub creates a hub. timeout <= 0 uses HardTimeout.
func NewHub(timeout time.Duration, logger *slog.Logger) *Hub {
	if timeout <= 0 {
		timeout = HardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		pending: make(map[string]*pending),
		subs:    make(map[int]chan struct{}),
		timeout: timeout,
		logger:  logger.With("component", "approval"),
	}
}

// Start begins the background sweep that resolves requests whose deadline
// passed without a waiter driving the timeout (for example after a gateway
// restart left the transcript open). Safe to call once.
func (h *Hub) Start() {
	h.cron = cron.New()
	h.cron.AddFunc("@every 1m", h.sweepExpired)
	h.cron.Start()
}

// Stop halts the sweep.
func (h *Hub) Stop() {
	if h.cron != nil {
		h.cron.Stop()
	}
}

// Enqueue registers a request and returns it with ID and deadlines filled in.
func (h *Hub) Enqueue(sessionID, callID, tool, summary string, args map[string]any) Request {
	now := time.Now().UTC()
	req := Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CallID:    callID,
		Tool:      tool,
		Summary:   summary,
		Args:      args,
		CreatedAt: now,
		ExpiresAt: now.Add(h.timeout),
	}

	h.mu.Lock()
	h.pending[req.ID] = &pending{req: req, done: make(chan Decision, 1)}
	h.mu.Unlock()

	h.logger.Info("approval requested", "id", req.ID, "session", sessionID, "tool", tool)
	h.notify()
	return req
}

// Wait blocks until the request resolves. Context cancellation resolves the
// request as Cancelled; the hard timeout resolves it as TimedOut. The
// request is removed from the hub before Wait returns.
func (h *Hub) Wait(ctx context.Context, id string) (Decision, error) {
	h.mu.Lock()
	p, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return "", ErrUnknownApproval
	}

	timer := time.NewTimer(time.Until(p.req.ExpiresAt))
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-p.done:
	case <-timer.C:
		decision = h.resolve(id, TimedOut)
	case <-ctx.Done():
		decision = h.resolve(id, Cancelled)
	}

	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
	h.notify()
	return decision, nil
}

// Decide resolves a pending request from the operator side. Returns
// ErrUnknownApproval when the id was never enqueued or already removed. A
// decision that arrives after the request resolved is a no-op; the first
// decision stands.
func (h *Hub) Decide(id string, approve bool) error {
	d := Denied
	if approve {
		d = Approved
	}

	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownApproval
	}
	if p.resolved {
		h.mu.Unlock()
		return nil
	}
	p.resolved = true
	p.done <- d
	h.mu.Unlock()

	h.logger.Info("approval decided", "id", id, "decision", d)
	return nil
}

// CancelSession resolves every pending request owned by sessionID as
// Cancelled. Idempotent; unknown sessions are a no-op.
func (h *Hub) CancelSession(sessionID string) {
	h.mu.Lock()
	var cancelled int
	for _, p := range h.pending {
		if p.req.SessionID == sessionID && !p.resolved {
			p.resolved = true
			p.done <- Cancelled
			cancelled++
		}
	}
	h.mu.Unlock()

	if cancelled > 0 {
		h.logger.Info("approvals cancelled", "session", sessionID, "count", cancelled)
	}
}

// Pending snapshots unresolved requests, oldest first.
func (h *Hub) Pending() []Request {
	h.mu.Lock()
	out := make([]Request, 0, len(h.pending))
	for _, p := range h.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe returns a channel signalled whenever the pending set changes,
// plus a cancel func. Signals are coalesced.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// resolve marks the request resolved with d unless a concurrent decision got
// there first, and returns the decision that won.
func (h *Hub) resolve(id string, d Decision) Decision {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return d
	}
	if p.resolved {
		// A Decide raced the timeout; honor the decision already queued.
		h.mu.Unlock()
		return <-p.done
	}
	p.resolved = true
	h.mu.Unlock()
	return d
}

func (h *Hub) sweepExpired() {
	now := time.Now()
	h.mu.Lock()
	for id, p := range h.pending {
		if !p.resolved && now.After(p.req.ExpiresAt.Add(h.timeout)) {
			// Nothing is waiting on this request anymore; drop it.
			p.resolved = true
			delete(h.pending, id)
			h.logger.Warn("pruned stale approval", "id", id, "session", p.req.SessionID)
		}
	}
	h.mu.Unlock()
	h.notify()
}

func (h *Hub) notify() {
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}
