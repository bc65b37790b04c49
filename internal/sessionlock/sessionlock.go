// Package sessionlock serializes per-session work.
//
// Every chat request and every store mutation for a given session runs under
// the session's lock, giving per-session serializability while leaving
// cross-session work fully concurrent. Waiters are queued FIFO; a waiter
// whose request context is already cancelled when its turn comes is skipped
// without running, so an aborted request queued behind a long turn never
// mutates the transcript.
package sessionlock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Table is the process-wide lock table. The zero value is not usable; use New.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	held    bool
	waiters []*waiter
}

type waiter struct {
	ctx     context.Context
	ready   chan struct{}
	claimed atomic.Bool
}

// New creates an empty lock table.
func New() *Table {
	return &Table{sessions: make(map[string]*entry)}
}

// With acquires the lock for sessionID, runs fn, and releases. If the lock
// is held, the caller waits in FIFO order; ctx cancellation while waiting
// returns ctx.Err() without running fn. Not reentrant.
func (t *Table) With(ctx context.Context, sessionID string, fn func() error) error {
	if err := t.acquire(ctx, sessionID); err != nil {
		return err
	}
	defer t.release(sessionID)
	return fn()
}

// Held reports whether the session's lock is currently held.
func (t *Table) Held(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	return ok && e.held
}

func (t *Table) acquire(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	e, ok := t.sessions[sessionID]
	if !ok {
		e = &entry{}
		t.sessions[sessionID] = e
	}
	if !e.held {
		e.held = true
		t.mu.Unlock()
		return nil
	}
	w := &waiter{ctx: ctx, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if w.claimed.CompareAndSwap(false, true) {
			// Abandoned before being handed the lock; release will skip us.
			return ctx.Err()
		}
		// The lock was handed over concurrently with cancellation. Take it
		// and put it straight back so the next waiter can run.
		<-w.ready
		t.release(sessionID)
		return ctx.Err()
	}
}

func (t *Table) release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		if w.claimed.CompareAndSwap(false, true) {
			close(w.ready)
			return // lock stays held, ownership transferred
		}
	}
	e.held = false
	if len(e.waiters) == 0 {
		delete(t.sessions, sessionID)
	}
}
