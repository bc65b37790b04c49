// Package sse implements Server-Sent-Event framing for chat streaming.
//
// A Writer serializes all frames through one mutex so events are delivered
// in generation order even when the keep-alive ticker fires concurrently,
// and it latches closed on the first write failure or explicit Close so no
// frame is ever written after a client abort.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// KeepAliveInterval is how often a comment ping is written to hold the
// connection open through idle stretches (approval waits, slow upstreams).
const KeepAliveInterval = 15 * time.Second

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")

// ErrClosed is returned by Event once the stream is closed.
var ErrClosed = errors.New("sse: stream closed")

// Writer frames events onto an HTTP response.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool

	stopPing chan struct{}
	pingOnce sync.Once
	logger   *slog.Logger
}

// NewWriter prepares w for event streaming and writes the SSE headers.
func NewWriter(w http.ResponseWriter, logger *slog.Logger) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	if logger == nil {
		logger = slog.Default()
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	return &Writer{
		w:        w,
		flusher:  flusher,
		stopPing: make(chan struct{}),
		logger:   logger.With("component", "sse"),
	}, nil
}

// Event writes one named event with a JSON payload and flushes it.
// Returns ErrClosed if the stream has been closed; a transport write error
// closes the stream so subsequent calls fail fast.
func (s *Writer) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.closed = true
		return fmt.Errorf("sse: write %s event: %w", name, err)
	}
	s.flusher.Flush()
	return nil
}

// StartKeepAlive begins the comment-ping loop. The loop stops on Close.
func (s *Writer) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = KeepAliveInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopPing:
				return
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Writer) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close suppresses all further writes and stops the keep-alive loop.
// Safe to call more than once.
func (s *Writer) Close() {
	s.pingOnce.Do(func() { close(s.stopPing) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the stream has been closed.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
