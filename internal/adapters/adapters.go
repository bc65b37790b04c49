// Package adapters sends outbound messages to the chat adapter processes
// (Discord, Telegram) over their loopback HTTP endpoints.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eclia-dev/eclia/internal/config"
	"github.com/eclia-dev/eclia/pkg/models"
)

const keyHeader = "x-eclia-adapter-key"

// ErrAdapterDisabled is returned when the target adapter is not configured
// or not enabled.
var ErrAdapterDisabled = errors.New("adapters: adapter disabled")

// Message is the outbound payload.
type Message struct {
	Origin  *models.Origin `json:"origin"`
	Content string         `json:"content"`
	Refs    []string       `json:"refs,omitempty"`
}

type sendResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client delivers messages to configured adapters.
type Client struct {
	adapters map[string]config.AdapterConfig
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client over the configured adapter set.
func NewClient(adapters map[string]config.AdapterConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		adapters: adapters,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "adapters"),
	}
}

// Enabled reports whether the named adapter can receive messages.
func (c *Client) Enabled(name string) bool {
	a, ok := c.adapters[name]
	return ok && a.Enabled
}

// Send posts msg to the named adapter's loopback endpoint.
func (c *Client) Send(ctx context.Context, name string, msg Message) error {
	a, ok := c.adapters[name]
	if !ok || !a.Enabled {
		return fmt.Errorf("%w: %s", ErrAdapterDisabled, name)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/send", a.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(keyHeader, a.Key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("adapter %s unreachable: %w", name, err)
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("adapter %s: bad response: %w", name, err)
	}
	if !out.OK {
		return fmt.Errorf("adapter %s: %s", name, out.Error)
	}
	c.logger.Debug("message delivered", "adapter", name, "refs", len(msg.Refs))
	return nil
}
