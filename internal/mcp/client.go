// Package mcp implements the stdio MCP client the gateway uses to reach its
// exec tool host. The host is a child process speaking newline-delimited
// JSON-RPC 2.0; the client owns the handshake, per-call timeouts with
// cancellation notices, and lame-duck behavior once the child dies.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds tools/call when the caller passes none.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrToolhostGone means the host process is not running. The gateway
	// keeps serving chat; only host-backed tools fail.
	ErrToolhostGone = errors.New("mcp: tool host gone")

	// ErrToolhostTimeout means a call exceeded its deadline. A cancellation
	// notice has been sent; the host may still be wedged on the work.
	ErrToolhostTimeout = errors.New("mcp: tool call timed out")
)

// Config describes how to launch the tool host.
type Config struct {
	Command     string
	Args        []string
	Env         map[string]string
	WorkDir     string
	CallTimeout time.Duration
}

// Client manages one tool host child process.
type Client struct {
	cfg    Config
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex // stdin has a single writer; frames never interleave

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	alive    atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	toolsMu sync.RWMutex
	tools   []ToolDescriptor

	serverInfo ServerInfo
}

// NewClient creates an unstarted client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "mcp"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		stopChan: make(chan struct{}),
	}
}

// Start launches the host and runs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Command == "" {
		return errors.New("mcp: command is required")
	}

	c.process = exec.Command(c.cfg.Command, c.cfg.Args...)
	c.process.Env = os.Environ()
	for k, v := range c.cfg.Env {
		c.process.Env = append(c.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.WorkDir != "" {
		c.process.Dir = c.cfg.WorkDir
	}

	var err error
	c.stdin, err = c.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := c.process.StderrPipe()

	if err := c.process.Start(); err != nil {
		return fmt.Errorf("start tool host: %w", err)
	}
	c.alive.Store(true)
	c.logger.Info("tool host started", "command", c.cfg.Command, "pid", c.process.Process.Pid)

	c.wg.Add(1)
	go c.readLoop(stdout)
	if stderr != nil {
		c.wg.Add(1)
		go c.logStderr(stderr)
	}
	go c.reap()

	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "eclia",
			"version": "1.0.0",
		},
	}, c.callTimeout(0))
	if err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo
	c.logger.Info("tool host connected",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("tools/list failed", "error", err)
	}
	return nil
}

// Close kills the host and releases the read loops. Safe to call twice.
func (c *Client) Close() error {
	if c.alive.Swap(false) {
		close(c.stopChan)
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.process != nil && c.process.Process != nil {
		c.process.Process.Kill()
	}
	c.wg.Wait()
	return nil
}

// Alive reports whether the host process is still serving.
func (c *Client) Alive() bool { return c.alive.Load() }

// ServerInfo returns the host's self-reported identity.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// RefreshTools re-fetches the host's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil, c.callTimeout(0))
	if err != nil {
		return err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.toolsMu.Lock()
	c.tools = resp.Tools
	c.toolsMu.Unlock()
	c.logger.Debug("tool list refreshed", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []ToolDescriptor {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	return c.tools
}

// CallTool invokes a host tool with call attribution injected under the
// reserved envelope key. The caller's args map is not mutated. On timeout a
// notifications/cancelled notice is sent before ErrToolhostTimeout returns.
func (c *Client) CallTool(ctx context.Context, sessionID, callID, name string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	merged := make(map[string]any, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	merged[EnvelopeKey] = envelope{SessionID: sessionID, CallID: callID}

	argsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	result, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON}, c.callTimeout(timeout))
	if err != nil {
		return nil, err
	}
	var out ToolResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &out, nil
}

func (c *Client) callTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if c.cfg.CallTimeout > 0 {
		return c.cfg.CallTimeout
	}
	return DefaultCallTimeout
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.alive.Load() {
		return nil, ErrToolhostGone
	}

	id := c.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolhostGone, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: host error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		c.cancelRequest(id, "deadline exceeded")
		return nil, ErrToolhostTimeout
	case <-ctx.Done():
		c.cancelRequest(id, "client cancelled")
		return nil, ctx.Err()
	case <-c.stopChan:
		return nil, ErrToolhostGone
	}
}

// cancelRequest tells the host to abandon the in-flight request. Best
// effort; a wedged host ignores it.
func (c *Client) cancelRequest(id int64, reason string) {
	err := c.notify("notifications/cancelled", map[string]any{
		"requestId": id,
		"reason":    reason,
	})
	if err != nil {
		c.logger.Debug("cancel notice failed", "request", id, "error", err)
	}
}

func (c *Client) notify(method string, params any) error {
	if !c.alive.Load() {
		return ErrToolhostGone
	}
	notif := JSONRPCRequest{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return c.writeFrame(notif)
}

func (c *Client) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	defer c.alive.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout scanner error", "error", err)
	}
}

func (c *Client) dispatch(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
		return
	}
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		c.logger.Warn("unexpected response id type", "id", resp.ID)
		return
	}

	c.pendingMu.Lock()
	if ch, ok := c.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) logStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-c.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			c.logger.Debug("tool host stderr", "message", line)
		}
	}
}

// reap waits for process exit and flips the client into lame-duck mode so
// in-flight and future calls fail with ErrToolhostGone instead of hanging.
func (c *Client) reap() {
	err := c.process.Wait()
	if c.alive.Swap(false) {
		c.logger.Warn("tool host exited", "error", err)
		close(c.stopChan)
	}
}
