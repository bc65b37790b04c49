package provider

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

	"golang.org/x/oauth2"
)

// LoginTimeout bounds a ChatGPT login flow end to end.
const LoginTimeout = 10 * time.Minute

// ErrNotLoggedIn means no usable Codex credentials are stored.
var ErrNotLoggedIn = errors.New("provider: codex not logged in")

// Codex streams turns through a local "app-server" child speaking
// newline-delimited JSON-RPC. A child is spawned per streaming session and
// per login flow, never shared.
type Codex struct {
	command  string
	args     []string
	authPath string
	logger   *slog.Logger

	loginMu sync.Mutex
	logins  map[string]*LoginFlow
}

// NewCodex builds a provider. authPath is where the OAuth token is stored.
func NewCodex(command string, args []string, authPath string, logger *slog.Logger) *Codex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codex{
		command:  command,
		args:     args,
		authPath: authPath,
		logger:   logger.With("component", "codex"),
		logins:   make(map[string]*LoginFlow),
	}
}

func (p *Codex) Scheme() string { return SchemeCodexOAuth }

// loadToken reads the stored OAuth token.
func (p *Codex) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(p.authPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("read codex auth: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse codex auth: %w", err)
	}
	return &tok, nil
}

func (p *Codex) saveToken(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal codex auth: %w", err)
	}
	if err := os.WriteFile(p.authPath, data, 0o600); err != nil {
		return fmt.Errorf("write codex auth: %w", err)
	}
	return nil
}

// StreamTurn implements Provider. Each call owns a fresh app-server child.
func (p *Codex) StreamTurn(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	tok, err := p.loadToken()
	if err != nil {
		return nil, err
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired", ErrNotLoggedIn)
	}

	child, err := p.spawn(tok)
	if err != nil {
		return nil, err
	}
	defer child.stop()

	if _, err := child.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "eclia", "version": "1.0.0"},
	}); err != nil {
		return nil, fmt.Errorf("codex initialize: %w", err)
	}

	input := make([]map[string]any, 0, len(req.Messages))
	for _, rec := range req.Messages {
		input = append(input, map[string]any{
			"role":    rec.Role,
			"content": rec.Content,
		})
	}
	params := map[string]any{
		"model":        req.Model,
		"instructions": req.System,
		"input":        input,
	}
	if s := req.Sampling; s != nil && !s.IsZero() {
		overrides := map[string]any{}
		if s.Temperature != nil {
			overrides["temperature"] = *s.Temperature
		}
		if s.TopP != nil {
			overrides["topP"] = *s.TopP
		}
		if s.MaxOutputTokens != nil {
			overrides["maxOutputTokens"] = *s.MaxOutputTokens
		}
		params["sampling"] = overrides
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := child.call(ctx, "sendUserTurn", params)
		turnDone <- err
	}()

	result := &Result{FinishReason: FinishStop}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-turnDone:
			if err != nil {
				return nil, fmt.Errorf("codex turn: %w", err)
			}
			return result, nil
		case note, ok := <-child.events:
			if !ok {
				return nil, fmt.Errorf("codex app-server exited mid-turn")
			}
			if note.Method != "codex/event" {
				continue
			}
			var ev struct {
				Type   string `json:"type"`
				Delta  string `json:"delta,omitempty"`
				Text   string `json:"text,omitempty"`
				Tokens int    `json:"tokens,omitempty"`
			}
			if err := json.Unmarshal(note.Params, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "agent_message_delta":
				result.Text += ev.Delta
				if onDelta != nil {
					if err := onDelta(ev.Delta); err != nil {
						return nil, err
					}
				}
			case "agent_message":
				if result.Text == "" {
					result.Text = ev.Text
				}
			case "token_count":
				result.UsedTokens = ev.Tokens
			}
		}
	}
}

// LoginFlow tracks one in-flight ChatGPT login.
type LoginFlow struct {
	ID      string `json:"loginId"`
	AuthURL string `json:"authUrl"`

	mu    sync.Mutex
	state string // pending | completed | failed
	err   string
}

// State returns the flow state and failure message, if any.
func (f *LoginFlow) State() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *LoginFlow) finish(state, errMsg string) {
	f.mu.Lock()
	f.state = state
	f.err = errMsg
	f.mu.Unlock()
}

// StartLogin spawns an app-server child and opens a browser-based login.
// The child stays alive until account/login/completed arrives for the
// returned login id or the 10-minute window elapses, then is reaped.
func (p *Codex) StartLogin(ctx context.Context) (*LoginFlow, error) {
	child, err := p.spawn(nil)
	if err != nil {
		return nil, err
	}

	result, err := child.call(ctx, "account/login/start", map[string]any{"type": "chatgpt"})
	if err != nil {
		child.stop()
		return nil, fmt.Errorf("login start: %w", err)
	}
	var started struct {
		AuthURL string `json:"authUrl"`
		LoginID string `json:"loginId"`
	}
	if err := json.Unmarshal(result, &started); err != nil {
		child.stop()
		return nil, fmt.Errorf("parse login start result: %w", err)
	}

	flow := &LoginFlow{ID: started.LoginID, AuthURL: started.AuthURL, state: "pending"}
	p.loginMu.Lock()
	p.logins[flow.ID] = flow
	p.loginMu.Unlock()

	go p.awaitLogin(child, flow)
	return flow, nil
}

// LoginStatus looks up a flow by id.
func (p *Codex) LoginStatus(id string) (*LoginFlow, bool) {
	p.loginMu.Lock()
	defer p.loginMu.Unlock()
	f, ok := p.logins[id]
	return f, ok
}

func (p *Codex) awaitLogin(child *appServer, flow *LoginFlow) {
	defer child.stop()
	timer := time.NewTimer(LoginTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			flow.finish("failed", "login timed out")
			p.logger.Warn("codex login timed out", "login", flow.ID)
			return
		case note, ok := <-child.events:
			if !ok {
				flow.finish("failed", "app-server exited before login completed")
				return
			}
			if note.Method != "account/login/completed" {
				continue
			}
			var completed struct {
				LoginID      string    `json:"loginId"`
				Success      bool      `json:"success"`
				Error        string    `json:"error,omitempty"`
				AccessToken  string    `json:"accessToken,omitempty"`
				RefreshToken string    `json:"refreshToken,omitempty"`
				Expiry       time.Time `json:"expiry,omitempty"`
			}
			if err := json.Unmarshal(note.Params, &completed); err != nil || completed.LoginID != flow.ID {
				continue
			}
			if !completed.Success {
				flow.finish("failed", completed.Error)
				return
			}
			tok := &oauth2.Token{
				AccessToken:  completed.AccessToken,
				RefreshToken: completed.RefreshToken,
				Expiry:       completed.Expiry,
				TokenType:    "Bearer",
			}
			if err := p.saveToken(tok); err != nil {
				flow.finish("failed", err.Error())
				return
			}
			flow.finish("completed", "")
			p.logger.Info("codex login completed", "login", flow.ID)
			return
		}
	}
}

// appServer is one child process speaking newline-delimited JSON-RPC.
type appServer struct {
	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	events   chan *rpcNotification
	stopOnce sync.Once
	done     chan struct{}
	logger   *slog.Logger
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type rpcNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (p *Codex) spawn(tok *oauth2.Token) (*appServer, error) {
	if p.command == "" {
		return nil, errors.New("provider: codex command not configured")
	}
	cmd := exec.Command(p.command, p.args...)
	cmd.Env = os.Environ()
	if tok != nil {
		cmd.Env = append(cmd.Env, "CODEX_ACCESS_TOKEN="+tok.AccessToken)
		if tok.RefreshToken != "" {
			cmd.Env = append(cmd.Env, "CODEX_REFRESH_TOKEN="+tok.RefreshToken)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start app-server: %w", err)
	}

	s := &appServer{
		process: cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
		events:  make(chan *rpcNotification, 64),
		done:    make(chan struct{}),
		logger:  p.logger,
	}
	go s.readLoop(stdout)
	if stderr != nil {
		go s.drainStderr(stderr)
	}
	return s, nil
}

func (s *appServer) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.stdin.Close()
		if s.process.Process != nil {
			s.process.Process.Kill()
		}
		s.process.Wait()
	})
}

func (s *appServer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	frame := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	respChan := make(chan *rpcResponse, 1)
	s.pendingMu.Lock()
	s.pending[id] = respChan
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	s.writeMu.Lock()
	_, err = s.stdin.Write(append(data, '\n'))
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("app-server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("app-server stopped")
	}
}

func (s *appServer) readLoop(stdout io.Reader) {
	defer close(s.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			if id, ok := resp.ID.(float64); ok {
				s.pendingMu.Lock()
				if ch, found := s.pending[int64(id)]; found {
					select {
					case ch <- &resp:
					default:
					}
					delete(s.pending, int64(id))
				}
				s.pendingMu.Unlock()
			}
			continue
		}

		var note rpcNotification
		if err := json.Unmarshal(line, &note); err == nil && note.Method != "" {
			select {
			case s.events <- &note:
			case <-s.done:
				return
			}
		}
	}
}

func (s *appServer) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			s.logger.Debug("app-server stderr", "message", line)
		}
	}
}
