package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/eclia-dev/eclia/internal/artifacts"
	"github.com/eclia-dev/eclia/internal/config"
	"github.com/eclia-dev/eclia/internal/mcp"
)

// truncationMarker closes oversized text output.
const truncationMarker = "\n[output truncated]"

// ToolHost is the surface of the MCP client the exec tool uses.
type ToolHost interface {
	CallTool(ctx context.Context, sessionID, callID, name string, args map[string]any, timeout time.Duration) (*mcp.ToolResult, error)
	Alive() bool
}

// AllowlistSource supplies the current exec allowlist.
type AllowlistSource interface {
	Rules() []config.AllowRule
}

// ExecTool runs shell commands through the MCP tool host.
type ExecTool struct {
	host      ToolHost
	allowlist AllowlistSource
	store     *artifacts.Store
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// NewExecTool wires the exec tool.
func NewExecTool(host ToolHost, allowlist AllowlistSource, store *artifacts.Store, cfg config.ExecConfig, logger *slog.Logger) *ExecTool {
	if logger == nil {
		logger = slog.Default()
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 256 * 1024
	}
	return &ExecTool{
		host:      host,
		allowlist: allowlist,
		store:     store,
		timeout:   cfg.Timeout(),
		maxOutput: maxOutput,
		logger:    logger.With("tool", "exec"),
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Returns stdout, stderr, and the exit code; binary output is saved as an artifact."
}

func (t *ExecTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{
				"type":        "string",
				"description": "Executable to run.",
			},
			"args": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Argument list.",
			},
			"timeoutMs": map[string]any{
				"type":        "integer",
				"description": "Per-call timeout override in milliseconds.",
			},
		},
		"required": []string{"cmd"},
	}
}

type execArgs struct {
	Cmd       string
	Args      []string
	TimeoutMs int
}

func parseExecArgs(args map[string]any) (execArgs, *Error) {
	var out execArgs
	cmd, _ := args["cmd"].(string)
	if cmd == "" {
		return out, Errorf(CodeBadArgumentsJSON, "exec requires a cmd string")
	}
	out.Cmd = cmd
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return out, Errorf(CodeBadArgumentsJSON, "exec args must be strings")
			}
			out.Args = append(out.Args, s)
		}
	}
	if ms, ok := args["timeoutMs"].(float64); ok {
		out.TimeoutMs = int(ms)
	}
	return out, nil
}

// NeedsApproval reports true in safe mode unless the command matches an
// allowlist rule. Full mode never gates exec.
func (t *ExecTool) NeedsApproval(args map[string]any, mode string) bool {
	if mode != ModeSafe {
		return false
	}
	parsed, perr := parseExecArgs(args)
	if perr != nil {
		// Unparseable calls fail later; gating them adds nothing.
		return false
	}
	return !t.allowlisted(parsed)
}

func (t *ExecTool) allowlisted(call execArgs) bool {
	for _, rule := range t.allowlist.Rules() {
		if !ruleMatches(rule, call) {
			continue
		}
		return true
	}
	return false
}

func ruleMatches(rule config.AllowRule, call execArgs) bool {
	switch {
	case rule.MatchExact != "":
		if call.Cmd != rule.MatchExact {
			return false
		}
	case rule.MatchPrefix != "":
		if len(call.Cmd) < len(rule.MatchPrefix) || call.Cmd[:len(rule.MatchPrefix)] != rule.MatchPrefix {
			return false
		}
	default:
		return false
	}
	// A rule with args pins the exact argument list.
	if rule.Args != nil {
		if len(rule.Args) != len(call.Args) {
			return false
		}
		for i, a := range rule.Args {
			if call.Args[i] != a {
				return false
			}
		}
	}
	return true
}

// Invoke forwards the call to the tool host and sanitizes the result.
func (t *ExecTool) Invoke(ctx context.Context, inv Invocation, args map[string]any) (*Output, error) {
	parsed, perr := parseExecArgs(args)
	if perr != nil {
		return nil, perr
	}

	timeout := t.timeout
	if parsed.TimeoutMs > 0 {
		timeout = time.Duration(parsed.TimeoutMs) * time.Millisecond
		if timeout > time.Hour {
			timeout = time.Hour
		}
	}

	hostArgs := map[string]any{"cmd": parsed.Cmd}
	if len(parsed.Args) > 0 {
		hostArgs["args"] = parsed.Args
	}

	result, err := t.host.CallTool(ctx, inv.SessionID, inv.CallID, "exec", hostArgs, timeout)
	if err != nil {
		switch {
		case errors.Is(err, mcp.ErrToolhostTimeout):
			return nil, Errorf(CodeToolhostTimeout, "command exceeded %s", timeout)
		case errors.Is(err, mcp.ErrToolhostGone):
			return nil, Errorf(CodeToolhostError, "tool host is not running")
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, Errorf(CodeToolhostError, "%v", err)
		}
	}

	return t.sanitize(inv, result)
}

// sanitize rewrites the host result for the model and UI: binary content
// becomes an artifact pointer, oversized text is truncated with a marker.
func (t *ExecTool) sanitize(inv Invocation, result *mcp.ToolResult) (*Output, error) {
	out := &Output{Result: map[string]any{}}
	var text string

	for i, item := range result.Content {
		switch item.Type {
		case "text":
			text += item.Text
		case "image", "resource", "blob":
			data, err := base64.StdEncoding.DecodeString(item.Data)
			if err != nil {
				return nil, Errorf(CodeToolhostBadResult, "content item %d: undecodable data", i)
			}
			name := fmt.Sprintf("output-%d%s", i, extensionForMime(item.MimeType))
			meta, err := t.store.Put(inv.SessionID, inv.CallID, name, data)
			if err != nil {
				return nil, Errorf(CodeToolhostError, "store artifact: %v", err)
			}
			out.Artifacts = append(out.Artifacts, meta)
			text += fmt.Sprintf("[binary output saved to %s]", meta.Ref)
		default:
			return nil, Errorf(CodeToolhostBadResult, "content item %d: unknown type %q", i, item.Type)
		}
	}

	if !utf8.ValidString(text) {
		meta, err := t.store.Put(inv.SessionID, inv.CallID, "output.bin", []byte(text))
		if err != nil {
			return nil, Errorf(CodeToolhostError, "store artifact: %v", err)
		}
		out.Artifacts = append(out.Artifacts, meta)
		text = fmt.Sprintf("[binary output saved to %s]", meta.Ref)
	} else if len(text) > t.maxOutput {
		text = text[:t.maxOutput] + truncationMarker
	}

	out.Content = text
	out.Result["output"] = text
	out.Result["isError"] = result.IsError
	if len(out.Artifacts) > 0 {
		out.Result["artifacts"] = out.Artifacts
	}
	if result.IsError {
		return nil, Errorf(CodeToolhostError, "%s", firstLine(text))
	}
	return out, nil
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
