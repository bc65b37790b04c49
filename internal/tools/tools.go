// Package tools implements the native tool set the model can invoke: exec
// (via the MCP tool host), send (outbound messaging), and web (search).
// Each tool parses its own arguments, decides whether safe mode requires an
// approval, and produces a structured result plus the text fed back to the
// model.
package tools

import (
	"context"
	"fmt"

	"github.com/eclia-dev/eclia/internal/artifacts"
	"github.com/eclia-dev/eclia/pkg/models"
)

// Tool access modes.
const (
	ModeFull = "full"
	ModeSafe = "safe"
)

// Error codes surfaced in tool results.
const (
	CodeBadArgumentsJSON     = "bad_arguments_json"
	CodeUnknownTool          = "unknown_tool"
	CodeToolDisabled         = "tool_disabled"
	CodeApprovalDenied       = "approval_denied"
	CodeApprovalTimeout      = "approval_timeout"
	CodeApprovalCancelled    = "approval_cancelled"
	CodeToolhostError        = "toolhost_error"
	CodeToolhostTimeout      = "toolhost_timeout"
	CodeToolhostBadResult    = "toolhost_bad_result"
	CodeInvalidDestination   = "invalid_destination"
	CodeAdapterDisabled      = "adapter_disabled"
	CodeBadArtifactRef       = "bad_artifact_ref"
	CodeFileNotFound         = "file_not_found"
	CodeForbiddenArtifactRef = "forbidden_artifact_ref"
	CodeWebError             = "web_error"
)

// Error is a tool-level failure. It stays contained within the turn: the
// orchestrator renders it as a tool result with ok:false and continues.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds a coded tool error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invocation carries per-call context into a tool.
type Invocation struct {
	SessionID string
	CallID    string
	Origin    *models.Origin
}

// Output is a successful tool result.
type Output struct {
	// Content is the text fed back to the model.
	Content string
	// Result is the structured payload for the tool_result SSE event.
	Result map[string]any
	// Artifacts lists files the call produced or imported.
	Artifacts []*artifacts.Meta
	// WebMessage, when set, asks the orchestrator to surface content on
	// the SSE channel itself (send tool with a web destination).
	WebMessage string
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any

	// NeedsApproval reports whether the call must clear an approval
	// ticket under the given access mode.
	NeedsApproval(args map[string]any, mode string) bool

	Invoke(ctx context.Context, inv Invocation, args map[string]any) (*Output, error)
}

// Registry holds the registered tools.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registration order is preserved for schema listing.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns tools in registration order, filtered to enabled names when
// enabled is non-nil.
func (r *Registry) List(enabled map[string]bool) []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		if enabled != nil && !enabled[name] {
			continue
		}
		out = append(out, r.tools[name])
	}
	return out
}
