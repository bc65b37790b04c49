// Package provider abstracts the upstream LLM backends. Each backend turns
// the gateway's neutral transcript records into its own wire schema, streams
// one model turn, and reports text plus structured tool calls back in the
// neutral form.
package provider

import (
	"context"
	"fmt"

	"github.com/eclia-dev/eclia/pkg/models"
)

// Finish reasons normalized across backends.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is one streaming turn against an upstream.
type Request struct {
	Model    string
	System   string
	Messages []models.Record
	Tools    []ToolSpec
	Sampling *models.Sampling
}

// Result is the terminal state of a streamed turn. ToolCalls preserves the
// order the upstream emitted them.
type Result struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
	UsedTokens   int
}

// DeltaFunc receives assistant text fragments as they arrive. Returning an
// error tears the upstream stream down.
type DeltaFunc func(text string) error

// Provider is one upstream backend.
type Provider interface {
	// Scheme returns the route key scheme this backend serves.
	Scheme() string

	// StreamTurn runs one model turn, forwarding text through onDelta.
	// Cancellation of ctx tears down the upstream stream promptly.
	StreamTurn(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error)
}

// ValidateSampling bounds-checks per-request overrides.
func ValidateSampling(s *models.Sampling) error {
	if s == nil {
		return nil
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0,2]", *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("topP %v out of range [0,1]", *s.TopP)
	}
	if s.TopK != nil && (*s.TopK < 1 || *s.TopK > 1000) {
		return fmt.Errorf("topK %v out of range [1,1000]", *s.TopK)
	}
	if s.MaxOutputTokens != nil && (*s.MaxOutputTokens < 1 || *s.MaxOutputTokens > 200000) {
		return fmt.Errorf("maxOutputTokens %v out of range [1,200000]", *s.MaxOutputTokens)
	}
	return nil
}

// AssistantMessage builds the neutral record for an assistant reply with
// optional tool calls. Providers re-encode it on the way out.
func AssistantMessage(text string, calls []models.ToolCall) models.Record {
	rec := models.MessageRecord(models.RoleAssistant, text)
	rec.ToolCalls = calls
	return rec
}

// ToolResultMessage builds the neutral record for one tool result.
func ToolResultMessage(callID, content string) models.Record {
	rec := models.MessageRecord(models.RoleTool, content)
	rec.ToolCallID = callID
	return rec
}
