package orchestrator

import (
	"context"
	"time"

	"github.com/eclia-dev/eclia/internal/observability"
	"github.com/eclia-dev/eclia/internal/sse"
	"github.com/eclia-dev/eclia/pkg/models"
)

// SSE event names emitted during a turn.
const (
	eventMeta           = "meta"
	eventAssistantStart = "assistant_start"
	eventDelta          = "delta"
	eventAssistantEnd   = "assistant_end"
	eventToolCall       = "tool_call"
	eventToolResult     = "tool_result"
	eventFinal          = "final"
	eventError          = "error"
	eventDone           = "done"
)

type metaEvent struct {
	SessionID  string `json:"sessionId"`
	Model      string `json:"model"`
	UsedTokens int    `json:"usedTokens"`
}

type deltaEvent struct {
	Text string `json:"text"`
}

type assistantEndEvent struct {
	Text      string            `json:"text,omitempty"`
	ToolCalls []models.ToolCall `json:"toolCalls,omitempty"`
}

type approvalInfo struct {
	ApprovalID string    `json:"approvalId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type toolCallEvent struct {
	CallID   string         `json:"callId"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Approval *approvalInfo  `json:"approval,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type toolResultEvent struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *errorPayload  `json:"error,omitempty"`
}

type finalEvent struct {
	Text string `json:"text"`
}

// emitter writes SSE events honoring the stream mode and client liveness.
// After the client disconnects every write becomes a no-op; the turn keeps
// running but nothing further goes on the wire.
type emitter struct {
	ctx     context.Context
	out     *sse.Writer
	mode    string
	metrics *observability.Metrics
}

func (e *emitter) send(name string, payload any) {
	if e.ctx.Err() != nil || e.out.Closed() {
		return
	}
	if err := e.out.Event(name, payload); err == nil && e.metrics != nil {
		e.metrics.SSEEvents.WithLabelValues(name).Inc()
	}
}

// intermediate drops the event in final stream mode.
func (e *emitter) intermediate(name string, payload any) {
	if e.mode == StreamFinal {
		return
	}
	e.send(name, payload)
}
