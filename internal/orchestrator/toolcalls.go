package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclia-dev/eclia/internal/approval"
	"github.com/eclia-dev/eclia/internal/tools"
	"github.com/eclia-dev/eclia/pkg/models"
)

// runToolCall executes one model-requested invocation end to end: argument
// parsing, the approval gate, the tool itself, and the tool_result event.
// Failures never escape; they come back as the text fed to the model so the
// loop continues.
func (o *Orchestrator) runToolCall(ctx context.Context, em *emitter, sessionID string, origin *models.Origin, call models.ToolCall, toolMode string, enabled map[string]bool) string {
	fail := func(terr *tools.Error) string {
		em.intermediate(eventToolResult, toolResultEvent{
			CallID: call.ID,
			Name:   call.Name,
			OK:     false,
			Error:  &errorPayload{Code: terr.Code, Message: terr.Message},
		})
		o.countTool(call.Name, terr.Code)
		return fmt.Sprintf("error %s: %s", terr.Code, terr.Message)
	}

	tool, ok := o.tools.Get(call.Name)
	if !ok {
		em.intermediate(eventToolCall, toolCallEvent{CallID: call.ID, Name: call.Name})
		return fail(tools.Errorf(tools.CodeUnknownTool, "no tool named %q", call.Name))
	}
	if enabled != nil && !enabled[call.Name] {
		em.intermediate(eventToolCall, toolCallEvent{CallID: call.ID, Name: call.Name})
		return fail(tools.Errorf(tools.CodeToolDisabled, "%s is disabled for this turn", call.Name))
	}

	args, err := call.Args()
	if err != nil {
		em.intermediate(eventToolCall, toolCallEvent{CallID: call.ID, Name: call.Name})
		return fail(tools.Errorf(tools.CodeBadArgumentsJSON, "arguments for %s do not parse: %v", call.Name, err))
	}

	callEvent := toolCallEvent{CallID: call.ID, Name: call.Name, Args: args}
	if tool.NeedsApproval(args, toolMode) {
		ticket := o.approvals.Enqueue(sessionID, call.ID, call.Name, approvalSummary(call), args)
		callEvent.Approval = &approvalInfo{ApprovalID: ticket.ID, ExpiresAt: ticket.ExpiresAt}
		em.intermediate(eventToolCall, callEvent)

		decision, err := o.approvals.Wait(ctx, ticket.ID)
		if err != nil {
			decision = approval.Cancelled
		}
		o.countApproval(decision)
		switch decision {
		case approval.Approved:
		case approval.Denied:
			return fail(tools.Errorf(tools.CodeApprovalDenied, "operator denied %s", call.Name))
		case approval.TimedOut:
			return fail(tools.Errorf(tools.CodeApprovalTimeout, "approval for %s expired", call.Name))
		default:
			return fail(tools.Errorf(tools.CodeApprovalCancelled, "approval for %s cancelled", call.Name))
		}
	} else {
		em.intermediate(eventToolCall, callEvent)
	}

	out, err := tool.Invoke(ctx, tools.Invocation{SessionID: sessionID, CallID: call.ID, Origin: origin}, args)
	if err != nil {
		var terr *tools.Error
		if errors.As(err, &terr) {
			return fail(terr)
		}
		if ctx.Err() != nil {
			return fail(tools.Errorf(tools.CodeApprovalCancelled, "turn aborted during %s", call.Name))
		}
		return fail(tools.Errorf(tools.CodeToolhostError, "%v", err))
	}

	result := out.Result
	if out.WebMessage != "" {
		if result == nil {
			result = map[string]any{}
		}
		result["message"] = out.WebMessage
	}
	em.intermediate(eventToolResult, toolResultEvent{
		CallID: call.ID,
		Name:   call.Name,
		OK:     true,
		Result: result,
	})
	o.countTool(call.Name, "ok")
	return out.Content
}

// approvalSummary renders the one-line description shown to the operator.
func approvalSummary(call models.ToolCall) string {
	s := call.Name
	if call.ArgsRaw != "" {
		s += " " + call.ArgsRaw
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (o *Orchestrator) countTool(name, outcome string) {
	if o.metrics != nil {
		o.metrics.ToolInvocations.WithLabelValues(name, outcome).Inc()
	}
}

func (o *Orchestrator) countApproval(d approval.Decision) {
	if o.metrics != nil {
		o.metrics.ApprovalDecisions.WithLabelValues(string(d)).Inc()
	}
}
