package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/eclia-dev/eclia/internal/adapters"
	"github.com/eclia-dev/eclia/internal/artifacts"
	"github.com/eclia-dev/eclia/pkg/models"
)

// Destination kinds accepted by the send tool.
const (
	DestOrigin   = "origin"
	DestWeb      = "web"
	DestDiscord  = "discord"
	DestTelegram = "telegram"
)

// SendTool delivers text plus artifact attachments to a chat surface.
type SendTool struct {
	adapters *adapters.Client
	store    *artifacts.Store
	logger   *slog.Logger
}

// NewSendTool wires the send tool.
func NewSendTool(adapterClient *adapters.Client, store *artifacts.Store, logger *slog.Logger) *SendTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendTool{
		adapters: adapterClient,
		store:    store,
		logger:   logger.With("tool", "send"),
	}
}

func (t *SendTool) Name() string { return "send" }

func (t *SendTool) Description() string {
	return "Send a message with optional attachments to the requesting surface or another chat destination."
}

func (t *SendTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type": "string",
						"enum": []string{DestOrigin, DestWeb, DestDiscord, DestTelegram},
					},
					"guild":   map[string]any{"type": "string"},
					"channel": map[string]any{"type": "string"},
					"thread":  map[string]any{"type": "string"},
					"chat":    map[string]any{"type": "string"},
					"topic":   map[string]any{"type": "string"},
				},
				"required": []string{"kind"},
			},
			"content": map[string]any{"type": "string"},
			"refs": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Artifact references (eclia://artifact/... or .eclia/artifacts/... paths).",
			},
			"paths": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Absolute local file paths to attach; copied into the session artifact directory.",
			},
		},
		"required": []string{"destination", "content"},
	}
}

type sendArgs struct {
	Destination models.Origin
	Content     string
	Refs        []string
	Paths       []string
}

func parseSendArgs(args map[string]any) (sendArgs, *Error) {
	var out sendArgs
	dest, ok := args["destination"].(map[string]any)
	if !ok {
		return out, Errorf(CodeBadArgumentsJSON, "send requires a destination object")
	}
	kind, _ := dest["kind"].(string)
	switch kind {
	case DestOrigin, DestWeb, DestDiscord, DestTelegram:
	default:
		return out, Errorf(CodeInvalidDestination, "unknown destination kind %q", kind)
	}
	out.Destination = models.Origin{Kind: kind}
	if v, ok := dest["guild"].(string); ok {
		out.Destination.Guild = v
	}
	if v, ok := dest["channel"].(string); ok {
		out.Destination.Channel = v
	}
	if v, ok := dest["thread"].(string); ok {
		out.Destination.Thread = v
	}
	if v, ok := dest["chat"].(string); ok {
		out.Destination.Chat = v
	}
	if v, ok := dest["topic"].(string); ok {
		out.Destination.Topic = v
	}

	out.Content, _ = args["content"].(string)
	if out.Content == "" {
		return out, Errorf(CodeBadArgumentsJSON, "send requires content")
	}

	var perr *Error
	out.Refs, perr = stringList(args, "refs")
	if perr != nil {
		return out, perr
	}
	out.Paths, perr = stringList(args, "paths")
	if perr != nil {
		return out, perr
	}
	return out, nil
}

func stringList(args map[string]any, key string) ([]string, *Error) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, Errorf(CodeBadArgumentsJSON, "%s entries must be strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// NeedsApproval gates safe-mode sends to non-origin destinations and any
// send that pulls local files into the artifact tree.
func (t *SendTool) NeedsApproval(args map[string]any, mode string) bool {
	if mode != ModeSafe {
		return false
	}
	parsed, perr := parseSendArgs(args)
	if perr != nil {
		return false
	}
	return parsed.Destination.Kind != DestOrigin || len(parsed.Paths) > 0
}

// Invoke validates refs, imports local paths, and delivers the message.
func (t *SendTool) Invoke(ctx context.Context, inv Invocation, args map[string]any) (*Output, error) {
	parsed, perr := parseSendArgs(args)
	if perr != nil {
		return nil, perr
	}

	refs := make([]string, 0, len(parsed.Refs)+len(parsed.Paths))
	var attached []*artifacts.Meta
	for _, ref := range parsed.Refs {
		rel, err := artifacts.ParseRef(ref)
		if err != nil {
			if errors.Is(err, artifacts.ErrForbiddenRef) {
				return nil, Errorf(CodeForbiddenArtifactRef, "%v", err)
			}
			return nil, Errorf(CodeBadArtifactRef, "%v", err)
		}
		meta, err := t.store.Describe(rel)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				return nil, Errorf(CodeFileNotFound, "artifact %s does not exist", rel)
			}
			return nil, Errorf(CodeBadArtifactRef, "%v", err)
		}
		attached = append(attached, meta)
		refs = append(refs, meta.Ref)
	}
	for _, p := range parsed.Paths {
		if !strings.HasPrefix(p, "/") {
			return nil, Errorf(CodeBadArtifactRef, "paths must be absolute, got %q", p)
		}
		meta, err := t.store.Import(inv.SessionID, inv.CallID, p)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				return nil, Errorf(CodeFileNotFound, "%s does not exist", p)
			}
			return nil, Errorf(CodeBadArtifactRef, "%v", err)
		}
		attached = append(attached, meta)
		refs = append(refs, meta.Ref)
	}

	dest := parsed.Destination
	if dest.Kind == DestOrigin {
		if inv.Origin == nil {
			return nil, Errorf(CodeInvalidDestination, "request has no origin to inherit")
		}
		dest = *inv.Origin
	}

	out := &Output{
		Result: map[string]any{
			"destination": dest.Kind,
			"refs":        refs,
		},
	}
	if len(attached) > 0 {
		out.Result["artifacts"] = attached
		out.Artifacts = attached
	}

	switch dest.Kind {
	case DestWeb:
		// Delivered on the SSE channel by the orchestrator.
		out.WebMessage = parsed.Content
		out.Content = "message delivered to web client"
	case DestDiscord, DestTelegram:
		err := t.adapters.Send(ctx, dest.Kind, adapters.Message{
			Origin:  &dest,
			Content: parsed.Content,
			Refs:    refs,
		})
		if err != nil {
			if errors.Is(err, adapters.ErrAdapterDisabled) {
				return nil, Errorf(CodeAdapterDisabled, "%s adapter is not enabled", dest.Kind)
			}
			return nil, Errorf(CodeInvalidDestination, "%v", err)
		}
		out.Content = "message delivered to " + dest.Label()
	default:
		return nil, Errorf(CodeInvalidDestination, "cannot deliver to %q", dest.Kind)
	}

	return out, nil
}
