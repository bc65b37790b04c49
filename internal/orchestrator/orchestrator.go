// Package orchestrator runs the per-session chat turn: it serializes work
// behind the session lock, streams from the selected upstream provider,
// executes the model's tool calls under the approval policy, and emits the
// whole turn as server-sent events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eclia-dev/eclia/internal/approval"
	"github.com/eclia-dev/eclia/internal/observability"
	"github.com/eclia-dev/eclia/internal/provider"
	"github.com/eclia-dev/eclia/internal/sessionlock"
	"github.com/eclia-dev/eclia/internal/sse"
	"github.com/eclia-dev/eclia/internal/store"
	"github.com/eclia-dev/eclia/internal/tools"
	"github.com/eclia-dev/eclia/internal/workspace"
	"github.com/eclia-dev/eclia/pkg/models"
)

// Stream modes.
const (
	StreamFull  = "full"
	StreamFinal = "final"
)

// ErrInvalidRequest marks validation failures reported as JSON before any
// SSE output begins.
var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// Request is the POST /api/chat body.
type Request struct {
	SessionID         string         `json:"sessionId"`
	Model             string         `json:"model"`
	UserText          string         `json:"userText"`
	ContextTokenLimit int            `json:"contextTokenLimit,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	TopP              *float64       `json:"topP,omitempty"`
	TopK              *int           `json:"topK,omitempty"`
	MaxOutputTokens   *int           `json:"maxOutputTokens,omitempty"`
	ToolAccessMode    string         `json:"toolAccessMode,omitempty"`
	EnabledTools      []string       `json:"enabledTools,omitempty"`
	StreamMode        string         `json:"streamMode,omitempty"`
	Origin            *models.Origin `json:"origin,omitempty"`
}

func (r *Request) sampling() *models.Sampling {
	s := &models.Sampling{
		Temperature:     r.Temperature,
		TopP:            r.TopP,
		TopK:            r.TopK,
		MaxOutputTokens: r.MaxOutputTokens,
	}
	if s.IsZero() {
		return nil
	}
	return s
}

// Config tunes the turn loop.
type Config struct {
	// MaxIterations bounds stream-then-tool round trips per turn.
	MaxIterations int
	// ContextTokens is the token budget when the request sets none.
	ContextTokens int
	// Commit is the gateway build commit recorded in turn markers.
	Commit string
	// FallbackParser enables plaintext tool-call recovery.
	FallbackParser bool
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = 32768
	}
	return c
}

// Orchestrator owns the chat turn loop.
type Orchestrator struct {
	store     *store.Store
	locks     *sessionlock.Table
	approvals *approval.Hub
	providers *provider.Registry
	tools     *tools.Registry
	root      *workspace.Root
	metrics   *observability.Metrics
	logger    *slog.Logger
	cfg       Config
}

// New wires the orchestrator. metrics may be nil.
func New(st *store.Store, locks *sessionlock.Table, approvals *approval.Hub, providers *provider.Registry, registry *tools.Registry, root *workspace.Root, metrics *observability.Metrics, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		locks:     locks,
		approvals: approvals,
		providers: providers,
		tools:     registry,
		root:      root,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator"),
		cfg:       cfg.withDefaults(),
	}
}

// Locks exposes the session lock table so the store's delete protection and
// the gateway share one instance.
func (o *Orchestrator) Locks() *sessionlock.Table { return o.locks }

// HandleChat validates the request, serializes behind the session lock, and
// runs the turn. A non-nil return means nothing was streamed yet and the
// caller should render the error as JSON.
func (o *Orchestrator) HandleChat(ctx context.Context, w http.ResponseWriter, req *Request) error {
	if strings.TrimSpace(req.UserText) == "" {
		return fmt.Errorf("%w: userText must not be empty", ErrInvalidRequest)
	}
	if !models.IsValidSessionID(req.SessionID) {
		return fmt.Errorf("%w: bad session id %q", ErrInvalidRequest, req.SessionID)
	}

	streamMode := req.StreamMode
	if streamMode == "" {
		streamMode = StreamFull
	}
	if streamMode != StreamFull && streamMode != StreamFinal {
		return fmt.Errorf("%w: unknown streamMode %q", ErrInvalidRequest, req.StreamMode)
	}

	toolMode := req.ToolAccessMode
	if toolMode == "" {
		toolMode = tools.ModeSafe
	}
	if toolMode != tools.ModeFull && toolMode != tools.ModeSafe {
		return fmt.Errorf("%w: unknown toolAccessMode %q", ErrInvalidRequest, req.ToolAccessMode)
	}

	sampling := req.sampling()
	if err := provider.ValidateSampling(sampling); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Route key syntax is a request error; whether the profile exists is
	// decided under the lock and reported on the stream.
	if _, err := provider.ParseRouteKey(req.Model, o.providers.DefaultScheme()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return o.locks.With(ctx, req.SessionID, func() error {
		return o.runTurn(ctx, w, req, sampling, streamMode, toolMode)
	})
}

func (o *Orchestrator) runTurn(ctx context.Context, w http.ResponseWriter, req *Request, sampling *models.Sampling, streamMode, toolMode string) error {
	start := time.Now()
	sessionID := req.SessionID
	logger := o.logger.With("session", sessionID)

	// Hydrate.
	meta, err := o.store.Ensure(sessionID, &store.Seed{Origin: req.Origin})
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	needsTitle := meta.Title == ""
	patchOrigin := req.Origin != nil && meta.Origin.Compatible(req.Origin)
	if needsTitle || patchOrigin {
		if _, err := o.store.UpdateMeta(sessionID, func(m *models.Meta) {
			if needsTitle {
				if title := req.Origin.Label(); title != "" {
					m.Title = title
				} else {
					m.Title = firstRunes(req.UserText, 80)
				}
			}
			if patchOrigin {
				m.Origin = req.Origin
			}
		}); err != nil {
			return fmt.Errorf("update meta: %w", err)
		}
	}

	// Append user.
	if err := o.store.Append(sessionID, models.MessageRecord(models.RoleUser, req.UserText), time.Now().UTC()); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	out, err := sse.NewWriter(w, logger)
	if err != nil {
		return err
	}
	defer out.Close()
	em := &emitter{ctx: ctx, out: out, mode: streamMode, metrics: o.metrics}

	// Resolve backend. A dead route is reported on the stream and closes
	// the turn normally.
	sel, err := o.providers.Resolve(req.Model)
	if err != nil {
		em.send(eventMeta, metaEvent{SessionID: sessionID, Model: req.Model})
		o.failTurn(em, sessionID, req.Model, "invalid_request", err.Error())
		o.countTurn("none", "route_error", start)
		return nil
	}
	routeName := sel.Key.String()
	logger = logger.With("route", routeName)

	// Tool surface for this turn.
	var enabledSet map[string]bool
	if req.EnabledTools != nil {
		enabledSet = make(map[string]bool, len(req.EnabledTools))
		for _, name := range req.EnabledTools {
			enabledSet[name] = true
		}
	}
	toolList := o.tools.List(enabledSet)
	specs := make([]provider.ToolSpec, 0, len(toolList))
	for _, t := range toolList {
		specs = append(specs, provider.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}

	system := o.composeSystemPrompt(toolList)

	// Budget context.
	budget := req.ContextTokenLimit
	if budget <= 0 {
		budget = o.cfg.ContextTokens
	}
	transcript, err := o.store.Read(sessionID)
	if err != nil {
		// Headers are already on the wire; report on-stream.
		em.send(eventMeta, metaEvent{SessionID: sessionID, Model: routeName})
		o.failTurn(em, sessionID, routeName, "internal", "read transcript: "+err.Error())
		o.countTurn(sel.Key.Scheme, "internal_error", start)
		return nil
	}
	pctx := provider.BuildContext(transcript.Records, budget)

	em.send(eventMeta, metaEvent{SessionID: sessionID, Model: routeName, UsedTokens: pctx.UsedTokens})
	out.StartKeepAlive(sse.KeepAliveInterval)

	msgs := pctx.Messages
	usedTokens := pctx.UsedTokens
	finalText := ""
	outcome := "ok"

turnLoop:
	for iteration := 0; iteration < o.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			o.clientGone(sessionID, logger)
			outcome = "aborted"
			break
		}

		started := false
		var partial strings.Builder
		res, streamErr := sel.Provider.StreamTurn(ctx, provider.Request{
			Model:    sel.Model,
			System:   system,
			Messages: msgs,
			Tools:    specs,
			Sampling: sampling,
		}, func(text string) error {
			partial.WriteString(text)
			if !started {
				started = true
				em.intermediate(eventAssistantStart, struct{}{})
			}
			em.intermediate(eventDelta, deltaEvent{Text: text})
			return nil
		})
		if streamErr != nil {
			if ctx.Err() != nil {
				// Client abort: keep what already streamed, no more events.
				if partial.Len() > 0 {
					o.append(sessionID, provider.AssistantMessage(partial.String(), nil), logger)
				}
				o.clientGone(sessionID, logger)
				outcome = "aborted"
				break
			}
			code := "upstream_network"
			var httpErr *provider.UpstreamHTTPError
			if errors.As(streamErr, &httpErr) {
				code = "upstream_http"
			}
			if o.metrics != nil {
				o.metrics.UpstreamErrors.WithLabelValues(sel.Key.Scheme, code).Inc()
			}
			logger.Error("upstream turn failed", "error", streamErr)
			o.failTurn(em, sessionID, routeName, code, streamErr.Error())
			o.countTurn(sel.Key.Scheme, code, start)
			return nil
		}

		calls := res.ToolCalls
		if o.cfg.FallbackParser && res.FinishReason == provider.FinishToolCalls && len(calls) == 0 {
			if calls = parsePlainToolCalls(res.Text); len(calls) > 0 {
				logger.Warn("synthesized tool calls from plaintext", "count", len(calls))
				o.logFallbackWarning(sessionID, len(calls), res.Text)
			}
		}
		if res.UsedTokens > 0 {
			usedTokens = res.UsedTokens
		}

		assistant := provider.AssistantMessage(res.Text, calls)
		o.append(sessionID, assistant, logger)
		em.send(eventAssistantEnd, assistantEndEvent{Text: res.Text, ToolCalls: calls})

		if len(calls) == 0 {
			finalText = res.Text
			break
		}

		msgs = append(msgs, assistant)
		for _, call := range calls {
			if ctx.Err() != nil {
				o.clientGone(sessionID, logger)
				outcome = "aborted"
				break turnLoop
			}
			content := o.runToolCall(ctx, em, sessionID, req.Origin, call, toolMode, enabledSet)
			toolRec := provider.ToolResultMessage(call.ID, content)
			o.append(sessionID, toolRec, logger)
			msgs = append(msgs, toolRec)
		}
	}

	if streamMode == StreamFinal && outcome == "ok" {
		em.send(eventFinal, finalEvent{Text: finalText})
	}

	o.closeTurn(sessionID, routeName, req.Origin, models.TurnMeta{
		ID:            uuid.NewString(),
		Model:         routeName,
		ContextTokens: budget,
		UsedTokens:    usedTokens,
		Commit:        o.cfg.Commit,
		Overrides:     sampling,
	}, logger)
	em.send(eventDone, struct{}{})
	o.countTurn(sel.Key.Scheme, outcome, start)
	return nil
}

// failTurn reports a turn-level failure on the stream and records it in the
// transcript so the next request continues from a consistent state.
func (o *Orchestrator) failTurn(em *emitter, sessionID, model, code, message string) {
	em.send(eventError, errorPayload{Code: code, Message: message})
	o.append(sessionID, provider.AssistantMessage(fmt.Sprintf("[%s] %s", code, message), nil), o.logger)
	o.closeTurn(sessionID, model, nil, models.TurnMeta{
		ID:     uuid.NewString(),
		Model:  model,
		Commit: o.cfg.Commit,
	}, o.logger)
	em.send(eventDone, struct{}{})
}

func (o *Orchestrator) closeTurn(sessionID, route string, origin *models.Origin, turn models.TurnMeta, logger *slog.Logger) {
	if err := o.store.AppendTurn(sessionID, turn, time.Now().UTC()); err != nil {
		logger.Error("append turn marker failed", "error", err)
	}
	if _, err := o.store.UpdateMeta(sessionID, func(m *models.Meta) {
		m.LastRoute = route
		if origin != nil && m.Origin.Compatible(origin) {
			m.Origin = origin
		}
	}); err != nil {
		logger.Error("update meta failed", "error", err)
	}
}

// clientGone cancels everything waiting on this session's turn.
func (o *Orchestrator) clientGone(sessionID string, logger *slog.Logger) {
	o.approvals.CancelSession(sessionID)
	logger.Info("client disconnected mid-turn")
}

func (o *Orchestrator) append(sessionID string, rec models.Record, logger *slog.Logger) {
	if err := o.store.Append(sessionID, rec, time.Now().UTC()); err != nil {
		logger.Error("transcript append failed", "role", rec.Role, "error", err)
	}
}

func (o *Orchestrator) countTurn(scheme, outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.TurnsTotal.WithLabelValues(scheme, outcome).Inc()
	o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

func firstRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
