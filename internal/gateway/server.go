// Package gateway assembles the HTTP surface: it wires the workspace, the
// session store, the approval hub, the tool subsystem, and the upstream
// provider registry, and serves the API over a loopback listener.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eclia-dev/eclia/internal/adapters"
	"github.com/eclia-dev/eclia/internal/approval"
	"github.com/eclia-dev/eclia/internal/artifacts"
	"github.com/eclia-dev/eclia/internal/config"
	"github.com/eclia-dev/eclia/internal/mcp"
	"github.com/eclia-dev/eclia/internal/observability"
	"github.com/eclia-dev/eclia/internal/orchestrator"
	"github.com/eclia-dev/eclia/internal/provider"
	"github.com/eclia-dev/eclia/internal/sessionlock"
	"github.com/eclia-dev/eclia/internal/store"
	"github.com/eclia-dev/eclia/internal/tools"
	"github.com/eclia-dev/eclia/internal/workspace"
)

// Server is the assembled gateway.
type Server struct {
	cfg    *config.Config
	root   *workspace.Root
	token  string
	logger *slog.Logger

	store     *store.Store
	locks     *sessionlock.Table
	approvals *approval.Hub
	orch      *orchestrator.Orchestrator
	artifacts *artifacts.Handler
	metrics   *observability.Metrics

	codex     map[string]*provider.Codex
	toolHost  *mcp.Client
	allowlist *config.AllowlistWatcher
}

// New builds the full gateway stack from config. commit is recorded in turn
// markers.
func New(cfg *config.Config, commit string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	token, err := root.LoadOrCreateToken()
	if err != nil {
		return nil, fmt.Errorf("gateway token: %w", err)
	}

	locks := sessionlock.New()
	st := store.New(root, locks.Held, logger)

	approvalTimeout, err := cfg.Gateway.ApprovalTimeoutDuration()
	if err != nil {
		return nil, err
	}
	hub := approval.NewHub(approvalTimeout, logger)

	artStore := artifacts.NewStore(root)

	watcher, err := config.NewAllowlistWatcher(cfg.Tools.Exec.AllowlistFile, cfg.Tools.Exec.Allowlist, logger)
	if err != nil {
		return nil, fmt.Errorf("allowlist watcher: %w", err)
	}

	var host *mcp.Client
	if cfg.Tools.Exec.Command != "" {
		host = mcp.NewClient(mcp.Config{
			Command:     cfg.Tools.Exec.Command,
			Args:        cfg.Tools.Exec.Args,
			Env:         cfg.Tools.Exec.Env,
			WorkDir:     cfg.Tools.Exec.WorkDir,
			CallTimeout: cfg.Tools.Exec.Timeout(),
		}, logger)
	}

	registry := provider.NewRegistry(cfg.Providers.DefaultScheme)
	codexByProfile := make(map[string]*provider.Codex)
	for name, profile := range cfg.Providers.Profiles {
		key := provider.RouteKey{Scheme: profile.Scheme, Profile: name}
		switch profile.Scheme {
		case provider.SchemeOpenAICompat:
			registry.Register(key, provider.NewOpenAICompat(profile.BaseURL, profile.APIKey), profile.Model)
		case provider.SchemeAnthropic:
			registry.Register(key, provider.NewAnthropic(profile.BaseURL, profile.APIKey), profile.Model)
		case provider.SchemeCodexOAuth:
			authPath := filepath.Join(root.StateDir(), "codex-"+name+".json")
			codex := provider.NewCodex(profile.Command, profile.Args, authPath, logger)
			codexByProfile[name] = codex
			registry.Register(key, codex, profile.Model)
		}
	}

	toolReg := tools.NewRegistry()
	if host != nil {
		toolReg.Register(tools.NewExecTool(host, watcher, artStore, cfg.Tools.Exec, logger))
	}
	toolReg.Register(tools.NewSendTool(adapters.NewClient(cfg.Adapters, logger), artStore, logger))
	toolReg.Register(tools.NewWebTool(cfg.Tools.Web, logger))

	metrics := observability.NewMetrics()
	orch := orchestrator.New(st, locks, hub, registry, toolReg, root, metrics, orchestrator.Config{
		Commit:         commit,
		FallbackParser: true,
	}, logger)

	return &Server{
		cfg:       cfg,
		root:      root,
		token:     token,
		logger:    logger.With("component", "gateway"),
		store:     st,
		locks:     locks,
		approvals: hub,
		orch:      orch,
		artifacts: artifacts.NewHandler(artStore, logger),
		metrics:   metrics,
		codex:     codexByProfile,
		toolHost:  host,
		allowlist: watcher,
	}, nil
}

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	s.approvals.Start()
	defer s.approvals.Stop()
	defer s.allowlist.Close()

	if s.toolHost != nil {
		if err := s.toolHost.Start(ctx); err != nil {
			return fmt.Errorf("start tool host: %w", err)
		}
		defer s.toolHost.Close()
	}

	listener, err := net.Listen("tcp", s.cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return g.Wait()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.auth(s.handleResetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/chat", s.auth(s.handleChat))
	// The artifact handler does its own GET/HEAD dispatch.
	mux.HandleFunc("/api/artifacts", s.auth(s.artifacts.ServeHTTP))
	mux.HandleFunc("GET /api/approvals", s.auth(s.handleListApprovals))
	mux.HandleFunc("POST /api/approvals/{id}", s.auth(s.handleDecideApproval))
	mux.HandleFunc("POST /api/providers/codex/login", s.auth(s.handleCodexLogin))
	mux.HandleFunc("GET /api/providers/codex/login/{id}", s.auth(s.handleCodexLoginStatus))

	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
