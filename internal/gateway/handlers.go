package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/eclia-dev/eclia/internal/approval"
	"github.com/eclia-dev/eclia/internal/orchestrator"
	"github.com/eclia-dev/eclia/internal/provider"
	"github.com/eclia-dev/eclia/internal/store"
	"github.com/eclia-dev/eclia/pkg/models"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// auth enforces the bearer token on API routes. An empty token disables the
// check (bare local setups).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or bad bearer token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string         `json:"id"`
		Title  string         `json:"title,omitempty"`
		Origin *models.Origin `json:"origin,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "bad JSON body")
		return
	}
	meta, err := s.store.Ensure(body.ID, &store.Seed{Title: body.Title, Origin: body.Origin})
	if err != nil {
		if errors.Is(err, store.ErrInvalidSessionID) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(id); err != nil {
		writeStoreError(w, err)
		return
	}
	// A deleted session can no longer resolve its tickets.
	s.approvals.CancelSession(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrSessionInUse):
		writeError(w, http.StatusConflict, "session_in_use", err.Error())
	case errors.Is(err, store.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "bad JSON body")
		return
	}
	if err := s.orch.HandleChat(r.Context(), w, &req); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("chat turn failed before streaming", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.Pending()
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		filtered := pending[:0]
		for _, p := range pending {
			if p.SessionID == sid {
				filtered = append(filtered, p)
			}
		}
		pending = filtered
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "bad JSON body")
		return
	}
	if body.Decision != "approve" && body.Decision != "deny" {
		writeError(w, http.StatusBadRequest, "invalid_request", "decision must be approve or deny")
		return
	}
	err := s.approvals.Decide(r.PathValue("id"), body.Decision == "approve")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, approval.ErrUnknownApproval):
		writeError(w, http.StatusNotFound, "unknown_approval", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleCodexLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Profile string `json:"profile,omitempty"`
	}
	// An empty body selects the sole codex profile.
	json.NewDecoder(r.Body).Decode(&body)

	codex, err := s.pickCodex(body.Profile)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flow, err := codex.StartLogin(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "codex_login_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"loginId": flow.ID,
		"authUrl": flow.AuthURL,
		"state":   "pending",
	})
}

func (s *Server) handleCodexLoginStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, codex := range s.codex {
		if flow, ok := codex.LoginStatus(id); ok {
			state, errMsg := flow.State()
			out := map[string]string{
				"loginId": flow.ID,
				"authUrl": flow.AuthURL,
				"state":   state,
			}
			if errMsg != "" {
				out["error"] = errMsg
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown_login", "no login flow with id "+id)
}

func (s *Server) pickCodex(profile string) (*provider.Codex, error) {
	if profile != "" {
		if codex, ok := s.codex[profile]; ok {
			return codex, nil
		}
		return nil, errors.New("no codex-oauth profile named " + profile)
	}
	if len(s.codex) == 1 {
		for _, codex := range s.codex {
			return codex, nil
		}
	}
	if len(s.codex) == 0 {
		return nil, errors.New("no codex-oauth profile configured")
	}
	return nil, errors.New("multiple codex-oauth profiles; name one")
}
