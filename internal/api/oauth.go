package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
)

func (s *Server) flow(w http.ResponseWriter, r *http.Request) (string, OAuthFlow, bool) {
	provider := chi.URLParam(r, "provider")
	f, ok := s.flows[provider]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return provider, nil, false
	}
	return provider, f, true
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	_, f, ok := s.flow(w, r)
	if !ok {
		return
	}
	c := claimsFrom(r.Context())
	url, err := f.Authorize(r.Context(), c.TenantID, c.Subject)
	if err != nil {
		logging.LogError(s.logger, "api", "handleOAuthAuthorize", "start authorization", map[string]any{"tenant_id": c.TenantID}, err)
		writeError(w, http.StatusInternalServerError, "authorization unavailable")
		return
	}
	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": url})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, f, ok := s.flow(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	tenantID, err := f.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if errors.Is(err, credentials.ErrInvalidState) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	if err != nil {
		logging.LogError(s.logger, "api", "handleOAuthCallback", "complete authorization", map[string]any{"provider": provider}, err)
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "provider": provider, "connected": true})
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	provider, _, ok := s.flow(w, r)
	if !ok {
		return
	}
	st, err := s.creds.Status(r.Context(), claimsFrom(r.Context()).TenantID, provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	provider, _, ok := s.flow(w, r)
	if !ok {
		return
	}
	start := time.Now()
	c := claimsFrom(r.Context())
	err := s.creds.Revoke(r.Context(), c.TenantID, provider)

	action := models.AdminAction{
		ID:             uuid.NewString(),
		ActorID:        c.Subject,
		TenantID:       c.TenantID,
		Command:        "oauth_revoke",
		Args:           []string{provider},
		Status:         models.ActionSuccess,
		ResultSummary:  "revoked",
		RequestID:      middleware.GetReqID(r.Context()),
		IdempotencyKey: "http-" + uuid.NewString(),
	}
	code := http.StatusOK
	switch {
	case errors.Is(err, credentials.ErrNoCredential):
		code = http.StatusNotFound
		action.Status, action.ResultSummary = models.ActionError, "not_connected"
	case err != nil:
		code = http.StatusInternalServerError
		action.Status, action.ResultSummary = models.ActionError, "execution_error"
	}
	if err != nil {
		msg := err.Error()
		action.Error = &msg
	}
	action.DurationMS = time.Since(start).Milliseconds()
	s.recordAction(r, action)

	if code != http.StatusOK {
		writeError(w, code, action.ResultSummary)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "revoked": true})
}
