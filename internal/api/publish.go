package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// InternalSecretHeader must accompany direct publish calls in addition to the bearer token.
const InternalSecretHeader = "X-Internal-Secret"

type directPublishRequest struct {
	Text           string `json:"text" validate:"required,max=280"`
	InReplyTo      string `json:"in_reply_to"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// handleDirectPublish posts immediately on behalf of an operator. It honors the kill switch but
// skips the approval queue, cooldown and daily cap. Repeated idempotency keys replay the first
// successful result.
func (s *Server) handleDirectPublish(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DirectPublishEnabled {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	start := time.Now()
	c := claimsFrom(r.Context())
	action := models.AdminAction{
		ID:        uuid.NewString(),
		ActorID:   c.Subject,
		TenantID:  c.TenantID,
		Command:   "publish_direct",
		RequestID: middleware.GetReqID(r.Context()),
	}
	done := func(code int, status, summary string, data map[string]any, err error) {
		action.Status = status
		action.ResultSummary = summary
		action.Result = data
		if err != nil {
			msg := err.Error()
			action.Error = &msg
		}
		action.DurationMS = time.Since(start).Milliseconds()
		s.recordAction(r, action)
		if code >= 300 {
			writeError(w, code, summary)
			return
		}
		writeJSON(w, code, map[string]any{"status": status, "result": data})
	}

	if !secretMatches(s.cfg.InternalSecret, r.Header.Get(InternalSecretHeader)) {
		action.IdempotencyKey = "direct-rejected-" + action.ID
		done(http.StatusUnauthorized, models.ActionUnauthorized, "invalid_internal_secret", nil, nil)
		return
	}

	var req directPublishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action.IdempotencyKey = "direct-" + c.TenantID + ":" + req.IdempotencyKey
	if req.InReplyTo != "" {
		action.Args = []string{req.InReplyTo}
	}

	if models.RoleRank(c.Role) < models.RoleRank(roleAdmin) {
		done(http.StatusForbidden, models.ActionUnauthorized, "insufficient_role", nil, nil)
		return
	}

	prev, err := s.actions.FindAdminAction(r.Context(), c.TenantID, action.IdempotencyKey, models.ActionSuccess)
	switch {
	case err == nil:
		done(http.StatusOK, models.ActionDuplicate, prev.ResultSummary, prev.Result, nil)
		return
	case !errors.Is(err, store.ErrNotFound):
		done(http.StatusInternalServerError, models.ActionError, "execution_error", nil, err)
		return
	}

	if s.flags != nil {
		engaged, err := s.flags.Engaged(r.Context())
		if err != nil {
			done(http.StatusServiceUnavailable, models.ActionError, "kill_switch_unavailable", nil, err)
			return
		}
		if engaged {
			done(http.StatusConflict, models.ActionError, "kill_switch_engaged", nil, nil)
			return
		}
	}

	token, ok, err := s.creds.GetValidToken(r.Context(), c.TenantID, s.cfg.OAuthProvider)
	if err != nil {
		done(http.StatusInternalServerError, models.ActionError, "execution_error", nil, err)
		return
	}
	if !ok {
		done(http.StatusConflict, models.ActionError, "credential_unavailable", nil, nil)
		return
	}

	externalID, err := s.pub.Publish(r.Context(), token, platform.PublishRequest{
		Text:           req.Text,
		InReplyTo:      req.InReplyTo,
		IdempotencyKey: action.IdempotencyKey,
	})
	if err != nil {
		var pe *platform.Error
		class := "unknown"
		if errors.As(err, &pe) {
			class = string(pe.Class)
		}
		telemetry.PublishAttempts.WithLabelValues("direct_failed", class).Inc()
		logging.LogError(s.logger, "api", "handleDirectPublish", "publish", map[string]any{"tenant_id": c.TenantID, "class": class}, err)
		done(http.StatusBadGateway, models.ActionError, "publish_failed", map[string]any{"class": class}, err)
		return
	}
	telemetry.PublishAttempts.WithLabelValues("direct_published", "").Inc()
	done(http.StatusOK, models.ActionSuccess, "published", map[string]any{"external_id": externalID}, nil)
}

func (s *Server) recordAction(r *http.Request, a models.AdminAction) {
	a.CreatedAt = time.Now().UTC()
	telemetry.AdminActions.WithLabelValues(a.Command, a.Status).Inc()
	if s.actions == nil {
		return
	}
	if err := s.actions.AppendAdminAction(context.WithoutCancel(r.Context()), a); err != nil {
		logging.LogError(s.logger, "api", "recordAction", "append admin action", map[string]any{"request_id": a.RequestID}, err)
	}
}
