package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"outreach-orchestrator/internal/control"
)

// ControlSecretHeader carries the webhook secret the chat platform was registered with.
const ControlSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20

// handleControlWebhook always answers 2xx for well-formed updates so the chat platform does not
// redeliver; the outcome is in the body and in the AdminAction trail.
func (s *Server) handleControlWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	env, ok, err := control.ParseUpdate(tenantID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, control.Response{TenantID: tenantID, Status: control.StatusIgnored, Message: "message_not_supported"})
		return
	}
	if s.cfg.ControlWebhookSecret != "" && !secretMatches(s.cfg.ControlWebhookSecret, r.Header.Get(ControlSecretHeader)) {
		writeJSON(w, http.StatusUnauthorized, s.control.Refuse(r.Context(), env, "invalid_webhook_secret"))
		return
	}
	writeJSON(w, http.StatusOK, s.control.Handle(r.Context(), env))
}
