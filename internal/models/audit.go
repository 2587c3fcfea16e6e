package models

import "time"

// Publish audit statuses.
const (
	AuditSuccess           = "success"
	AuditFailed            = "failed"
	AuditRetryScheduled    = "retry_scheduled"
	AuditAuthorization     = "authorization_failed"
	AuditAmbiguous         = "ambiguous"
	AuditContractViolation = "contract_violation"
)

// PublishAudit is an append-only record of one publish attempt.
type PublishAudit struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	QueueItemID string    `json:"queue_item_id"`
	AttemptNo   int       `json:"attempt_no"`
	Status      string    `json:"status"`
	ExternalID  *string   `json:"external_id,omitempty"`
	Error       *string   `json:"error,omitempty"`
	ErrorClass  string    `json:"error_class,omitempty"`
	Ambiguous   bool      `json:"ambiguous"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Admin action statuses.
const (
	ActionSuccess      = "success"
	ActionError        = "error"
	ActionUnauthorized = "unauthorized"
	ActionDuplicate    = "duplicate"
)

// AdminAction is the audit trail entry for one control-plane invocation.
type AdminAction struct {
	ID             string         `json:"id"`
	ActorID        string         `json:"actor_id"`
	TenantID       string         `json:"tenant_id"`
	Command        string         `json:"command"`
	Args           []string       `json:"args"`
	Status         string         `json:"status"`
	ResultSummary  string         `json:"result_summary"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	RequestID      string         `json:"request_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}
