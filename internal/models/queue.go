package models

import (
	"time"
)

// QueueStatus enumerates approval queue lifecycle states persisted in Postgres.
type QueueStatus string

const (
	StatusPendingReview QueueStatus = "pending_review"
	StatusApproved      QueueStatus = "approved"
	StatusPublishing    QueueStatus = "publishing"
	StatusPublished     QueueStatus = "published"
	StatusFailed        QueueStatus = "failed"
	StatusRejected      QueueStatus = "rejected"
	StatusExpired       QueueStatus = "expired"
)

// Terminal reports whether no further automatic transition can leave the status.
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusPublished, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// BlocksEnqueue reports whether an existing item in this status makes a new enqueue with the
// same idempotency key a no-op.
func (s QueueStatus) BlocksEnqueue() bool {
	return !s.Terminal() || s == StatusPublished
}

// Queue item kinds.
const (
	KindReply = "reply"
	KindPost  = "post"
)

// QueueItem is one drafted outreach action awaiting a publishing decision.
type QueueItem struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Kind           string       `json:"kind"`
	Payload        QueuePayload `json:"payload"`
	IdempotencyKey string       `json:"idempotency_key"`
	Status         QueueStatus  `json:"status"`
	Attempts       int          `json:"attempts"`
	ExternalID     *string      `json:"external_id,omitempty"`
	LastError      *string      `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty"`
	DecidedBy      *string      `json:"decided_by,omitempty"`
	ScheduledFor   *time.Time   `json:"scheduled_for,omitempty"`
}

// QueuePayload carries the drafted content and its conversation target.
type QueuePayload struct {
	Text      string         `json:"text"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	AuthorID  string         `json:"author_id,omitempty"`
	SourceID  string         `json:"source_id,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	Intent    string         `json:"intent,omitempty"`
	Score     int            `json:"score,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TargetKeys lists the cooldown keys a publish of this payload touches.
func (p QueuePayload) TargetKeys() []string {
	keys := make([]string, 0, 2)
	thread := p.ThreadID
	if thread == "" {
		thread = p.InReplyTo
	}
	if thread != "" {
		keys = append(keys, ThreadTarget(thread))
	}
	if p.AuthorID != "" {
		keys = append(keys, AuthorTarget(p.AuthorID))
	}
	return keys
}

func ThreadTarget(id string) string { return "thread:" + id }
func AuthorTarget(id string) string { return "author:" + id }

// Transition describes a compare-and-set status change on a queue item.
// Optional fields are only written when non-nil.
type Transition struct {
	TenantID          string
	ID                string
	From              QueueStatus
	To                QueueStatus
	At                time.Time
	DecidedBy         *string
	ScheduledFor      *time.Time
	ExternalID        *string
	LastError         *string
	IncrementAttempts bool
}

// Cooldown suppresses publishing against one conversation target until ExpiresAt.
type Cooldown struct {
	TenantID  string    `json:"tenant_id"`
	TargetKey string    `json:"target_key"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
