package store

import (
	"context"
	"errors"
	"time"

	"outreach-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set status transition finds the row in another status.
	ErrConflict = errors.New("status conflict")
	// ErrDuplicateKey is returned when a transition would give an idempotency key a second live item.
	ErrDuplicateKey = errors.New("idempotency key owned by a live item")
)

// QueueFilter narrows ListQueueItems. Zero-valued fields do not filter.
type QueueFilter struct {
	Statuses      []models.QueueStatus
	Kinds         []string
	DueAt         *time.Time // scheduled_for is null or <= DueAt
	DecidedBefore *time.Time
	Limit         int
}

type TenantRepo interface {
	CreateTenant(ctx context.Context, t models.Tenant) error
	AddMember(ctx context.Context, m models.TenantMember) error
	ListActiveTenants(ctx context.Context, limit int) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	SetTenantPaused(ctx context.Context, id string, paused bool) error
	MemberRole(ctx context.Context, tenantID, userID string) (string, error)
	GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	PutTenantSetting(ctx context.Context, tenantID, key, value string) error
}

type RunRepo interface {
	CreateRun(ctx context.Context, run models.PipelineRun) error
	FinishRun(ctx context.Context, id, status string, stats map[string]any, errMsg *string, at time.Time) error
	FailStaleRuns(ctx context.Context, tenantID string, startedBefore time.Time) (int64, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]models.PipelineRun, error)
}

type QueueRepo interface {
	// InsertQueueItem returns the stored row and true when an existing live item with the same
	// (tenant, kind, idempotency key) was reused instead.
	InsertQueueItem(ctx context.Context, item models.QueueItem) (models.QueueItem, bool, error)
	GetQueueItem(ctx context.Context, tenantID, id string) (models.QueueItem, error)
	TransitionQueueItem(ctx context.Context, t models.Transition) (models.QueueItem, error)
	ListQueueItems(ctx context.Context, tenantID string, f QueueFilter) ([]models.QueueItem, error)
	CountQueueByStatus(ctx context.Context, tenantID string) (map[models.QueueStatus]int, error)
}

type CooldownRepo interface {
	// ActiveCooldown returns the latest-expiring cooldown among keys still active at now, or nil.
	ActiveCooldown(ctx context.Context, tenantID string, keys []string, now time.Time) (*models.Cooldown, error)
	SetCooldown(ctx context.Context, c models.Cooldown) error
}

type AuditRepo interface {
	AppendPublishAudit(ctx context.Context, a models.PublishAudit) error
	CountPublishAudits(ctx context.Context, tenantID, status string, since time.Time) (int, error)
	ListPublishAudits(ctx context.Context, tenantID, queueItemID string) ([]models.PublishAudit, error)
}

type TokenRepo interface {
	GetToken(ctx context.Context, tenantID, provider string) (models.OAuthToken, error)
	UpsertToken(ctx context.Context, tok models.OAuthToken) error
	// SwapToken replaces the live row only while its refresh token ciphertext is still prevRefreshEnc.
	SwapToken(ctx context.Context, tok models.OAuthToken, prevRefreshEnc string) (bool, error)
	RevokeToken(ctx context.Context, tenantID, provider string, at time.Time) error
	AppendCredentialEvent(ctx context.Context, ev models.CredentialEvent) error
}

type AdminActionRepo interface {
	AppendAdminAction(ctx context.Context, a models.AdminAction) error
	// FindAdminAction returns the tenant's most recent action recorded with key and status.
	FindAdminAction(ctx context.Context, tenantID, idempotencyKey, status string) (models.AdminAction, error)
	ListAdminActions(ctx context.Context, tenantID string, limit int) ([]models.AdminAction, error)
}

// Repository is the full persistence surface implemented by Store and memstore.
type Repository interface {
	TenantRepo
	RunRepo
	QueueRepo
	CooldownRepo
	AuditRepo
	TokenRepo
	AdminActionRepo
}

var _ Repository = (*Store)(nil)
