// Package settings resolves the effective governance values for a tenant.
//
// Precedence: runtime override (Redis, time-bounded) > persisted tenant settings > process defaults.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/store"
)

// Setting keys, shared by the persisted JSONB document and runtime overrides.
const (
	KeyAutoQueue           = "auto_queue"
	KeyAutoApproveKinds    = "auto_approve_kinds"
	KeyRefreshSkew         = "refresh_skew"
	KeyPipelineLockTTL     = "pipeline_lock_ttl"
	KeyRefreshLockTTL      = "refresh_lock_ttl"
	KeyThreadCooldown      = "thread_cooldown"
	KeyAuthorCooldown      = "author_cooldown"
	KeyDailyPublishCap     = "daily_publish_cap"
	KeyApprovalWindow      = "approval_window"
	KeyMaxTransientRetries = "max_transient_retries"
	KeyCandidateLimit      = "candidate_limit"
	KeySearchQuery         = "search_query"
)

var keys = []string{
	KeyAutoQueue, KeyAutoApproveKinds, KeyRefreshSkew, KeyPipelineLockTTL, KeyRefreshLockTTL,
	KeyThreadCooldown, KeyAuthorCooldown, KeyDailyPublishCap, KeyApprovalWindow,
	KeyMaxTransientRetries, KeyCandidateLimit, KeySearchQuery,
}

// Effective is the resolved view for one tenant.
type Effective struct {
	AutoQueue           bool
	AutoApproveKinds    []string
	RefreshSkew         time.Duration
	PipelineLockTTL     time.Duration
	RefreshLockTTL      time.Duration
	ThreadCooldown      time.Duration
	AuthorCooldown      time.Duration
	DailyPublishCap     int
	ApprovalWindow      time.Duration
	MaxTransientRetries int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
	CandidateLimit      int
	SearchQuery         string
}

// AutoApproves reports whether items of kind skip human review for this tenant.
func (e Effective) AutoApproves(kind string) bool {
	for _, k := range e.AutoApproveKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// FromDefaults builds the bottom layer.
func FromDefaults(d config.Defaults, searchQuery string) Effective {
	return Effective{
		AutoQueue:           d.AutoQueue,
		AutoApproveKinds:    append([]string(nil), d.AutoApproveKinds...),
		RefreshSkew:         d.RefreshSkew,
		PipelineLockTTL:     d.PipelineLockTTL,
		RefreshLockTTL:      d.RefreshLockTTL,
		ThreadCooldown:      d.ThreadCooldown,
		AuthorCooldown:      d.AuthorCooldown,
		DailyPublishCap:     d.DailyPublishCap,
		ApprovalWindow:      d.ApprovalWindow,
		MaxTransientRetries: d.MaxTransientRetries,
		RetryBackoffInitial: d.RetryBackoffInitial,
		RetryBackoffMax:     d.RetryBackoffMax,
		CandidateLimit:      d.CandidateLimit,
		SearchQuery:         searchQuery,
	}
}

// Resolver layers tenant settings and overrides over process defaults.
type Resolver struct {
	base    Effective
	tenants store.TenantRepo
	client  redis.Cmdable
}

// NewResolver builds a resolver. client may be nil, which disables runtime overrides.
func NewResolver(base Effective, tenants store.TenantRepo, client redis.Cmdable) *Resolver {
	return &Resolver{base: base, tenants: tenants, client: client}
}

func overrideKey(tenantID, key string) string {
	return fmt.Sprintf("settings:override:%s:%s", tenantID, key)
}

// Resolve returns the effective settings for a tenant. Values that fail to parse are ignored
// and the next layer down applies.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Effective, error) {
	eff := r.base
	eff.AutoApproveKinds = append([]string(nil), r.base.AutoApproveKinds...)

	persisted, err := r.tenants.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return eff, fmt.Errorf("load tenant settings: %w", err)
	}
	for k, v := range persisted.Values {
		apply(&eff, k, v)
	}

	if r.client == nil {
		return eff, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = overrideKey(tenantID, k)
	}
	vals, err := r.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return eff, fmt.Errorf("load overrides: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			apply(&eff, keys[i], s)
		}
	}
	return eff, nil
}

// SetOverride stores a time-bounded runtime override.
func (r *Resolver) SetOverride(ctx context.Context, tenantID, key, value string, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("runtime overrides unavailable")
	}
	if err := Check(key, value); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("override ttl must be positive")
	}
	return r.client.Set(ctx, overrideKey(tenantID, key), value, ttl).Err()
}

func (r *Resolver) ClearOverride(ctx context.Context, tenantID, key string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, overrideKey(tenantID, key)).Err()
}

// Persist validates and writes a tenant-level setting.
func (r *Resolver) Persist(ctx context.Context, tenantID, key, value string) error {
	if err := Check(key, value); err != nil {
		return err
	}
	return r.tenants.PutTenantSetting(ctx, tenantID, key, value)
}

// Check reports whether value is acceptable for key.
func Check(key, value string) error {
	scratch := Effective{}
	if !apply(&scratch, key, value) {
		return fmt.Errorf("invalid value %q for setting %q", value, key)
	}
	return nil
}

func apply(e *Effective, key, value string) bool {
	switch key {
	case KeyAutoQueue:
		b, ok := config.ParseBool(value)
		if ok {
			e.AutoQueue = b
		}
		return ok
	case KeyAutoApproveKinds:
		e.AutoApproveKinds = config.SplitList(value)
		return true
	case KeySearchQuery:
		e.SearchQuery = value
		return true
	case KeyRefreshSkew:
		return setDuration(&e.RefreshSkew, value, true)
	case KeyPipelineLockTTL:
		return setDuration(&e.PipelineLockTTL, value, true)
	case KeyRefreshLockTTL:
		return setDuration(&e.RefreshLockTTL, value, true)
	case KeyThreadCooldown:
		return setDuration(&e.ThreadCooldown, value, false)
	case KeyAuthorCooldown:
		return setDuration(&e.AuthorCooldown, value, false)
	case KeyApprovalWindow:
		return setDuration(&e.ApprovalWindow, value, true)
	case KeyDailyPublishCap:
		return setInt(&e.DailyPublishCap, value, 0)
	case KeyMaxTransientRetries:
		return setInt(&e.MaxTransientRetries, value, 0)
	case KeyCandidateLimit:
		return setInt(&e.CandidateLimit, value, 1)
	}
	return false
}

// setDuration mirrors the config bounds: lock TTLs, skew and the approval window must be
// positive, cooldowns may be zero.
func setDuration(dst *time.Duration, v string, positive bool) bool {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (positive && d == 0) {
		return false
	}
	*dst = d
	return true
}

func setInt(dst *int, v string, floor int) bool {
	n, err := strconv.Atoi(v)
	if err != nil || n < floor {
		return false
	}
	*dst = n
	return true
}

// Source resolves effective settings for a tenant.
type Source interface {
	Resolve(ctx context.Context, tenantID string) (Effective, error)
}

// Static serves the same settings to every tenant.
type Static Effective

func (s Static) Resolve(context.Context, string) (Effective, error) { return Effective(s), nil }
