// Package gateway is the only code path allowed to write to the external platform.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// Publisher performs the external write.
type Publisher interface {
	Publish(ctx context.Context, token string, req platform.PublishRequest) (string, error)
}

// Credentials hands out usable tokens and can mark a credential unusable.
type Credentials interface {
	GetValidToken(ctx context.Context, tenantID, provider string) (string, bool, error)
	Revoke(ctx context.Context, tenantID, provider string) error
}

// KillSwitch reports the global publishing halt flag, read fresh on every call.
type KillSwitch interface {
	Engaged(ctx context.Context) (bool, error)
}

// Repo is the persistence the gateway reads and appends to directly.
type Repo interface {
	store.TenantRepo
	store.CooldownRepo
	store.AuditRepo
}

type Gateway struct {
	queue     *approval.Queue
	repo      Repo
	creds     Credentials
	flags     KillSwitch
	publisher Publisher
	settings  settings.Source
	provider  string
	logger    logrus.FieldLogger
	now       func() time.Time
}

type Options struct {
	Queue     *approval.Queue
	Repo      Repo
	Creds     Credentials
	Flags     KillSwitch
	Publisher Publisher
	Settings  settings.Source
	Provider  string
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

func New(o Options) *Gateway {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		queue:     o.Queue,
		repo:      o.Repo,
		creds:     o.Creds,
		flags:     o.Flags,
		publisher: o.Publisher,
		settings:  o.Settings,
		provider:  o.Provider,
		logger:    o.Logger,
		now:       now,
	}
}

// Publish runs the precondition chain, claims the item and performs the external write.
// The audit row for the attempt is always written before the queue status changes.
func (g *Gateway) Publish(ctx context.Context, item models.QueueItem) (string, error) {
	if err := leaseErr(ctx); err != nil {
		return "", err
	}
	eff, err := g.settings.Resolve(ctx, item.TenantID)
	if err != nil {
		return "", &PublishError{Class: ClassTransient, Reason: "resolve settings", Err: err}
	}

	token, perr := g.preconditions(ctx, item, eff)
	if perr != nil {
		telemetry.PublishAttempts.WithLabelValues("blocked", string(perr.Class)).Inc()
		return "", perr
	}

	if err := leaseErr(ctx); err != nil {
		return "", err
	}
	claimed, err := g.queue.MarkPublishing(ctx, item.TenantID, item.ID)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidTransition) {
			return "", g.contractViolation(ctx, item, err)
		}
		return "", &PublishError{Class: ClassTransient, Reason: "claim item", Err: err}
	}

	// Past the claim the call runs to completion; cancellation would only make the outcome ambiguous.
	callCtx := context.WithoutCancel(ctx)

	// Token retrieval can wait on the refresh lease, so limits are read again right before the call.
	if perr := g.limits(callCtx, claimed, eff); perr != nil {
		telemetry.PublishAttempts.WithLabelValues("blocked", string(perr.Class)).Inc()
		if _, err := g.queue.Release(callCtx, claimed.TenantID, claimed.ID, perr.Reason); err != nil {
			logging.LogError(g.logger, "gateway", "Publish", "release blocked item", logrus.Fields{"queue_item_id": claimed.ID}, err)
		}
		return "", perr
	}
	return g.execute(callCtx, claimed, token, eff)
}

func leaseErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), lockstore.ErrLost) {
		return &PublishError{Class: ClassLockLost, Reason: "tenant lease lost", Err: context.Cause(ctx)}
	}
	return &PublishError{Class: ClassTransient, Reason: "cancelled", Err: ctx.Err()}
}

// preconditions checks, in order: kill switch and tenant pause, cooldowns, daily cap, credential.
func (g *Gateway) preconditions(ctx context.Context, item models.QueueItem, eff settings.Effective) (string, *PublishError) {
	engaged, err := g.flags.Engaged(ctx)
	if err != nil {
		return "", &PublishError{Class: ClassTransient, Reason: "read kill switch", Err: err}
	}
	if engaged {
		return "", &PublishError{Class: ClassPolicy, Reason: "publishing halted", Err: ErrKillSwitch}
	}
	tenant, err := g.repo.GetTenant(ctx, item.TenantID)
	if err != nil {
		return "", &PublishError{Class: ClassTransient, Reason: "load tenant", Err: err}
	}
	if tenant.Paused || tenant.Status != models.TenantActive {
		return "", policy("tenant paused")
	}

	if perr := g.limits(ctx, item, eff); perr != nil {
		return "", perr
	}

	token, ok, err := g.creds.GetValidToken(ctx, item.TenantID, g.provider)
	if err != nil {
		return "", &PublishError{Class: ClassTransient, Reason: "load credential", Err: err}
	}
	if !ok {
		g.logger.WithFields(logrus.Fields{"tenant_id": item.TenantID, "provider": g.provider}).Warn("no usable credential; reconnect required")
		return "", &PublishError{Class: ClassAuthorization, Reason: "no usable credential"}
	}
	return token, nil
}

// limits checks target cooldowns and the tenant's daily cap.
func (g *Gateway) limits(ctx context.Context, item models.QueueItem, eff settings.Effective) *PublishError {
	now := g.now().UTC()
	cd, err := g.repo.ActiveCooldown(ctx, item.TenantID, item.Payload.TargetKeys(), now)
	if err != nil {
		return &PublishError{Class: ClassTransient, Reason: "read cooldowns", Err: err}
	}
	if cd != nil {
		return policy(fmt.Sprintf("cooldown on %s until %s", cd.TargetKey, cd.ExpiresAt.Format(time.RFC3339)))
	}

	if eff.DailyPublishCap > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		n, err := g.repo.CountPublishAudits(ctx, item.TenantID, models.AuditSuccess, midnight)
		if err != nil {
			return &PublishError{Class: ClassTransient, Reason: "count daily publishes", Err: err}
		}
		if n >= eff.DailyPublishCap {
			return policy(fmt.Sprintf("daily cap of %d reached", eff.DailyPublishCap))
		}
	}
	return nil
}

func (g *Gateway) execute(ctx context.Context, item models.QueueItem, token string, eff settings.Effective) (string, error) {
	attempt := item.Attempts + 1
	started := g.now()
	externalID, callErr := g.publisher.Publish(ctx, token, platform.PublishRequest{
		Text:           item.Payload.Text,
		InReplyTo:      item.Payload.InReplyTo,
		IdempotencyKey: item.ID,
	})
	duration := g.now().Sub(started)

	if callErr == nil {
		// The post exists from here on; cooldowns must not depend on the bookkeeping below.
		g.setCooldowns(ctx, item, eff)
		if err := g.audit(ctx, item, attempt, models.AuditSuccess, &externalID, nil, "", false, duration); err != nil {
			return externalID, err
		}
		if _, err := g.queue.MarkResult(ctx, item.TenantID, item.ID, true, externalID, ""); err != nil {
			logging.LogError(g.logger, "gateway", "execute", "mark published", logrus.Fields{"queue_item_id": item.ID, "external_id": externalID}, err)
			return externalID, &PublishError{Class: ClassContract, Reason: "mark published", Err: err}
		}
		telemetry.PublishAttempts.WithLabelValues("success", "").Inc()
		return externalID, nil
	}

	perr := classify(callErr)
	msg := callErr.Error()
	retry := perr.Class == ClassTransient && !perr.Ambiguous && attempt <= eff.MaxTransientRetries

	status := models.AuditFailed
	switch {
	case perr.Ambiguous:
		status = models.AuditAmbiguous
	case retry:
		status = models.AuditRetryScheduled
	case perr.Class == ClassAuthorization:
		status = models.AuditAuthorization
	}
	if err := g.audit(ctx, item, attempt, status, nil, &msg, perr.Class, perr.Ambiguous, duration); err != nil {
		return "", err
	}
	telemetry.PublishAttempts.WithLabelValues("error", string(perr.Class)).Inc()

	var err error
	switch {
	case retry:
		_, err = g.queue.Requeue(ctx, item.TenantID, item.ID, msg, eff.RetryBackoffInitial, eff.RetryBackoffMax, attempt)
	case perr.Class == ClassAuthorization && !perr.Ambiguous:
		// Back to approved; it goes out once the tenant reconnects.
		_, err = g.queue.Release(ctx, item.TenantID, item.ID, msg)
		if revokeErr := g.creds.Revoke(ctx, item.TenantID, g.provider); revokeErr != nil {
			logging.LogError(g.logger, "gateway", "execute", "revoke rejected credential", logrus.Fields{"tenant_id": item.TenantID}, revokeErr)
		}
	default:
		_, err = g.queue.MarkResult(ctx, item.TenantID, item.ID, false, "", msg)
	}
	if err != nil {
		logging.LogError(g.logger, "gateway", "execute", "record failed publish", logrus.Fields{"queue_item_id": item.ID, "class": perr.Class}, err)
	}
	if perr.Ambiguous {
		g.logger.WithFields(logrus.Fields{"tenant_id": item.TenantID, "queue_item_id": item.ID, "attempt": attempt}).
			Error("publish outcome ambiguous; manual reconciliation required")
	}
	return "", perr
}

func classify(err error) *PublishError {
	var pe *platform.Error
	if errors.As(err, &pe) {
		switch pe.Class {
		case platform.ClassTransient:
			return &PublishError{Class: ClassTransient, Reason: "platform unavailable", Ambiguous: pe.Ambiguous, Err: err}
		case platform.ClassAuthorization:
			return &PublishError{Class: ClassAuthorization, Reason: "platform rejected credential", Ambiguous: pe.Ambiguous, Err: err}
		default:
			return &PublishError{Class: ClassPermanent, Reason: "platform rejected request", Ambiguous: pe.Ambiguous, Err: err}
		}
	}
	// Unknown failures after the claim may have reached the platform.
	return &PublishError{Class: ClassTransient, Reason: "publish failed", Ambiguous: true, Err: err}
}

func (g *Gateway) audit(ctx context.Context, item models.QueueItem, attempt int, status string, externalID, errMsg *string, class Class, ambiguous bool, d time.Duration) error {
	err := g.repo.AppendPublishAudit(ctx, models.PublishAudit{
		ID:          uuid.NewString(),
		TenantID:    item.TenantID,
		QueueItemID: item.ID,
		AttemptNo:   attempt,
		Status:      status,
		ExternalID:  externalID,
		Error:       errMsg,
		ErrorClass:  string(class),
		Ambiguous:   ambiguous,
		DurationMS:  d.Milliseconds(),
		CreatedAt:   g.now().UTC(),
	})
	if err != nil {
		// The item stays in publishing; that status is the evidence for reconciliation.
		logging.LogError(g.logger, "gateway", "audit", "append publish audit", logrus.Fields{"queue_item_id": item.ID, "status": status}, err)
		return &PublishError{Class: ClassTransient, Reason: "audit write failed", Ambiguous: status == models.AuditSuccess, Err: err}
	}
	return nil
}

func (g *Gateway) contractViolation(ctx context.Context, item models.QueueItem, cause error) error {
	msg := fmt.Sprintf("publish requested for item in status %s: %v", item.Status, cause)
	if current, err := g.queue.Get(ctx, item.TenantID, item.ID); err == nil {
		msg = fmt.Sprintf("publish requested for item in status %s: %v", current.Status, cause)
	}
	_ = g.audit(ctx, item, item.Attempts+1, models.AuditContractViolation, nil, &msg, ClassContract, false, 0)
	telemetry.PublishAttempts.WithLabelValues("error", string(ClassContract)).Inc()
	logging.LogError(g.logger, "gateway", "Publish", "claim queue item", logrus.Fields{"tenant_id": item.TenantID, "queue_item_id": item.ID}, cause)
	return &PublishError{Class: ClassContract, Reason: "item not approved", Err: cause}
}

func (g *Gateway) setCooldowns(ctx context.Context, item models.QueueItem, eff settings.Effective) {
	now := g.now().UTC()
	for _, key := range item.Payload.TargetKeys() {
		d := eff.ThreadCooldown
		if strings.HasPrefix(key, "author:") {
			d = eff.AuthorCooldown
		}
		if d <= 0 {
			continue
		}
		err := g.repo.SetCooldown(ctx, models.Cooldown{TenantID: item.TenantID, TargetKey: key, ExpiresAt: now.Add(d), CreatedAt: now})
		if err != nil {
			logging.LogError(g.logger, "gateway", "setCooldowns", "set cooldown", logrus.Fields{"target_key": key}, err)
		}
	}
}
