// Package approval is the queue state machine that gates every external write.
//
//	pending_review -> approved -> publishing -> published
//	                                         -> failed   (re-approvable)
//	                          <- publishing    (transient retry, attempts+1)
//	pending_review -> rejected
//	approved       -> expired
package approval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// ErrInvalidTransition is returned when an operation is not allowed from the item's status.
var ErrInvalidTransition = errors.New("invalid queue transition")

// AutoActor is recorded as decided_by for system approvals.
const AutoActor = "system:auto"

type Queue struct {
	repo store.QueueRepo
	now  func() time.Time
}

func New(repo store.QueueRepo) *Queue {
	return &Queue{repo: repo, now: time.Now}
}

// WithClock replaces the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// EnqueueRequest describes a drafted action.
type EnqueueRequest struct {
	TenantID       string
	Kind           string
	IdempotencyKey string
	Payload        models.QueuePayload
	AutoApprove    bool
}

// Enqueue stores a new item unless a live item already owns the idempotency key. created is
// false when the existing item was returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (item models.QueueItem, created bool, err error) {
	if req.TenantID == "" || req.Kind == "" || req.IdempotencyKey == "" {
		return models.QueueItem{}, false, errors.New("enqueue requires tenant, kind and idempotency key")
	}
	now := q.now().UTC()
	item = models.QueueItem{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Kind:           req.Kind,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.StatusPendingReview,
		CreatedAt:      now,
	}
	if req.AutoApprove {
		actor := AutoActor
		item.Status = models.StatusApproved
		item.DecidedAt = &now
		item.DecidedBy = &actor
	}
	stored, reused, err := q.repo.InsertQueueItem(ctx, item)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	if reused {
		telemetry.QueueEnqueued.WithLabelValues("duplicate").Inc()
		return stored, false, nil
	}
	telemetry.QueueEnqueued.WithLabelValues("created").Inc()
	return stored, true, nil
}

func (q *Queue) Get(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	return q.repo.GetQueueItem(ctx, tenantID, id)
}

// Approve moves an item to approved. Repeating it on an item that is already approved, being
// published or published returns the current item unchanged. A failed item cannot be re-approved
// once another live item owns its idempotency key.
func (q *Queue) Approve(ctx context.Context, tenantID, id, actor string) (models.QueueItem, error) {
	for {
		item, err := q.repo.GetQueueItem(ctx, tenantID, id)
		if err != nil {
			return models.QueueItem{}, err
		}
		switch item.Status {
		case models.StatusApproved, models.StatusPublishing, models.StatusPublished:
			return item, nil
		case models.StatusPendingReview, models.StatusFailed:
			updated, err := q.transition(ctx, models.Transition{
				TenantID: tenantID, ID: id, From: item.Status, To: models.StatusApproved, DecidedBy: &actor,
			})
			if errors.Is(err, store.ErrConflict) {
				continue // raced with another decision; re-evaluate
			}
			if errors.Is(err, store.ErrDuplicateKey) {
				// The pipeline already enqueued the same candidate again; that item is the one to decide on.
				return item, fmt.Errorf("approve %s: superseded by a live item with the same key: %w", item.ID, ErrInvalidTransition)
			}
			return updated, err
		default:
			return item, fmt.Errorf("approve from %s: %w", item.Status, ErrInvalidTransition)
		}
	}
}

// Reject is valid only from pending_review; rejecting a rejected item is a no-op.
func (q *Queue) Reject(ctx context.Context, tenantID, id, actor string) (models.QueueItem, error) {
	for {
		item, err := q.repo.GetQueueItem(ctx, tenantID, id)
		if err != nil {
			return models.QueueItem{}, err
		}
		switch item.Status {
		case models.StatusRejected:
			return item, nil
		case models.StatusPendingReview:
			updated, err := q.transition(ctx, models.Transition{
				TenantID: tenantID, ID: id, From: item.Status, To: models.StatusRejected, DecidedBy: &actor,
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return updated, err
		default:
			return item, fmt.Errorf("reject from %s: %w", item.Status, ErrInvalidTransition)
		}
	}
}

// MarkPublishing claims an approved item for exactly one publisher.
func (q *Queue) MarkPublishing(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	item, err := q.transition(ctx, models.Transition{TenantID: tenantID, ID: id, From: models.StatusApproved, To: models.StatusPublishing})
	if errors.Is(err, store.ErrConflict) {
		return models.QueueItem{}, fmt.Errorf("claim %s: %w", id, ErrInvalidTransition)
	}
	return item, err
}

// MarkResult records the terminal publish outcome for an item in publishing.
func (q *Queue) MarkResult(ctx context.Context, tenantID, id string, success bool, externalID, errMsg string) (models.QueueItem, error) {
	t := models.Transition{TenantID: tenantID, ID: id, From: models.StatusPublishing}
	if success {
		t.To = models.StatusPublished
		t.ExternalID = &externalID
	} else {
		t.To = models.StatusFailed
		t.LastError = &errMsg
	}
	item, err := q.transition(ctx, t)
	if errors.Is(err, store.ErrConflict) {
		return models.QueueItem{}, fmt.Errorf("result for %s: %w", id, ErrInvalidTransition)
	}
	return item, err
}

// Requeue returns a publishing item to approved for a later drain cycle, pushing its
// scheduled time out with jittered exponential backoff.
func (q *Queue) Requeue(ctx context.Context, tenantID, id, errMsg string, base, max time.Duration, attempt int) (models.QueueItem, error) {
	retryAt := q.now().UTC().Add(backoffWithJitter(base, max, attempt))
	item, err := q.transition(ctx, models.Transition{
		TenantID: tenantID, ID: id, From: models.StatusPublishing, To: models.StatusApproved,
		ScheduledFor: &retryAt, LastError: &errMsg, IncrementAttempts: true,
	})
	if errors.Is(err, store.ErrConflict) {
		return models.QueueItem{}, fmt.Errorf("requeue %s: %w", id, ErrInvalidTransition)
	}
	return item, err
}

// Release returns a claimed item to approved without counting an attempt. Used when the
// external call never happened.
func (q *Queue) Release(ctx context.Context, tenantID, id, reason string) (models.QueueItem, error) {
	item, err := q.transition(ctx, models.Transition{
		TenantID: tenantID, ID: id, From: models.StatusPublishing, To: models.StatusApproved, LastError: &reason,
	})
	if errors.Is(err, store.ErrConflict) {
		return models.QueueItem{}, fmt.Errorf("release %s: %w", id, ErrInvalidTransition)
	}
	return item, err
}

// ExpireStale expires approved items decided more than window ago.
func (q *Queue) ExpireStale(ctx context.Context, tenantID string, window time.Duration, limit int) (int, error) {
	cutoff := q.now().UTC().Add(-window)
	items, err := q.repo.ListQueueItems(ctx, tenantID, store.QueueFilter{
		Statuses:      []models.QueueStatus{models.StatusApproved},
		DecidedBefore: &cutoff,
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		_, err := q.transition(ctx, models.Transition{TenantID: tenantID, ID: item.ID, From: models.StatusApproved, To: models.StatusExpired})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// AutoApprove approves pending items whose kind the tenant opted into.
func (q *Queue) AutoApprove(ctx context.Context, tenantID string, kinds []string, limit int) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	items, err := q.repo.ListQueueItems(ctx, tenantID, store.QueueFilter{
		Statuses: []models.QueueStatus{models.StatusPendingReview},
		Kinds:    kinds,
		Limit:    limit,
	})
	if err != nil {
		return 0, err
	}
	actor := AutoActor
	n := 0
	for _, item := range items {
		_, err := q.transition(ctx, models.Transition{TenantID: tenantID, ID: item.ID, From: models.StatusPendingReview, To: models.StatusApproved, DecidedBy: &actor})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Due lists approved items whose scheduled time has arrived.
func (q *Queue) Due(ctx context.Context, tenantID string, limit int) ([]models.QueueItem, error) {
	now := q.now().UTC()
	return q.repo.ListQueueItems(ctx, tenantID, store.QueueFilter{
		Statuses: []models.QueueStatus{models.StatusApproved},
		DueAt:    &now,
		Limit:    limit,
	})
}

// Preview lists items awaiting review, oldest first.
func (q *Queue) Preview(ctx context.Context, tenantID string, limit int) ([]models.QueueItem, error) {
	return q.repo.ListQueueItems(ctx, tenantID, store.QueueFilter{
		Statuses: []models.QueueStatus{models.StatusPendingReview},
		Limit:    limit,
	})
}

func (q *Queue) Counts(ctx context.Context, tenantID string) (map[models.QueueStatus]int, error) {
	return q.repo.CountQueueByStatus(ctx, tenantID)
}

func (q *Queue) transition(ctx context.Context, t models.Transition) (models.QueueItem, error) {
	t.At = q.now().UTC()
	item, err := q.repo.TransitionQueueItem(ctx, t)
	if err != nil {
		return models.QueueItem{}, err
	}
	telemetry.QueueTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	return item, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
