package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

const queueColumns = `id, tenant_id, kind, payload, idempotency_key, status, attempts, external_id, last_error,
	created_at, updated_at, decided_at, decided_by, scheduled_for`

const uniqueViolation = "23505"

// liveStatuses are the statuses covered by the partial unique idempotency index.
var liveStatuses = []string{
	string(models.StatusPendingReview),
	string(models.StatusApproved),
	string(models.StatusPublishing),
	string(models.StatusPublished),
}

// InsertQueueItem inserts a queue row unless a live row already owns the idempotency key,
// in which case the existing row is returned.
func (s *Store) InsertQueueItem(ctx context.Context, item models.QueueItem) (models.QueueItem, bool, error) {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return models.QueueItem{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, tenant_id, kind, payload, idempotency_key, status, attempts, created_at, updated_at, decided_at, decided_by, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`, item.ID, item.TenantID, item.Kind, payload, item.IdempotencyKey, string(item.Status), item.CreatedAt, item.DecidedAt, item.DecidedBy, item.ScheduledFor)
	if err != nil {
		return models.QueueItem{}, false, fmt.Errorf("insert queue item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		item.UpdatedAt = item.CreatedAt
		return item, false, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE tenant_id = $1 AND kind = $2 AND idempotency_key = $3 AND status = ANY($4)
		ORDER BY created_at DESC LIMIT 1
	`, item.TenantID, item.Kind, item.IdempotencyKey, liveStatuses)
	existing, err := scanQueueItem(row)
	if errors.Is(err, ErrNotFound) {
		return models.QueueItem{}, false, errors.New("idempotency conflict but no live queue item found")
	}
	if err != nil {
		return models.QueueItem{}, false, err
	}
	return existing, true, nil
}

func (s *Store) GetQueueItem(ctx context.Context, tenantID, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanQueueItem(row)
}

// TransitionQueueItem applies a compare-and-set status change. ErrConflict means the row exists
// in a status other than t.From; ErrNotFound means no such row for the tenant.
func (s *Store) TransitionQueueItem(ctx context.Context, t models.Transition) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_items SET
			status = $4,
			updated_at = $5,
			decided_at = CASE WHEN $6::text IS NULL THEN decided_at ELSE $5 END,
			decided_by = COALESCE($6::text, decided_by),
			scheduled_for = COALESCE($7::timestamptz, scheduled_for),
			external_id = COALESCE($8::text, external_id),
			last_error = COALESCE($9::text, last_error),
			attempts = attempts + CASE WHEN $10::bool THEN 1 ELSE 0 END
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING `+queueColumns,
		t.TenantID, t.ID, string(t.From), string(t.To), t.At, t.DecidedBy, t.ScheduledFor, t.ExternalID, t.LastError, t.IncrementAttempts)
	item, err := scanQueueItem(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return models.QueueItem{}, fmt.Errorf("queue item %s to %s: %w", t.ID, t.To, ErrDuplicateKey)
	}
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetQueueItem(ctx, t.TenantID, t.ID); getErr != nil {
			return models.QueueItem{}, getErr
		}
		return models.QueueItem{}, fmt.Errorf("queue item %s not in %s: %w", t.ID, t.From, ErrConflict)
	}
	return item, err
}

func (s *Store) ListQueueItems(ctx context.Context, tenantID string, f QueueFilter) ([]models.QueueItem, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(f.Kinds) > 0 {
		add("kind = ANY($%d)", f.Kinds)
	}
	if f.DueAt != nil {
		add("(scheduled_for IS NULL OR scheduled_for <= $%d)", *f.DueAt)
	}
	if f.DecidedBefore != nil {
		add("decided_at < $%d", *f.DecidedBefore)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM queue_items WHERE %s ORDER BY created_at, id LIMIT $%d`,
		queueColumns, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) CountQueueByStatus(ctx context.Context, tenantID string) (map[models.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	out := map[models.QueueStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		out[models.QueueStatus(status)] = n
	}
	return out, rows.Err()
}

func scanQueueItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var payload []byte
	var status string
	var externalID, lastErr, decidedBy pgtype.Text
	var decidedAt, scheduledFor pgtype.Timestamptz

	err := row.Scan(&item.ID, &item.TenantID, &item.Kind, &payload, &item.IdempotencyKey, &status, &item.Attempts,
		&externalID, &lastErr, &item.CreatedAt, &item.UpdatedAt, &decidedAt, &decidedBy, &scheduledFor)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	item.Status = models.QueueStatus(status)
	item.ExternalID = textPtr(externalID)
	item.LastError = textPtr(lastErr)
	item.DecidedBy = textPtr(decidedBy)
	item.DecidedAt = timePtr(decidedAt)
	item.ScheduledFor = timePtr(scheduledFor)
	return item, nil
}

// ActiveCooldown returns the latest-expiring active cooldown among keys, or nil.
func (s *Store) ActiveCooldown(ctx context.Context, tenantID string, keys []string, now time.Time) (*models.Cooldown, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var c models.Cooldown
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, target_key, expires_at, created_at FROM cooldowns
		WHERE tenant_id = $1 AND target_key = ANY($2) AND expires_at > $3
		ORDER BY expires_at DESC LIMIT 1
	`, tenantID, keys, now).Scan(&c.TenantID, &c.TargetKey, &c.ExpiresAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active cooldown: %w", err)
	}
	return &c, nil
}

// SetCooldown upserts a cooldown, never shortening an existing one.
func (s *Store) SetCooldown(ctx context.Context, c models.Cooldown) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cooldowns (tenant_id, target_key, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, target_key) DO UPDATE
		SET expires_at = GREATEST(cooldowns.expires_at, EXCLUDED.expires_at), created_at = EXCLUDED.created_at
	`, c.TenantID, c.TargetKey, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}
