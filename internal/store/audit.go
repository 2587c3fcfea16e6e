package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

// AppendPublishAudit adds an immutable publish attempt row.
func (s *Store) AppendPublishAudit(ctx context.Context, a models.PublishAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publish_audit_logs (id, tenant_id, queue_item_id, attempt_no, status, external_id, error, error_class, ambiguous, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.TenantID, a.QueueItemID, a.AttemptNo, a.Status, a.ExternalID, a.Error, a.ErrorClass, a.Ambiguous, a.DurationMS, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert publish audit: %w", err)
	}
	return nil
}

func (s *Store) CountPublishAudits(ctx context.Context, tenantID, status string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publish_audit_logs WHERE tenant_id = $1 AND status = $2 AND created_at >= $3
	`, tenantID, status, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count publish audits: %w", err)
	}
	return n, nil
}

func (s *Store) ListPublishAudits(ctx context.Context, tenantID, queueItemID string) ([]models.PublishAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, queue_item_id, attempt_no, status, external_id, error, error_class, ambiguous, duration_ms, created_at
		FROM publish_audit_logs WHERE tenant_id = $1 AND queue_item_id = $2 ORDER BY created_at, attempt_no
	`, tenantID, queueItemID)
	if err != nil {
		return nil, fmt.Errorf("list publish audits: %w", err)
	}
	defer rows.Close()

	var out []models.PublishAudit
	for rows.Next() {
		var a models.PublishAudit
		var externalID, errText pgtype.Text
		if err := rows.Scan(&a.ID, &a.TenantID, &a.QueueItemID, &a.AttemptNo, &a.Status, &externalID, &errText, &a.ErrorClass, &a.Ambiguous, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan publish audit: %w", err)
		}
		a.ExternalID = textPtr(externalID)
		a.Error = textPtr(errText)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendAdminAction records one control-plane invocation.
func (s *Store) AppendAdminAction(ctx context.Context, a models.AdminAction) error {
	args, err := json.Marshal(nonNilStrings(a.Args))
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var result []byte
	if a.Result != nil {
		if result, err = json.Marshal(a.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO admin_actions (id, actor_id, tenant_id, command, args, status, result_summary, result, error, duration_ms, request_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.ActorID, a.TenantID, a.Command, args, a.Status, a.ResultSummary, result, a.Error, a.DurationMS, a.RequestID, a.IdempotencyKey, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin action: %w", err)
	}
	return nil
}

const adminColumns = `id, actor_id, tenant_id, command, args, status, result_summary, result, error, duration_ms, request_id, idempotency_key, created_at`

func (s *Store) FindAdminAction(ctx context.Context, tenantID, idempotencyKey, status string) (models.AdminAction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+adminColumns+` FROM admin_actions
		WHERE tenant_id = $1 AND idempotency_key = $2 AND status = $3 ORDER BY created_at DESC LIMIT 1
	`, tenantID, idempotencyKey, status)
	return scanAdminAction(row)
}

func (s *Store) ListAdminActions(ctx context.Context, tenantID string, limit int) ([]models.AdminAction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+adminColumns+` FROM admin_actions WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list admin actions: %w", err)
	}
	defer rows.Close()

	var out []models.AdminAction
	for rows.Next() {
		a, err := scanAdminAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdminAction(row pgx.Row) (models.AdminAction, error) {
	var a models.AdminAction
	var args, result []byte
	var errText pgtype.Text
	err := row.Scan(&a.ID, &a.ActorID, &a.TenantID, &a.Command, &args, &a.Status, &a.ResultSummary, &result, &errText, &a.DurationMS, &a.RequestID, &a.IdempotencyKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AdminAction{}, ErrNotFound
	}
	if err != nil {
		return models.AdminAction{}, fmt.Errorf("scan admin action: %w", err)
	}
	if err := json.Unmarshal(args, &a.Args); err != nil {
		return models.AdminAction{}, fmt.Errorf("unmarshal args: %w", err)
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &a.Result); err != nil {
			return models.AdminAction{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	a.Error = textPtr(errText)
	return a, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
