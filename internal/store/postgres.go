package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports datastore connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ListActiveTenants returns active tenants oldest first. limit <= 0 means no limit.
func (s *Store) ListActiveTenants(ctx context.Context, limit int) ([]models.Tenant, error) {
	query := `SELECT id, name, status, paused, created_at, updated_at FROM tenants WHERE status = $1 ORDER BY created_at, id`
	args := []any{models.TenantActive}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.Paused, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTenant inserts a tenant row; an existing id is left untouched.
func (s *Store) CreateTenant(ctx context.Context, t models.Tenant) error {
	if t.Status == "" {
		t.Status = models.TenantActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Name, t.Status, t.Paused)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// AddMember grants or changes a user's role within a tenant.
func (s *Store) AddMember(ctx context.Context, m models.TenantMember) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_members (tenant_id, user_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, m.TenantID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, paused, created_at, updated_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Status, &t.Paused, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) SetTenantPaused(ctx context.Context, id string, paused bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET paused = $2, updated_at = NOW() WHERE id = $1`, id, paused)
	if err != nil {
		return fmt.Errorf("set tenant paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}

// MemberRole resolves the role a user holds within a tenant.
func (s *Store) MemberRole(ctx context.Context, tenantID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM tenant_members WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("member role: %w", err)
	}
	return role, nil
}

func (s *Store) GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	out := models.TenantSettings{TenantID: tenantID, Values: map[string]string{}}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT settings, updated_at FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&raw, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("get tenant settings: %w", err)
	}
	if err := json.Unmarshal(raw, &out.Values); err != nil {
		return out, fmt.Errorf("unmarshal tenant settings: %w", err)
	}
	return out, nil
}

// PutTenantSetting merges one key into the tenant's JSONB settings document.
func (s *Store) PutTenantSetting(ctx context.Context, tenantID, key, value string) error {
	patch, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return fmt.Errorf("marshal setting: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_settings (tenant_id, settings, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET settings = tenant_settings.settings || EXCLUDED.settings, updated_at = NOW()
	`, tenantID, patch)
	if err != nil {
		return fmt.Errorf("put tenant setting: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run models.PipelineRun) error {
	stats, err := json.Marshal(nonNilMap(run.Stats))
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, tenant_id, pipeline, dry_run, worker_id, status, stats, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.TenantID, run.Pipeline, run.DryRun, run.WorkerID, run.Status, stats, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

// FinishRun moves a running run to a terminal status. Runs already failed by FailStaleRuns stay failed.
func (s *Store) FinishRun(ctx context.Context, id, status string, stats map[string]any, errMsg *string, at time.Time) error {
	raw, err := json.Marshal(nonNilMap(stats))
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $2, stats = $3, error = $4, finished_at = $5
		WHERE id = $1 AND status = $6
	`, id, status, raw, errMsg, at, models.RunRunning)
	if err != nil {
		return fmt.Errorf("finish pipeline run: %w", err)
	}
	return nil
}

// FailStaleRuns marks runs still "running" past the lock TTL as failed. The lock having expired is
// the only evidence that their worker crashed.
func (s *Store) FailStaleRuns(ctx context.Context, tenantID string, startedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $3, error = 'lock expired before completion', finished_at = NOW()
		WHERE tenant_id = $1 AND status = $4 AND started_at < $2
	`, tenantID, startedBefore, models.RunFailed, models.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, pipeline, dry_run, worker_id, status, stats, error, started_at, finished_at
		FROM pipeline_runs WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.PipelineRun
	for rows.Next() {
		var r models.PipelineRun
		var raw []byte
		var errText pgtype.Text
		var finished pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Pipeline, &r.DryRun, &r.WorkerID, &r.Status, &raw, &errText, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		r.Error = textPtr(errText)
		r.FinishedAt = timePtr(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
