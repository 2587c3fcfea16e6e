// Package memstore is an in-memory store.Repository used by tests and local dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
)

// Store keeps every table in maps guarded by one mutex, which gives the same atomicity
// the Postgres compare-and-set statements provide.
type Store struct {
	mu sync.Mutex

	tenants   map[string]models.Tenant
	members   map[string]string // tenant|user -> role
	settings  map[string]models.TenantSettings
	runs      map[string]models.PipelineRun
	items     map[string]models.QueueItem
	cooldowns map[string]models.Cooldown // tenant|target
	audits    []models.PublishAudit
	tokens    map[string]models.OAuthToken // tenant|provider
	events    []models.CredentialEvent
	actions   []models.AdminAction
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:   map[string]models.Tenant{},
		members:   map[string]string{},
		settings:  map[string]models.TenantSettings{},
		runs:      map[string]models.PipelineRun{},
		items:     map[string]models.QueueItem{},
		cooldowns: map[string]models.Cooldown{},
		tokens:    map[string]models.OAuthToken{},
	}
}

func pair(a, b string) string { return a + "|" + b }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateTenant(_ context.Context, t models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return nil
	}
	if t.Status == "" {
		t.Status = models.TenantActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) AddMember(_ context.Context, m models.TenantMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[pair(m.TenantID, m.UserID)] = m.Role
	return nil
}

func (s *Store) ListActiveTenants(_ context.Context, limit int) ([]models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Tenant
	for _, t := range s.tenants {
		if t.Status == models.TenantActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (s *Store) SetTenantPaused(_ context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, store.ErrNotFound)
	}
	t.Paused = paused
	t.UpdatedAt = time.Now().UTC()
	s.tenants[id] = t
	return nil
}

func (s *Store) MemberRole(_ context.Context, tenantID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.members[pair(tenantID, userID)]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func (s *Store) GetTenantSettings(_ context.Context, tenantID string) (models.TenantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.settings[tenantID]
	out := models.TenantSettings{TenantID: tenantID, Values: map[string]string{}, UpdatedAt: ts.UpdatedAt}
	if ok {
		for k, v := range ts.Values {
			out.Values[k] = v
		}
	}
	return out, nil
}

func (s *Store) PutTenantSetting(_ context.Context, tenantID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.settings[tenantID]
	if !ok {
		ts = models.TenantSettings{TenantID: tenantID, Values: map[string]string{}}
	}
	ts.Values[key] = value
	ts.UpdatedAt = time.Now().UTC()
	s.settings[tenantID] = ts
	return nil
}

func (s *Store) CreateRun(_ context.Context, run models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("pipeline run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) FinishRun(_ context.Context, id, status string, stats map[string]any, errMsg *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != models.RunRunning {
		return nil
	}
	run.Status = status
	run.Stats = stats
	run.Error = errMsg
	run.FinishedAt = &at
	s.runs[id] = run
	return nil
}

func (s *Store) FailStaleRuns(_ context.Context, tenantID string, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	msg := "lock expired before completion"
	for id, run := range s.runs {
		if run.TenantID == tenantID && run.Status == models.RunRunning && run.StartedAt.Before(startedBefore) {
			run.Status = models.RunFailed
			run.Error = &msg
			run.FinishedAt = &now
			s.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (s *Store) ListRuns(_ context.Context, tenantID string, limit int) ([]models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PipelineRun
	for _, run := range s.runs {
		if run.TenantID == tenantID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
