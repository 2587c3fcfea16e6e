package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
)

func (s *Store) InsertQueueItem(_ context.Context, item models.QueueItem) (models.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.TenantID == item.TenantID && existing.Kind == item.Kind &&
			existing.IdempotencyKey == item.IdempotencyKey && existing.Status.BlocksEnqueue() {
			return existing, true, nil
		}
	}
	item.UpdatedAt = item.CreatedAt
	s.items[item.ID] = item
	return item, false, nil
}

func (s *Store) GetQueueItem(_ context.Context, tenantID, id string) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return models.QueueItem{}, store.ErrNotFound
	}
	return item, nil
}

func (s *Store) TransitionQueueItem(_ context.Context, t models.Transition) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[t.ID]
	if !ok || item.TenantID != t.TenantID {
		return models.QueueItem{}, store.ErrNotFound
	}
	if item.Status != t.From {
		return models.QueueItem{}, fmt.Errorf("queue item %s not in %s: %w", t.ID, t.From, store.ErrConflict)
	}
	if t.To.BlocksEnqueue() && !item.Status.BlocksEnqueue() {
		for id, other := range s.items {
			if id != item.ID && other.TenantID == item.TenantID && other.Kind == item.Kind &&
				other.IdempotencyKey == item.IdempotencyKey && other.Status.BlocksEnqueue() {
				return models.QueueItem{}, fmt.Errorf("queue item %s to %s: %w", t.ID, t.To, store.ErrDuplicateKey)
			}
		}
	}
	item.Status = t.To
	item.UpdatedAt = t.At
	if t.DecidedBy != nil {
		at := t.At
		item.DecidedAt = &at
		item.DecidedBy = t.DecidedBy
	}
	if t.ScheduledFor != nil {
		item.ScheduledFor = t.ScheduledFor
	}
	if t.ExternalID != nil {
		item.ExternalID = t.ExternalID
	}
	if t.LastError != nil {
		item.LastError = t.LastError
	}
	if t.IncrementAttempts {
		item.Attempts++
	}
	s.items[t.ID] = item
	return item, nil
}

func (s *Store) ListQueueItems(_ context.Context, tenantID string, f store.QueueFilter) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueItem
	for _, item := range s.items {
		if item.TenantID != tenantID || !matches(item, f) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(item models.QueueItem, f store.QueueFilter) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, item.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, item.Kind) {
		return false
	}
	if f.DueAt != nil && item.ScheduledFor != nil && item.ScheduledFor.After(*f.DueAt) {
		return false
	}
	if f.DecidedBefore != nil && (item.DecidedAt == nil || !item.DecidedAt.Before(*f.DecidedBefore)) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Store) CountQueueByStatus(_ context.Context, tenantID string) (map[models.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.QueueStatus]int{}
	for _, item := range s.items {
		if item.TenantID == tenantID {
			out[item.Status]++
		}
	}
	return out, nil
}

func (s *Store) ActiveCooldown(_ context.Context, tenantID string, keys []string, now time.Time) (*models.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Cooldown
	for _, key := range keys {
		c, ok := s.cooldowns[pair(tenantID, key)]
		if !ok || !c.ExpiresAt.After(now) {
			continue
		}
		if best == nil || c.ExpiresAt.After(best.ExpiresAt) {
			found := c
			best = &found
		}
	}
	return best, nil
}

func (s *Store) SetCooldown(_ context.Context, c models.Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(c.TenantID, c.TargetKey)
	if existing, ok := s.cooldowns[k]; ok && existing.ExpiresAt.After(c.ExpiresAt) {
		c.ExpiresAt = existing.ExpiresAt
	}
	s.cooldowns[k] = c
	return nil
}
