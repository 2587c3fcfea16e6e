package memstore

import (
	"context"
	"time"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
)

func (s *Store) AppendPublishAudit(_ context.Context, a models.PublishAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

func (s *Store) CountPublishAudits(_ context.Context, tenantID, status string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.TenantID == tenantID && a.Status == status && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPublishAudits(_ context.Context, tenantID, queueItemID string) ([]models.PublishAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PublishAudit
	for _, a := range s.audits {
		if a.TenantID == tenantID && a.QueueItemID == queueItemID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GetToken(_ context.Context, tenantID, provider string) (models.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[pair(tenantID, provider)]
	if !ok {
		return models.OAuthToken{}, store.ErrNotFound
	}
	return tok, nil
}

func (s *Store) UpsertToken(_ context.Context, tok models.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(tok.TenantID, tok.Provider)
	if existing, ok := s.tokens[k]; ok {
		tok.CreatedAt = existing.CreatedAt
	} else {
		tok.CreatedAt = tok.UpdatedAt
	}
	tok.RevokedAt = nil
	s.tokens[k] = tok
	return nil
}

func (s *Store) SwapToken(_ context.Context, tok models.OAuthToken, prevRefreshEnc string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(tok.TenantID, tok.Provider)
	existing, ok := s.tokens[k]
	if !ok || existing.RevokedAt != nil || existing.RefreshTokenEnc != prevRefreshEnc {
		return false, nil
	}
	tok.CreatedAt = existing.CreatedAt
	s.tokens[k] = tok
	return true, nil
}

func (s *Store) RevokeToken(_ context.Context, tenantID, provider string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair(tenantID, provider)
	tok, ok := s.tokens[k]
	if !ok {
		return store.ErrNotFound
	}
	tok.RevokedAt = &at
	tok.UpdatedAt = at
	s.tokens[k] = tok
	return nil
}

func (s *Store) AppendCredentialEvent(_ context.Context, ev models.CredentialEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// CredentialEvents returns a copy of every recorded credential event.
func (s *Store) CredentialEvents() []models.CredentialEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CredentialEvent(nil), s.events...)
}

func (s *Store) AppendAdminAction(_ context.Context, a models.AdminAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return nil
}

func (s *Store) FindAdminAction(_ context.Context, tenantID, idempotencyKey, status string) (models.AdminAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if a.TenantID == tenantID && a.IdempotencyKey == idempotencyKey && a.Status == status {
			return a, nil
		}
	}
	return models.AdminAction{}, store.ErrNotFound
}

func (s *Store) ListAdminActions(_ context.Context, tenantID string, limit int) ([]models.AdminAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AdminAction
	for i := len(s.actions) - 1; i >= 0; i-- {
		if s.actions[i].TenantID == tenantID {
			out = append(out, s.actions[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AdminActions returns every recorded admin action in insertion order.
func (s *Store) AdminActions() []models.AdminAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AdminAction(nil), s.actions...)
}
