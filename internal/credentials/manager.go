// Package credentials owns delegated OAuth tokens: encrypted storage, refresh under a
// distributed lock, the authorize/callback flow and connection health.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
)

// ErrNoCredential is returned by operations that need a connected credential.
var ErrNoCredential = errors.New("no credential for tenant")

// Manager returns valid access tokens, refreshing at most once across all workers.
type Manager struct {
	tokens     store.TokenRepo
	locks      *lockstore.Store
	cipher     *Cipher
	refreshers map[string]Refresher
	settings   settings.Source
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewManager(tokens store.TokenRepo, locks *lockstore.Store, c *Cipher, src settings.Source, logger logrus.FieldLogger) *Manager {
	return &Manager{
		tokens:     tokens,
		locks:      locks,
		cipher:     c,
		refreshers: map[string]Refresher{},
		settings:   src,
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterProvider installs the refresher for a provider name.
func (m *Manager) RegisterProvider(provider string, r Refresher) {
	m.refreshers[provider] = r
}

func (m *Manager) usable(tok models.OAuthToken, skew time.Duration) bool {
	if tok.RevokedAt != nil || tok.AccessTokenEnc == "" {
		return false
	}
	if tok.ExpiresAt == nil {
		return true
	}
	return m.now().Add(skew).Before(*tok.ExpiresAt)
}

// GetValidToken returns a usable access token. ok=false means "cannot publish now"; err is
// reserved for infrastructure failures (datastore, lock store).
func (m *Manager) GetValidToken(ctx context.Context, tenantID, provider string) (string, bool, error) {
	eff, err := m.settings.Resolve(ctx, tenantID)
	if err != nil {
		return "", false, err
	}

	tok, err := m.tokens.GetToken(ctx, tenantID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if tok.RevokedAt != nil {
		return "", false, nil
	}
	if m.usable(tok, eff.RefreshSkew) {
		return m.open(tok)
	}
	if tok.RefreshTokenEnc == "" {
		return "", false, nil
	}

	lease, err := m.locks.AcquireWait(ctx, tenantID, lockstore.OAuthResource(provider), eff.RefreshLockTTL, eff.RefreshLockTTL)
	if errors.Is(err, lockstore.ErrBusy) {
		telemetry.TokenRefreshes.WithLabelValues("lock_busy").Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer func() {
		if _, err := m.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			logging.LogError(m.logger, "credentials", "GetValidToken", "release refresh lock", logrus.Fields{"tenant_id": tenantID}, err)
		}
	}()

	// Another worker may have refreshed while we waited.
	tok, err = m.tokens.GetToken(ctx, tenantID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if tok.RevokedAt != nil {
		return "", false, nil
	}
	if m.usable(tok, eff.RefreshSkew) {
		telemetry.TokenRefreshes.WithLabelValues("reused").Inc()
		return m.open(tok)
	}

	return m.refresh(ctx, lease, eff, tok)
}

func (m *Manager) refresh(ctx context.Context, lease *lockstore.Lease, eff settings.Effective, tok models.OAuthToken) (string, bool, error) {
	refresher, ok := m.refreshers[tok.Provider]
	if !ok {
		return "", false, fmt.Errorf("no refresher registered for provider %q", tok.Provider)
	}
	refreshToken, err := m.cipher.Decrypt(tok.RefreshTokenEnc)
	if err != nil {
		m.recordEvent(ctx, tok.TenantID, tok.Provider, models.CredentialRefreshFailed, "stored refresh token unreadable")
		return "", false, nil
	}

	fresh, err := refresher.Refresh(ctx, refreshToken)
	if err != nil {
		reason, revoke := failureReason(err)
		telemetry.TokenRefreshes.WithLabelValues("failed").Inc()
		m.recordEvent(ctx, tok.TenantID, tok.Provider, models.CredentialRefreshFailed, reason)
		m.logger.WithFields(logrus.Fields{"tenant_id": tok.TenantID, "provider": tok.Provider, "reason": reason}).Warn("token refresh failed")
		if revoke {
			if err := m.tokens.RevokeToken(ctx, tok.TenantID, tok.Provider, m.now().UTC()); err != nil {
				return "", false, err
			}
			m.recordEvent(ctx, tok.TenantID, tok.Provider, models.CredentialRevoked, reason)
		}
		return "", false, nil
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	row, err := m.seal(tok.TenantID, tok.Provider, fresh, tok.Scope)
	if err != nil {
		return "", false, err
	}

	// The old refresh token may already be dead at the provider. Without the lock, write only if
	// the row is still the one read under it.
	if err := m.locks.Renew(ctx, lease, eff.RefreshLockTTL); err != nil {
		if !errors.Is(err, lockstore.ErrLost) {
			return "", false, err
		}
		telemetry.TokenRefreshes.WithLabelValues("lock_lost").Inc()
		fields := logrus.Fields{"tenant_id": tok.TenantID, "provider": tok.Provider}
		swapped, err := m.tokens.SwapToken(ctx, row, tok.RefreshTokenEnc)
		if err != nil {
			return "", false, err
		}
		if !swapped {
			m.logger.WithFields(fields).Warn("refresh lock lost and credential changed underneath; rotated token discarded")
			return "", false, nil
		}
		m.logger.WithFields(fields).Warn("refresh lock lost; rotated token kept by compare-and-swap")
		m.recordEvent(ctx, tok.TenantID, tok.Provider, models.CredentialRefreshed, "refresh lock lost")
		return fresh.AccessToken, true, nil
	}

	if err := m.tokens.UpsertToken(ctx, row); err != nil {
		return "", false, err
	}
	telemetry.TokenRefreshes.WithLabelValues("refreshed").Inc()
	m.recordEvent(ctx, tok.TenantID, tok.Provider, models.CredentialRefreshed, "")
	return fresh.AccessToken, true, nil
}

// Connect stores a freshly exchanged token, replacing any previous row.
func (m *Manager) Connect(ctx context.Context, tenantID, provider string, tok *oauth2.Token) error {
	scope, _ := tok.Extra("scope").(string)
	if err := m.store(ctx, tenantID, provider, tok, scope); err != nil {
		return err
	}
	m.recordEvent(ctx, tenantID, provider, models.CredentialConnected, "")
	return nil
}

func (m *Manager) store(ctx context.Context, tenantID, provider string, tok *oauth2.Token, scope string) error {
	row, err := m.seal(tenantID, provider, tok, scope)
	if err != nil {
		return err
	}
	return m.tokens.UpsertToken(ctx, row)
}

// seal encrypts tok into a storable row.
func (m *Manager) seal(tenantID, provider string, tok *oauth2.Token, scope string) (models.OAuthToken, error) {
	access, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return models.OAuthToken{}, err
	}
	refresh, err := m.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return models.OAuthToken{}, err
	}
	row := models.OAuthToken{
		TenantID:        tenantID,
		Provider:        provider,
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		TokenType:       tok.Type(),
		Scope:           scope,
		UpdatedAt:       m.now().UTC(),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		row.ExpiresAt = &exp
	}
	return row, nil
}

// Status describes connection health without exposing token material.
type Status struct {
	Provider  string     `json:"provider"`
	Connected bool       `json:"connected"`
	Healthy   bool       `json:"healthy"`
	Scope     string     `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

func (m *Manager) Status(ctx context.Context, tenantID, provider string) (Status, error) {
	tok, err := m.tokens.GetToken(ctx, tenantID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return Status{Provider: provider}, nil
	}
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Provider:  provider,
		Connected: tok.RevokedAt == nil,
		Scope:     tok.Scope,
		ExpiresAt: tok.ExpiresAt,
		RevokedAt: tok.RevokedAt,
		UpdatedAt: tok.UpdatedAt,
	}
	// Healthy means usable now or refreshable.
	st.Healthy = st.Connected && (m.usable(tok, 0) || tok.RefreshTokenEnc != "")
	return st, nil
}

// Revoke marks the tenant's credential unusable.
func (m *Manager) Revoke(ctx context.Context, tenantID, provider string) error {
	err := m.tokens.RevokeToken(ctx, tenantID, provider, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoCredential
	}
	if err != nil {
		return err
	}
	m.recordEvent(ctx, tenantID, provider, models.CredentialRevoked, "revoked by operator")
	return nil
}

func (m *Manager) open(tok models.OAuthToken) (string, bool, error) {
	access, err := m.cipher.Decrypt(tok.AccessTokenEnc)
	if err != nil {
		return "", false, fmt.Errorf("decrypt access token: %w", err)
	}
	return access, true, nil
}

func (m *Manager) recordEvent(ctx context.Context, tenantID, provider, event, detail string) {
	err := m.tokens.AppendCredentialEvent(ctx, models.CredentialEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Provider:  provider,
		Event:     event,
		Detail:    detail,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		logging.LogError(m.logger, "credentials", "recordEvent", "append credential event", logrus.Fields{"tenant_id": tenantID, "event": event}, err)
	}
}
