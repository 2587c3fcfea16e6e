package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

// GetToken returns the stored token row for a tenant and provider, revoked or not.
func (s *Store) GetToken(ctx context.Context, tenantID, provider string) (models.OAuthToken, error) {
	var tok models.OAuthToken
	var expires, revoked pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, provider, access_token_enc, refresh_token_enc, token_type, scope, expires_at, revoked_at, created_at, updated_at
		FROM oauth_tokens WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider).Scan(&tok.TenantID, &tok.Provider, &tok.AccessTokenEnc, &tok.RefreshTokenEnc, &tok.TokenType, &tok.Scope, &expires, &revoked, &tok.CreatedAt, &tok.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OAuthToken{}, ErrNotFound
	}
	if err != nil {
		return models.OAuthToken{}, fmt.Errorf("get token: %w", err)
	}
	tok.ExpiresAt = timePtr(expires)
	tok.RevokedAt = timePtr(revoked)
	return tok, nil
}

// UpsertToken rotates the single row for (tenant, provider) in place and clears any revocation.
func (s *Store) UpsertToken(ctx context.Context, tok models.OAuthToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (tenant_id, provider, access_token_enc, refresh_token_enc, token_type, scope, expires_at, revoked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $8)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL,
			updated_at = EXCLUDED.updated_at
	`, tok.TenantID, tok.Provider, tok.AccessTokenEnc, tok.RefreshTokenEnc, tok.TokenType, tok.Scope, tok.ExpiresAt, tok.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *Store) SwapToken(ctx context.Context, tok models.OAuthToken, prevRefreshEnc string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_tokens SET
			access_token_enc = $3, refresh_token_enc = $4, token_type = $5, scope = $6, expires_at = $7, updated_at = $8
		WHERE tenant_id = $1 AND provider = $2 AND refresh_token_enc = $9 AND revoked_at IS NULL
	`, tok.TenantID, tok.Provider, tok.AccessTokenEnc, tok.RefreshTokenEnc, tok.TokenType, tok.Scope, tok.ExpiresAt, tok.UpdatedAt, prevRefreshEnc)
	if err != nil {
		return false, fmt.Errorf("swap token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RevokeToken(ctx context.Context, tenantID, provider string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_tokens SET revoked_at = $3, updated_at = $3 WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider, at)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendCredentialEvent adds a secret-free credential audit row.
func (s *Store) AppendCredentialEvent(ctx context.Context, ev models.CredentialEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credential_events (id, tenant_id, provider, event, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.TenantID, ev.Provider, ev.Event, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential event: %w", err)
	}
	return nil
}
