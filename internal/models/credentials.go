package models

import "time"

// OAuthToken is the encrypted delegated credential for one tenant and provider.
type OAuthToken struct {
	TenantID        string     `json:"tenant_id"`
	Provider        string     `json:"provider"`
	AccessTokenEnc  string     `json:"-"`
	RefreshTokenEnc string     `json:"-"`
	TokenType       string     `json:"token_type"`
	Scope           string     `json:"scope"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Credential event names.
const (
	CredentialConnected     = "connected"
	CredentialRefreshed     = "refreshed"
	CredentialRefreshFailed = "refresh_failed"
	CredentialRevoked       = "revoked"
)

// CredentialEvent is a secret-free audit row for the credential lifecycle.
type CredentialEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
