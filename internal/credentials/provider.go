package credentials

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"outreach-orchestrator/internal/config"
)

// Refresher exchanges a refresh token for a new token at the provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// NewOAuthConfig builds the provider client configuration.
func NewOAuthConfig(cfg config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.OAuthAuthorizeURL,
			TokenURL:  cfg.OAuthTokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// OAuthRefresher refreshes through golang.org/x/oauth2 with a bounded HTTP client.
type OAuthRefresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

func NewOAuthRefresher(cfg *oauth2.Config, timeout time.Duration) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	// An empty access token forces the token source to hit the token endpoint.
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// failureReason classifies a refresh error into a secret-free reason string.
func failureReason(err error) (reason string, revoke bool) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return "provider rejected grant: " + re.ErrorCode, true
		}
		if re.Response != nil {
			return "provider error: " + re.Response.Status, false
		}
		return "provider error", false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "provider timeout", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider timeout", false
	}
	return "refresh transport error", false
}
