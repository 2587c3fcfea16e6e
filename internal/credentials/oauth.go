package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// ErrInvalidState is returned when a callback state is unknown, expired or already used.
var ErrInvalidState = errors.New("invalid or expired oauth state")

type pendingAuth struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Verifier string `json:"verifier"`
}

// OAuthFlow runs the authorization-code exchange with state and PKCE S256.
type OAuthFlow struct {
	provider string
	cfg      *oauth2.Config
	client   redis.Cmdable
	manager  *Manager
	stateTTL time.Duration
	http     *http.Client
}

func NewOAuthFlow(provider string, cfg *oauth2.Config, client redis.Cmdable, manager *Manager, stateTTL, timeout time.Duration) *OAuthFlow {
	return &OAuthFlow{
		provider: provider,
		cfg:      cfg,
		client:   client,
		manager:  manager,
		stateTTL: stateTTL,
		http:     &http.Client{Timeout: timeout},
	}
}

func (f *OAuthFlow) Provider() string { return f.provider }

func stateKey(state string) string { return "oauth:state:" + state }

// Authorize records a single-use state bound to the tenant and returns the provider URL.
func (f *OAuthFlow) Authorize(ctx context.Context, tenantID, actorID string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	raw, err := json.Marshal(pendingAuth{TenantID: tenantID, ActorID: actorID, Verifier: verifier})
	if err != nil {
		return "", err
	}
	if err := f.client.Set(ctx, stateKey(state), raw, f.stateTTL).Err(); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return f.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Callback consumes the state exactly once and stores the exchanged token for its tenant.
func (f *OAuthFlow) Callback(ctx context.Context, state, code string) (string, error) {
	if state == "" || code == "" {
		return "", ErrInvalidState
	}
	raw, err := f.client.GetDel(ctx, stateKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("load oauth state: %w", err)
	}
	var pending pendingAuth
	if err := json.Unmarshal(raw, &pending); err != nil {
		return "", ErrInvalidState
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.http)
	tok, err := f.cfg.Exchange(exchangeCtx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		reason, _ := failureReason(err)
		return "", fmt.Errorf("exchange authorization code: %s", reason)
	}
	if err := f.manager.Connect(ctx, pending.TenantID, f.provider, tok); err != nil {
		return "", err
	}
	return pending.TenantID, nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
