package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/control"
	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/state"
	"outreach-orchestrator/internal/store/memstore"
)

const testSecret = "jwt-test-secret"

type fakeFlow struct{}

func (fakeFlow) Authorize(_ context.Context, tenantID, actorID string) (string, error) {
	return "https://auth.example/authorize?tenant=" + tenantID + "&actor=" + actorID, nil
}

func (fakeFlow) Callback(_ context.Context, state, code string) (string, error) {
	if state != "good" {
		return "", credentials.ErrInvalidState
	}
	return "T1", nil
}

type fakeCreds struct {
	token   string
	revoked bool
}

func (c *fakeCreds) GetValidToken(context.Context, string, string) (string, bool, error) {
	return c.token, c.token != "", nil
}

func (c *fakeCreds) Status(_ context.Context, _, provider string) (credentials.Status, error) {
	return credentials.Status{Provider: provider, Connected: c.token != "", Healthy: c.token != ""}, nil
}

func (c *fakeCreds) Revoke(context.Context, string, string) error {
	if c.token == "" {
		return credentials.ErrNoCredential
	}
	c.revoked = true
	c.token = ""
	return nil
}

type fakePublisher struct{ calls atomic.Int32 }

func (p *fakePublisher) Publish(_ context.Context, token string, req platform.PublishRequest) (string, error) {
	p.calls.Add(1)
	if req.Text == "boom" {
		return "", &platform.Error{Class: platform.ClassPermanent, Status: 400, Err: errors.New("bad request")}
	}
	return "ext-1", nil
}

type env struct {
	srv     *httptest.Server
	st      *memstore.Store
	flags   *state.Flags
	creds   *fakeCreds
	pub     *fakePublisher
	limiter *ratelimit.TokenBucket
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		OAuthProvider:        "x",
		JWTSecret:            testSecret,
		InternalSecret:       "internal",
		ControlWebhookSecret: "hook",
		DirectPublishEnabled: true,
		RateLimitCapacity:    100,
		RateLimitRefill:      10,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st := memstore.New()
	require.NoError(t, st.CreateTenant(ctx, models.Tenant{ID: "T1", Name: "t1"}))
	require.NoError(t, st.AddMember(ctx, models.TenantMember{TenantID: "T1", UserID: "u-admin", Role: models.RoleAdmin}))
	dir, err := control.ParseDirectory([]byte("allowed_chat_ids: [101]\nadmins:\n  - chat_user_id: 101\n    user_id: u-admin\n"))
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	e := &env{
		st:    st,
		flags: state.NewFlags(client),
		creds: &fakeCreds{token: "tok"},
		pub:   &fakePublisher{},
	}
	if cfg.RateLimitCapacity > 0 {
		e.limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	s := New(Options{
		Config: cfg,
		Checks: map[string]Check{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
		Flows:       map[string]OAuthFlow{cfg.OAuthProvider: fakeFlow{}},
		Credentials: e.creds,
		Control:     control.New(control.Options{Repo: st, Flags: e.flags, Directory: dir, Logger: logger}),
		Publisher:   e.pub,
		Flags:       e.flags,
		Actions:     st,
		Limiter:     e.limiter,
		Logger:      logger,
	})
	e.srv = httptest.NewServer(s.Router())
	t.Cleanup(e.srv.Close)
	t.Cleanup(mr.Close)
	return e
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "u-"+role, "T1", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadinessDegraded(t *testing.T) {
	s := New(Options{Checks: map[string]Check{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestOAuthRoutes(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.do(t, http.MethodGet, "/oauth/x/authorize", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/oauth/x/authorize", "", bearer(token(t, models.RoleMember)))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/oauth/x/authorize", "", bearer(token(t, models.RoleAdmin)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["authorize_url"], "tenant=T1")

	resp, _ = e.do(t, http.MethodGet, "/oauth/nope/authorize", "", bearer(token(t, models.RoleAdmin)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/oauth/x/status", "", bearer(token(t, models.RoleMember)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])

	resp, _ = e.do(t, http.MethodGet, "/oauth/x/callback?state=bad&code=c", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/oauth/x/callback?state=good&code=c", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "T1", body["tenant_id"])

	resp, _ = e.do(t, http.MethodGet, "/oauth/x/callback?error=access_denied", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOAuthRevokeRecordsAction(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/oauth/x/revoke", "", bearer(token(t, models.RoleAdmin)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, e.creds.revoked)

	resp, _ = e.do(t, http.MethodPost, "/oauth/x/revoke", "", bearer(token(t, models.RoleAdmin)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	actions := e.st.AdminActions()
	require.Len(t, actions, 2)
	assert.Equal(t, "oauth_revoke", actions[0].Command)
	assert.Equal(t, models.ActionSuccess, actions[0].Status)
	assert.Equal(t, models.ActionError, actions[1].Status)
}

const helpUpdate = `{"update_id": 7, "message": {"message_id": 1, "text": "/help", "from": {"id": 101}, "chat": {"id": 101}}}`

func TestControlWebhook(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, http.MethodPost, "/control/webhook/T1", helpUpdate, map[string]string{ControlSecretHeader: "hook"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, control.StatusOK, body["status"])
	assert.Equal(t, "available_commands", body["message"])

	resp, body = e.do(t, http.MethodPost, "/control/webhook/T1", helpUpdate, map[string]string{ControlSecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, control.StatusUnauthorized, body["status"])

	resp, body = e.do(t, http.MethodPost, "/control/webhook/T1", `{"update_id": 8}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, control.StatusIgnored, body["status"])

	resp, _ = e.do(t, http.MethodPost, "/control/webhook/T1", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	actions := e.st.AdminActions()
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionSuccess, actions[0].Status)
	assert.Equal(t, models.ActionUnauthorized, actions[1].Status)
}

func directHeaders(t *testing.T, role string) map[string]string {
	h := bearer(token(t, role))
	h[InternalSecretHeader] = "internal"
	return h
}

func TestDirectPublish(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"text": "hello", "idempotency_key": "k1"}`

	resp, _ := e.do(t, http.MethodPost, "/publish/direct", body, bearer(token(t, models.RoleAdmin)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing internal secret")

	resp, _ = e.do(t, http.MethodPost, "/publish/direct", body, directHeaders(t, models.RoleMember))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/publish/direct", `{"text": ""}`, directHeaders(t, models.RoleAdmin))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := e.do(t, http.MethodPost, "/publish/direct", body, directHeaders(t, models.RoleAdmin))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ActionSuccess, out["status"])

	resp, out = e.do(t, http.MethodPost, "/publish/direct", body, directHeaders(t, models.RoleOwner))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ActionDuplicate, out["status"])
	assert.EqualValues(t, 1, e.pub.calls.Load(), "replayed key must not publish again")

	resp, _ = e.do(t, http.MethodPost, "/publish/direct", `{"text": "boom", "idempotency_key": "k2"}`, directHeaders(t, models.RoleAdmin))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDirectPublishHonorsKillSwitch(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.flags.SetKillSwitch(context.Background(), true, "u-owner")
	require.NoError(t, err)

	resp, out := e.do(t, http.MethodPost, "/publish/direct", `{"text": "hi", "idempotency_key": "k"}`, directHeaders(t, models.RoleAdmin))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "kill_switch_engaged", out["error"])
	assert.Zero(t, e.pub.calls.Load())
}

func TestDirectPublishDisabled(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.DirectPublishEnabled = false })
	resp, _ := e.do(t, http.MethodPost, "/publish/direct", `{"text": "hi", "idempotency_key": "k"}`, directHeaders(t, models.RoleAdmin))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlWebhookRateLimited(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.RateLimitCapacity = 2
		c.RateLimitRefill = 0.001
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, http.MethodPost, "/control/webhook/T1", `{"update_id": 1}`, nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
