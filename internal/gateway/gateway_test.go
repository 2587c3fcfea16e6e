package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/store/memstore"
)

type fakePublisher struct {
	calls atomic.Int32
	err   error
	hook  func()
}

func (p *fakePublisher) Publish(ctx context.Context, token string, req platform.PublishRequest) (string, error) {
	n := p.calls.Add(1)
	if p.hook != nil {
		p.hook()
	}
	if p.err != nil {
		return "", p.err
	}
	return "ext-" + string(rune('0'+n)), nil
}

type fakeCreds struct {
	ok      bool
	revoked atomic.Bool
	// onToken runs while the token is being fetched.
	onToken func()
}

func (c *fakeCreds) GetValidToken(context.Context, string, string) (string, bool, error) {
	if c.onToken != nil {
		c.onToken()
	}
	if !c.ok || c.revoked.Load() {
		return "", false, nil
	}
	return "token", true, nil
}

func (c *fakeCreds) Revoke(context.Context, string, string) error {
	c.revoked.Store(true)
	return nil
}

type fakeFlags struct{ engaged atomic.Bool }

func (f *fakeFlags) Engaged(context.Context) (bool, error) { return f.engaged.Load(), nil }

// orderedRepo records the order of audit appends and status transitions.
type orderedRepo struct {
	*memstore.Store
	mu     sync.Mutex
	ops    []string
	failTo models.QueueStatus
}

func (r *orderedRepo) AppendPublishAudit(ctx context.Context, a models.PublishAudit) error {
	r.mu.Lock()
	r.ops = append(r.ops, "audit:"+a.Status)
	r.mu.Unlock()
	return r.Store.AppendPublishAudit(ctx, a)
}

func (r *orderedRepo) TransitionQueueItem(ctx context.Context, t models.Transition) (models.QueueItem, error) {
	r.mu.Lock()
	r.ops = append(r.ops, "status:"+string(t.To))
	failTo := r.failTo
	r.mu.Unlock()
	if failTo != "" && t.To == failTo {
		return models.QueueItem{}, errors.New("connection reset")
	}
	return r.Store.TransitionQueueItem(ctx, t)
}

type harness struct {
	repo  *orderedRepo
	queue *approval.Queue
	pub   *fakePublisher
	creds *fakeCreds
	flags *fakeFlags
	gw    *Gateway
	now   time.Time
	eff   settings.Effective
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  &orderedRepo{Store: memstore.New()},
		pub:   &fakePublisher{},
		creds: &fakeCreds{ok: true},
		flags: &fakeFlags{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		eff: settings.Effective{
			ThreadCooldown:      6 * time.Hour,
			AuthorCooldown:      24 * time.Hour,
			DailyPublishCap:     20,
			MaxTransientRetries: 2,
			RetryBackoffInitial: time.Second,
			RetryBackoffMax:     time.Minute,
		},
	}
	require.NoError(t, h.repo.CreateTenant(context.Background(), models.Tenant{ID: "T1", Name: "t1"}))
	clock := func() time.Time { return h.now }
	h.queue = approval.New(h.repo).WithClock(clock)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.gw = New(Options{
		Queue:     h.queue,
		Repo:      h.repo,
		Creds:     h.creds,
		Flags:     h.flags,
		Publisher: h.pub,
		Settings:  staticFn(func() settings.Effective { return h.eff }),
		Provider:  "x",
		Logger:    logger,
		Now:       clock,
	})
	return h
}

type staticFn func() settings.Effective

func (f staticFn) Resolve(context.Context, string) (settings.Effective, error) { return f(), nil }

func (h *harness) approved(t *testing.T, key string, payload models.QueuePayload) models.QueueItem {
	t.Helper()
	ctx := context.Background()
	item, _, err := h.queue.Enqueue(ctx, approval.EnqueueRequest{TenantID: "T1", Kind: models.KindReply, IdempotencyKey: key, Payload: payload})
	require.NoError(t, err)
	item, err = h.queue.Approve(ctx, "T1", item.ID, "admin-1")
	require.NoError(t, err)
	return item
}

func TestPublish_SuccessWritesOneAuditThenTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	item := h.approved(t, "c1", models.QueuePayload{Text: "hi", InReplyTo: "100", AuthorID: "42"})
	h.repo.ops = nil

	id, err := h.gw.Publish(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
	assert.Equal(t, []string{"status:publishing", "audit:success", "status:published"}, h.repo.ops)

	got, err := h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, got.Status)

	audits, err := h.repo.ListPublishAudits(ctx, "T1", item.ID)
	require.NoError(t, err)
	successes := 0
	for _, a := range audits {
		if a.Status == models.AuditSuccess {
			successes++
			require.NotNil(t, a.ExternalID)
			assert.Equal(t, "ext-1", *a.ExternalID)
		}
	}
	assert.Equal(t, 1, successes)

	// Publishing the same item again is a contract violation, not a second write.
	_, err = h.gw.Publish(ctx, got)
	assert.Equal(t, ClassContract, ClassOf(err))
	assert.EqualValues(t, 1, h.pub.calls.Load())
	audits, err = h.repo.ListPublishAudits(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditContractViolation, audits[len(audits)-1].Status)
}

func TestPublish_CooldownBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	expiry := h.now.Add(time.Hour)
	require.NoError(t, h.repo.SetCooldown(ctx, models.Cooldown{TenantID: "T1", TargetKey: "author:42", ExpiresAt: expiry, CreatedAt: h.now}))
	item := h.approved(t, "c1", models.QueuePayload{Text: "hi", AuthorID: "42"})

	h.now = expiry.Add(-time.Second)
	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Zero(t, h.pub.calls.Load())

	got, err := h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status, "policy blocks leave the item queued")

	h.now = expiry.Add(time.Second)
	_, err = h.gw.Publish(ctx, got)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.pub.calls.Load())
}

func TestPublish_SetsCooldownsOnSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.approved(t, "c1", models.QueuePayload{Text: "a", ThreadID: "t9", AuthorID: "42"})
	second := h.approved(t, "c2", models.QueuePayload{Text: "b", ThreadID: "t10", AuthorID: "42"})

	_, err := h.gw.Publish(ctx, first)
	require.NoError(t, err)

	_, err = h.gw.Publish(ctx, second)
	assert.Equal(t, ClassPolicy, ClassOf(err), "author cooldown applies across threads")

	h.now = h.now.Add(25 * time.Hour)
	_, err = h.gw.Publish(ctx, second)
	require.NoError(t, err)
}

func TestPublish_CooldownStartedDuringTokenFetchBlocksCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	item := h.approved(t, "c1", models.QueuePayload{Text: "hi", ThreadID: "t9", AuthorID: "42"})
	h.creds.onToken = func() {
		_ = h.repo.SetCooldown(ctx, models.Cooldown{TenantID: "T1", TargetKey: "thread:t9", ExpiresAt: h.now.Add(time.Hour), CreatedAt: h.now})
	}

	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Zero(t, h.pub.calls.Load())

	got, err := h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status, "the claimed item is handed back")
	audits, err := h.repo.ListPublishAudits(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestPublish_DailyCapReachedDuringTokenFetchBlocksCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eff.DailyPublishCap = 1
	item := h.approved(t, "c1", models.QueuePayload{Text: "hi"})
	h.creds.onToken = func() {
		ext := "elsewhere"
		_ = h.repo.AppendPublishAudit(ctx, models.PublishAudit{ID: "a-other", TenantID: "T1", QueueItemID: "other", AttemptNo: 1, Status: models.AuditSuccess, ExternalID: &ext, CreatedAt: h.now})
	}

	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Zero(t, h.pub.calls.Load())
}

func TestPublish_CooldownsSurviveFailedResultTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.approved(t, "c1", models.QueuePayload{Text: "a", ThreadID: "t9", AuthorID: "42"})
	second := h.approved(t, "c2", models.QueuePayload{Text: "b", ThreadID: "t10", AuthorID: "42"})

	h.repo.failTo = models.StatusPublished
	id, err := h.gw.Publish(ctx, first)
	assert.Equal(t, "ext-1", id)
	assert.Equal(t, ClassContract, ClassOf(err))
	h.repo.failTo = ""

	cd, err := h.repo.ActiveCooldown(ctx, "T1", []string{"author:42"}, h.now)
	require.NoError(t, err)
	require.NotNil(t, cd)

	_, err = h.gw.Publish(ctx, second)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.EqualValues(t, 1, h.pub.calls.Load())
}

func TestPublish_KillSwitchMidCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inflight := h.approved(t, "c1", models.QueuePayload{Text: "a"})
	later := h.approved(t, "c2", models.QueuePayload{Text: "b"})

	// Engaged while the first call is already in flight: that call completes.
	h.pub.hook = func() { h.flags.engaged.Store(true) }
	_, err := h.gw.Publish(ctx, inflight)
	require.NoError(t, err)
	h.pub.hook = nil

	_, err = h.gw.Publish(ctx, later)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.ErrorIs(t, err, ErrKillSwitch)
	assert.EqualValues(t, 1, h.pub.calls.Load())
}

func TestPublish_PausedTenantAndDailyCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.eff.DailyPublishCap = 1
	a := h.approved(t, "c1", models.QueuePayload{Text: "a"})
	b := h.approved(t, "c2", models.QueuePayload{Text: "b"})

	require.NoError(t, h.repo.SetTenantPaused(ctx, "T1", true))
	_, err := h.gw.Publish(ctx, a)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	require.NoError(t, h.repo.SetTenantPaused(ctx, "T1", false))

	_, err = h.gw.Publish(ctx, a)
	require.NoError(t, err)
	_, err = h.gw.Publish(ctx, b)
	assert.Equal(t, ClassPolicy, ClassOf(err))

	h.now = h.now.Add(24 * time.Hour)
	_, err = h.gw.Publish(ctx, b)
	require.NoError(t, err)
}

func TestPublish_NoCredentialIsAuthorization(t *testing.T) {
	h := newHarness(t)
	h.creds.ok = false
	item := h.approved(t, "c1", models.QueuePayload{Text: "a"})

	_, err := h.gw.Publish(context.Background(), item)
	assert.Equal(t, ClassAuthorization, ClassOf(err))
	assert.Zero(t, h.pub.calls.Load())
}

func TestPublish_TransientRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pub.err = &platform.Error{Class: platform.ClassTransient, Status: 429, Err: errors.New("slow down")}
	item := h.approved(t, "c1", models.QueuePayload{Text: "a"})

	for attempt := 1; attempt <= h.eff.MaxTransientRetries; attempt++ {
		_, err := h.gw.Publish(ctx, item)
		assert.Equal(t, ClassTransient, ClassOf(err))
		item, err = h.queue.Get(ctx, "T1", item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, item.Status)
		assert.Equal(t, attempt, item.Attempts)
	}

	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassTransient, ClassOf(err))
	item, err = h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, item.Status)

	audits, err := h.repo.ListPublishAudits(ctx, "T1", item.ID)
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.Equal(t, models.AuditRetryScheduled, audits[0].Status)
	assert.Equal(t, models.AuditFailed, audits[2].Status)
	assert.Equal(t, 3, audits[2].AttemptNo)
}

func TestPublish_AmbiguousIsFlaggedNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pub.err = &platform.Error{Class: platform.ClassTransient, Ambiguous: true, Err: errors.New("timeout awaiting response")}
	item := h.approved(t, "c1", models.QueuePayload{Text: "a"})

	_, err := h.gw.Publish(ctx, item)
	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Ambiguous)

	got, err := h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	audits, err := h.repo.ListPublishAudits(ctx, "T1", item.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditAmbiguous, audits[0].Status)
	assert.True(t, audits[0].Ambiguous)
}

func TestPublish_AuthorizationRejectionReturnsItemAndRevokes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pub.err = &platform.Error{Class: platform.ClassAuthorization, Status: 401, Err: errors.New("unauthorized")}
	item := h.approved(t, "c1", models.QueuePayload{Text: "a"})

	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassAuthorization, ClassOf(err))
	assert.True(t, h.creds.revoked.Load())

	got, err := h.queue.Get(ctx, "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestPublish_LostLeaseAbortsBeforeClaim(t *testing.T) {
	h := newHarness(t)
	item := h.approved(t, "c1", models.QueuePayload{Text: "a"})

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(lockstore.ErrLost)

	_, err := h.gw.Publish(ctx, item)
	assert.Equal(t, ClassLockLost, ClassOf(err))

	got, err := h.queue.Get(context.Background(), "T1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
}
