package control

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/scheduler"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/state"
	"outreach-orchestrator/internal/store/memstore"
)

const directoryYAML = `
allowed_chat_ids: [101, 102, 103, "104"]
admins:
  - chat_user_id: 101
    user_id: u-admin
  - chat_user_id: "102"
    user_id: u-member
  - chat_user_id: 103
    user_id: u-owner
    allowed_roles: [Owner]
`

type countingRunner struct{ calls atomic.Int32 }

func (r *countingRunner) RunTenant(_ context.Context, tenantID, pipeline string, dryRun bool) (scheduler.TenantResult, error) {
	if pipeline != scheduler.DefaultPipeline {
		return scheduler.TenantResult{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownPipeline, pipeline)
	}
	r.calls.Add(1)
	return scheduler.TenantResult{TenantID: tenantID, RunID: "run-1", Outcome: scheduler.OutcomeRan}, nil
}

type fixture struct {
	st       *memstore.Store
	queue    *approval.Queue
	flags    *state.Flags
	resolver *settings.Resolver
	runner   *countingRunner
	plane    *Plane
	update   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{st: memstore.New(), runner: &countingRunner{}}
	require.NoError(t, f.st.CreateTenant(ctx, models.Tenant{ID: "T1", Name: "t1"}))
	for user, role := range map[string]string{"u-admin": models.RoleAdmin, "u-member": models.RoleMember, "u-owner": models.RoleOwner} {
		require.NoError(t, f.st.AddMember(ctx, models.TenantMember{TenantID: "T1", UserID: user, Role: role}))
	}
	dir, err := ParseDirectory([]byte(directoryYAML))
	require.NoError(t, err)

	f.queue = approval.New(f.st)
	f.flags = state.NewFlags(client)
	f.resolver = settings.NewResolver(settings.Effective{DailyPublishCap: 20}, f.st, client)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f.plane = New(Options{
		Repo:      f.st,
		Queue:     f.queue,
		Runner:    f.runner,
		Flags:     f.flags,
		Settings:  f.resolver,
		Directory: dir,
		Logger:    logger,
	})
	return f
}

func (f *fixture) send(chatUser, text string) Response {
	f.update++
	return f.sendUpdate(f.update, chatUser, text)
}

func (f *fixture) sendUpdate(update int, chatUser, text string) Response {
	return f.plane.Handle(context.Background(), Envelope{
		TenantID:   "T1",
		UpdateID:   fmt.Sprint(update),
		ChatUserID: chatUser,
		Text:       text,
	})
}

func (f *fixture) pending(t *testing.T, key string) models.QueueItem {
	t.Helper()
	it, _, err := f.queue.Enqueue(context.Background(), approval.EnqueueRequest{
		TenantID: "T1", Kind: models.KindReply, IdempotencyKey: key,
		Payload: models.QueuePayload{Text: "hello " + key, InReplyTo: key},
	})
	require.NoError(t, err)
	return it
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("  /Approve@outreach_bot  abc ")
	require.True(t, ok)
	assert.Equal(t, "approve", cmd.Name)
	assert.Equal(t, []string{"abc"}, cmd.Args)

	cmd, ok = ParseCommand("/pause global")
	require.True(t, ok)
	assert.Equal(t, "killswitch", cmd.Name)
	assert.Equal(t, []string{"on"}, cmd.Args)

	cmd, ok = ParseCommand("/resume GLOBAL")
	require.True(t, ok)
	assert.Equal(t, []string{"off"}, cmd.Args)

	_, ok = ParseCommand("approve please")
	assert.False(t, ok)
	_, ok = ParseCommand("/")
	assert.False(t, ok)
}

func TestIdempotencyKeyIsStablePerDelivery(t *testing.T) {
	assert.Equal(t, IdempotencyKey("7", "/approve x"), IdempotencyKey("7", " /approve x "))
	assert.NotEqual(t, IdempotencyKey("7", "/approve x"), IdempotencyKey("8", "/approve x"))
}

func TestAuthorizeMatrix(t *testing.T) {
	cases := []struct {
		role    string
		command string
		allowed bool
	}{
		{models.RoleMember, "status", true},
		{models.RoleMember, "preview", true},
		{models.RoleMember, "logs", true},
		{models.RoleMember, "limits", true},
		{models.RoleMember, "report", true},
		{models.RoleMember, "approve", false},
		{models.RoleAdmin, "approve", true},
		{models.RoleAdmin, "run", true},
		{models.RoleAdmin, "killswitch", false},
		{models.RoleOwner, "killswitch", true},
		{"guest", "help", false},
	}
	for _, tc := range cases {
		s, ok := Lookup(tc.command)
		require.True(t, ok, tc.command)
		err := Authorize(tc.role, s)
		if tc.allowed {
			assert.NoError(t, err, "%s %s", tc.role, tc.command)
		} else {
			assert.ErrorIs(t, err, ErrForbidden, "%s %s", tc.role, tc.command)
		}
	}
}

func TestParseUpdate(t *testing.T) {
	env, ok, err := ParseUpdate("T1", []byte(`{"update_id": 55, "message": {"message_id": 9, "text": "/status", "from": {"id": 101}, "chat": {"id": -5}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Envelope{TenantID: "T1", UpdateID: "55", ChatUserID: "101", ChatID: "-5", MessageID: "9", Text: "/status"}, env)

	_, ok, err = ParseUpdate("T1", []byte(`{"update_id": 56, "message": {"message_id": 10, "from": {"id": 101}}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseUpdate("T1", []byte(`not json`))
	assert.Error(t, err)
}

// T1 has pending Q1; an admin approves it twice.
func TestApproveTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	q1 := f.pending(t, "q1")

	first := f.send("101", "/approve "+q1.ID)
	assert.Equal(t, StatusOK, first.Status)
	assert.Equal(t, "approved", first.Message)
	assert.Equal(t, string(models.StatusApproved), first.Data["status"])

	second := f.send("101", "/approve "+q1.ID)
	assert.Equal(t, StatusOK, second.Status)
	assert.Equal(t, "approve_idempotent", second.Message)
	assert.Equal(t, string(models.StatusApproved), second.Data["status"])

	got, err := f.queue.Get(context.Background(), "T1", q1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	require.NotNil(t, got.DecidedBy)
	assert.Equal(t, "u-admin", *got.DecidedBy)

	actions := f.st.AdminActions()
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, models.ActionSuccess, a.Status)
		assert.Equal(t, "u-admin", a.ActorID)
		assert.Equal(t, "approve", a.Command)
	}
}

func TestApproveWithoutIDTakesOldestPending(t *testing.T) {
	f := newFixture(t)
	q1 := f.pending(t, "q1")
	later := approval.New(f.st).WithClock(func() time.Time { return time.Now().Add(time.Minute) })
	_, _, err := later.Enqueue(context.Background(), approval.EnqueueRequest{
		TenantID: "T1", Kind: models.KindReply, IdempotencyKey: "q2", Payload: models.QueuePayload{Text: "later"},
	})
	require.NoError(t, err)

	resp := f.send("101", "/approve")
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, q1.ID, resp.Data["queue_id"])
}

func TestRedeliveredMutationIsNotReexecuted(t *testing.T) {
	f := newFixture(t)

	first := f.sendUpdate(900, "101", "/run")
	require.Equal(t, StatusOK, first.Status)
	again := f.sendUpdate(900, "101", "/run")
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.True(t, again.Accepted)
	assert.Equal(t, first.Message, again.Message)
	assert.Equal(t, first.Data["run_id"], again.Data["run_id"])
	assert.EqualValues(t, 1, f.runner.calls.Load())

	actions := f.st.AdminActions()
	require.Len(t, actions, 2)
	assert.Equal(t, models.ActionSuccess, actions[0].Status)
	assert.Equal(t, models.ActionDuplicate, actions[1].Status)
	assert.Equal(t, actions[0].IdempotencyKey, actions[1].IdempotencyKey)
}

func TestSameUpdateInAnotherTenantIsNotADuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.st.CreateTenant(ctx, models.Tenant{ID: "T2", Name: "t2"}))
	require.NoError(t, f.st.AddMember(ctx, models.TenantMember{TenantID: "T2", UserID: "u-admin", Role: models.RoleAdmin}))

	first := f.sendUpdate(100, "101", "/pause")
	require.Equal(t, StatusOK, first.Status)

	// Each tenant has its own bot, so update ids repeat across tenants.
	other := f.plane.Handle(ctx, Envelope{TenantID: "T2", UpdateID: "100", ChatUserID: "101", Text: "/pause"})
	assert.Equal(t, StatusOK, other.Status)
	assert.Equal(t, "T2", other.TenantID)

	t2, err := f.st.GetTenant(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, t2.Paused)

	for _, a := range f.st.AdminActions() {
		assert.Equal(t, models.ActionSuccess, a.Status, "tenant %s", a.TenantID)
	}
}

func TestMemberCannotApprove(t *testing.T) {
	f := newFixture(t)
	q1 := f.pending(t, "q1")

	resp := f.send("102", "/approve "+q1.ID)
	assert.Equal(t, StatusUnauthorized, resp.Status)
	assert.False(t, resp.Accepted)

	got, err := f.queue.Get(context.Background(), "T1", q1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingReview, got.Status)

	actions := f.st.AdminActions()
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionUnauthorized, actions[0].Status)
	assert.Equal(t, "u-member", actions[0].ActorID)

	// Read-only commands are open to members.
	assert.Equal(t, StatusOK, f.send("102", "/queue").Status)
}

func TestUnknownActorsAreRecorded(t *testing.T) {
	f := newFixture(t)

	resp := f.send("999", "/status")
	assert.Equal(t, StatusUnauthorized, resp.Status)
	assert.Equal(t, "chat_user_not_allowed", resp.Data["reason"])

	resp = f.send("104", "/status")
	assert.Equal(t, "missing_user_binding", resp.Data["reason"])

	actions := f.st.AdminActions()
	require.Len(t, actions, 2)
	assert.Equal(t, "chat:999", actions[0].ActorID)
}

func TestKillSwitchRequiresOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.send("101", "/killswitch on")
	assert.Equal(t, StatusUnauthorized, resp.Status)
	engaged, err := f.flags.Engaged(ctx)
	require.NoError(t, err)
	assert.False(t, engaged)

	resp = f.send("103", "/pause global")
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "kill_switch_enabled", resp.Message)
	ks, err := f.flags.KillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, ks.Enabled)
	assert.Equal(t, "u-owner", ks.UpdatedBy)

	resp = f.send("103", "/killswitch off")
	assert.Equal(t, StatusOK, resp.Status)
	engaged, err = f.flags.Engaged(ctx)
	require.NoError(t, err)
	assert.False(t, engaged)
}

func TestPauseResumeTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.Equal(t, StatusOK, f.send("101", "/pause").Status)
	tn, err := f.st.GetTenant(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tn.Paused)

	assert.Equal(t, StatusOK, f.send("101", "/resume").Status)
	tn, err = f.st.GetTenant(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, tn.Paused)
}

func TestSetPersistsOrOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.send("101", "/set daily_publish_cap 5")
	require.Equal(t, StatusOK, resp.Status)
	eff, err := f.resolver.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 5, eff.DailyPublishCap)

	resp = f.send("101", "/set daily_publish_cap 7 1h")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "override_set", resp.Message)
	eff, err = f.resolver.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 7, eff.DailyPublishCap)

	resp = f.send("101", "/set daily_publish_cap lots")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "invalid_setting", resp.Message)
}

func TestSetSearchQueryKeepsEveryWord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.send("101", "/set search_query golang help -is:retweet")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "setting_saved", resp.Message)
	eff, err := f.resolver.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "golang help -is:retweet", eff.SearchQuery)

	resp = f.send("101", "/set search_query rust jobs ttl=30m")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "override_set", resp.Message)
	eff, err = f.resolver.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "rust jobs", eff.SearchQuery)

	resp = f.send("101", "/set daily_publish_cap 5 1h extra")
	assert.Equal(t, StatusError, resp.Status)
}

func TestLogsListsRecentActionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, StatusOK, f.send("101", "/pause").Status)
	require.Equal(t, StatusOK, f.send("101", "/resume").Status)

	resp := f.send("102", "/logs")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, 2, resp.Data["count"])
	actions, ok := resp.Data["actions"].([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, "resume", actions[0]["command"])
	assert.Equal(t, "pause", actions[1]["command"])
	assert.Equal(t, "u-admin", actions[0]["actor_id"])
}

func TestLimitsReportsCapUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ext := "ext-1"
	require.NoError(t, f.st.AppendPublishAudit(ctx, models.PublishAudit{
		ID: "a1", TenantID: "T1", QueueItemID: "q1", AttemptNo: 1, Status: models.AuditSuccess, ExternalID: &ext, CreatedAt: time.Now().UTC(),
	}))

	resp := f.send("102", "/limits")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, 20, resp.Data["daily_cap"])
	assert.Equal(t, 1, resp.Data["published_today"])
	assert.Equal(t, 19, resp.Data["remaining_today"])
	assert.Contains(t, resp.Data, "thread_cooldown")
}

func TestReportShowsLastRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.send("102", "/report")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "no_runs_yet", resp.Message)

	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.st.CreateRun(ctx, models.PipelineRun{ID: "run-1", TenantID: "T1", Pipeline: scheduler.DefaultPipeline, Status: models.RunRunning, StartedAt: started}))
	require.NoError(t, f.st.FinishRun(ctx, "run-1", models.RunSucceeded, map[string]any{"enqueued": 3}, nil, time.Now().UTC()))

	resp = f.send("102", "/report")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "run-1", resp.Data["run_id"])
	assert.Equal(t, models.RunSucceeded, resp.Data["status"])
	assert.Equal(t, map[string]any{"enqueued": 3}, resp.Data["stats"])
	assert.Contains(t, resp.Data, "finished_at")
}

func TestRunUnknownPipeline(t *testing.T) {
	f := newFixture(t)
	resp := f.send("101", "/run newsletter dry_run")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "unknown_pipeline", resp.Message)
	assert.Zero(t, f.runner.calls.Load())
}

func TestNonCommandsAreIgnoredAndUnknownCommandsRecorded(t *testing.T) {
	f := newFixture(t)

	resp := f.send("101", "good morning")
	assert.Equal(t, StatusIgnored, resp.Status)
	assert.Empty(t, f.st.AdminActions())

	resp = f.send("101", "/dance")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "unknown_command", resp.Message)
	assert.Len(t, f.st.AdminActions(), 1)
}

func TestStatusAndHelp(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "q1")

	resp := f.send("102", "/status")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, false, resp.Data["paused"])
	queue, ok := resp.Data["queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, queue[string(models.StatusPendingReview)])

	resp = f.send("102", "/help")
	require.Equal(t, StatusOK, resp.Status)
	lines, ok := resp.Data["commands"].([]string)
	require.True(t, ok)
	assert.Contains(t, lines, "/status")
	assert.NotContains(t, lines, "/approve [queue_id]")
}
