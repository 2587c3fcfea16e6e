package settings

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/store/memstore"
)

func TestResolve_Precedence(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st := memstore.New()
	base := FromDefaults(config.Defaults{DailyPublishCap: 20, ThreadCooldown: 6 * time.Hour, AutoQueue: true}, "")
	r := NewResolver(base, st, redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	eff, err := r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 20, eff.DailyPublishCap)

	require.NoError(t, r.Persist(ctx, "t1", KeyDailyPublishCap, "5"))
	require.NoError(t, r.Persist(ctx, "t1", KeyThreadCooldown, "1h"))
	eff, err = r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, eff.DailyPublishCap)
	assert.Equal(t, time.Hour, eff.ThreadCooldown)

	require.NoError(t, r.SetOverride(ctx, "t1", KeyDailyPublishCap, "0", time.Minute))
	eff, err = r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, eff.DailyPublishCap)
	assert.Equal(t, time.Hour, eff.ThreadCooldown)

	mr.FastForward(2 * time.Minute)
	eff, err = r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, eff.DailyPublishCap, "expired override falls back to persisted value")

	other, err := r.Resolve(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 20, other.DailyPublishCap)
}

func TestCheck_RejectsBadValues(t *testing.T) {
	assert.Error(t, Check(KeyAutoQueue, "maybe"))
	assert.Error(t, Check(KeyThreadCooldown, "-1h"))
	assert.Error(t, Check("unknown", "1"))
	assert.NoError(t, Check(KeyAutoApproveKinds, "reply,post"))
}

func TestCheck_Bounds(t *testing.T) {
	cases := []struct {
		key, value string
		ok         bool
	}{
		{KeyPipelineLockTTL, "0s", false},
		{KeyRefreshLockTTL, "0s", false},
		{KeyApprovalWindow, "0s", false},
		{KeyRefreshSkew, "0s", false},
		{KeyCandidateLimit, "0", false},
		{KeyPipelineLockTTL, "30s", true},
		{KeyCandidateLimit, "1", true},
		{KeyThreadCooldown, "0s", true},
		{KeyAuthorCooldown, "0s", true},
		{KeyMaxTransientRetries, "0", true},
		{KeyDailyPublishCap, "0", true},
		{KeyDailyPublishCap, "-1", false},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			err := Check(tc.key, tc.value)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSetOverride_RejectsZeroLockTTL(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	base := FromDefaults(config.Defaults{PipelineLockTTL: 5 * time.Minute}, "")
	r := NewResolver(base, memstore.New(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	assert.Error(t, r.SetOverride(ctx, "t1", KeyPipelineLockTTL, "0s", time.Minute))
	assert.Error(t, r.Persist(ctx, "t1", KeyApprovalWindow, "0s"))

	eff, err := r.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, eff.PipelineLockTTL)
}

func TestAutoApproves(t *testing.T) {
	eff := Effective{AutoApproveKinds: []string{"post"}}
	assert.True(t, eff.AutoApproves("post"))
	assert.False(t, eff.AutoApproves("reply"))
}
