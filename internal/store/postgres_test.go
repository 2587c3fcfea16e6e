package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-orchestrator/internal/models"
)

// newTestStore connects to TEST_POSTGRES_DSN and skips when it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		t.Skipf("postgres unavailable: %v", err)
	}
	require.NoError(t, s.RunMigrations(ctx))
	t.Cleanup(s.Close)
	return s
}

func TestPostgres_EnqueueIdempotentAndCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	require.NoError(t, s.CreateTenant(ctx, models.Tenant{ID: tenant, Name: "test"}))

	item := models.QueueItem{
		ID:             uuid.NewString(),
		TenantID:       tenant,
		Kind:           models.KindReply,
		Payload:        models.QueuePayload{Text: "hello", AuthorID: "42"},
		IdempotencyKey: "cand-1",
		Status:         models.StatusPendingReview,
		CreatedAt:      time.Now().UTC(),
	}
	first, reused, err := s.InsertQueueItem(ctx, item)
	require.NoError(t, err)
	assert.False(t, reused)

	dup := item
	dup.ID = uuid.NewString()
	second, reused, err := s.InsertQueueItem(ctx, dup)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	actor := "admin-1"
	approved, err := s.TransitionQueueItem(ctx, models.Transition{
		TenantID: tenant, ID: first.ID, From: models.StatusPendingReview, To: models.StatusApproved,
		At: time.Now().UTC(), DecidedBy: &actor,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, "hello", approved.Payload.Text)

	_, err = s.TransitionQueueItem(ctx, models.Transition{
		TenantID: tenant, ID: first.ID, From: models.StatusPendingReview, To: models.StatusRejected, At: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)

	counts, err := s.CountQueueByStatus(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusApproved])
}

func TestPostgres_TokenUpsertRotatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	require.NoError(t, s.CreateTenant(ctx, models.Tenant{ID: tenant, Name: "test"}))

	now := time.Now().UTC()
	require.NoError(t, s.UpsertToken(ctx, models.OAuthToken{TenantID: tenant, Provider: "x", AccessTokenEnc: "a1", UpdatedAt: now}))
	require.NoError(t, s.RevokeToken(ctx, tenant, "x", now))
	require.NoError(t, s.UpsertToken(ctx, models.OAuthToken{TenantID: tenant, Provider: "x", AccessTokenEnc: "a2", UpdatedAt: now}))

	tok, err := s.GetToken(ctx, tenant, "x")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessTokenEnc)
	assert.Nil(t, tok.RevokedAt)
}

func TestPostgres_ReviveFailedItemWithLiveSiblingIsDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()
	require.NoError(t, s.CreateTenant(ctx, models.Tenant{ID: tenant, Name: "test"}))

	item := func(status models.QueueStatus) models.QueueItem {
		return models.QueueItem{
			ID:             uuid.NewString(),
			TenantID:       tenant,
			Kind:           models.KindReply,
			Payload:        models.QueuePayload{Text: "hello"},
			IdempotencyKey: "cand-2",
			Status:         status,
			CreatedAt:      time.Now().UTC(),
		}
	}
	failed, _, err := s.InsertQueueItem(ctx, item(models.StatusFailed))
	require.NoError(t, err)
	_, reused, err := s.InsertQueueItem(ctx, item(models.StatusPendingReview))
	require.NoError(t, err)
	require.False(t, reused)

	_, err = s.TransitionQueueItem(ctx, models.Transition{
		TenantID: tenant, ID: failed.ID, From: models.StatusFailed, To: models.StatusApproved, At: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}
