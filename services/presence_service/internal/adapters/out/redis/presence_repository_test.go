package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

// 需要真实的 Redis：PRESENCE_TEST_REDIS_ADDR=127.0.0.1:6379
func newTestRepo(t *testing.T) *PresenceRepositoryRedis {
	t.Helper()
	addr := os.Getenv("PRESENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRESENCE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return NewPresenceRepositoryRedis(client, nil)
}

func TestRedisPutGetList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	userID := uuid.NewString()
	_, err := repo.Get(ctx, userID)
	require.ErrorIs(t, err, entity.ErrNotFound)

	rec := &entity.PresenceRecord{
		UserID:         userID,
		Online:         true,
		ActivityStatus: entity.ActivityStatusActive,
		LastActivity:   now,
		LastSeen:       now,
		CurrentModule:  "home",
		Device:         entity.DeviceDesktop,
	}
	require.NoError(t, repo.Put(ctx, rec))

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, got.LastActivity.Equal(now))
	require.Equal(t, "home", got.CurrentModule)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, userID))
	all, err = repo.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRedisPatchAndChanges(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := repo.Changes(ctx)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	got, err := repo.Patch(ctx, "u1", entity.OfflinePatch(), now)
	require.NoError(t, err)
	require.False(t, got.Online)
	require.True(t, got.LastSeen.Equal(now))

	select {
	case change := <-changes:
		require.Equal(t, "u1", change.UserID)
		require.NotNil(t, change.Record)
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
