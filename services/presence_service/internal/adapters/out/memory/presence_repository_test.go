package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

func TestPutGetListDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewPresenceRepositoryMemory()

	_, err := repo.Get(ctx, "u1")
	require.ErrorIs(t, err, entity.ErrNotFound)

	require.ErrorIs(t, repo.Put(ctx, &entity.PresenceRecord{}), entity.ErrInvalidRecord)
	require.NoError(t, repo.Put(ctx, &entity.PresenceRecord{UserID: "u1", Online: true}))
	require.NoError(t, repo.Put(ctx, &entity.PresenceRecord{UserID: "u2"}))

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, got.Online)

	got.Online = false
	again, _ := repo.Get(ctx, "u1")
	require.True(t, again.Online, "stored record must not alias returned copy")

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, repo.Delete(ctx, "u1"))
	require.NoError(t, repo.Delete(ctx, "missing"))
	all, _ = repo.List(ctx)
	require.Len(t, all, 1)
}

func TestPatchCreatesAndStamps(t *testing.T) {
	ctx := context.Background()
	repo := NewPresenceRepositoryMemory()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, err := repo.Patch(ctx, "u1", entity.OfflinePatch(), at)
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.False(t, rec.Online)
	require.Equal(t, at, rec.LastSeen)

	_, err = repo.Patch(ctx, "", entity.OfflinePatch(), at)
	require.ErrorIs(t, err, entity.ErrInvalidRecord)

	away := entity.ActivityStatus("away")
	_, err = repo.Patch(ctx, "u1", entity.PresencePatch{ActivityStatus: &away}, at)
	require.ErrorIs(t, err, entity.ErrInvalidRecord)
	stored, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, entity.ActivityStatusOffline, stored.ActivityStatus)
}

func TestChangesDeliveredInOrderAndClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewPresenceRepositoryMemory()

	ch, err := repo.Changes(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.Put(context.Background(), &entity.PresenceRecord{UserID: "u1"}))
	online := true
	_, err = repo.Patch(context.Background(), "u1", entity.PresencePatch{Online: &online}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Delete(context.Background(), "u1"))

	first := <-ch
	require.False(t, first.Record.Online)
	second := <-ch
	require.True(t, second.Record.Online)
	third := <-ch
	require.True(t, third.Deleted)
	require.Nil(t, third.Record)

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("changes channel not closed after cancel")
	}
}
