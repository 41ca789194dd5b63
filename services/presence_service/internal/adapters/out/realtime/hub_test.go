package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/memory"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*entity.PresenceEvent
}

func (p *recordingPublisher) PublishPresenceChange(_ context.Context, e *entity.PresenceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []*entity.PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*entity.PresenceEvent(nil), p.events...)
}

func newTestHub(t *testing.T, opts ...HubOption) (*Hub, *memory.PresenceRepositoryMemory) {
	t.Helper()
	repo := memory.NewPresenceRepositoryMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts = append([]HubOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	hub := NewHub(repo, opts...)
	require.NoError(t, hub.Start(ctx))
	return hub, repo
}

func liveRecord(userID string) *entity.PresenceRecord {
	return &entity.PresenceRecord{
		UserID:         userID,
		Online:         true,
		ActivityStatus: entity.ActivityStatusActive,
		LastActivity:   fixedNow,
		LastSeen:       fixedNow,
		CurrentModule:  "home",
		SessionID:      "s-" + userID,
		Device:         entity.DeviceDesktop,
	}
}

func TestHookFiresWhenDroppedBeforeLiveWrite(t *testing.T) {
	hub, repo := newTestHub(t)
	ctx := context.Background()

	conn := hub.Connect("u1")
	require.NoError(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()))
	// 在线记录还没写就断开
	require.NoError(t, conn.Close())

	rec, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, entity.ActivityStatusOffline, rec.ActivityStatus)
	assert.Equal(t, fixedNow, rec.LastSeen)
}

func TestHookFiresAfterLiveWrite(t *testing.T) {
	hub, repo := newTestHub(t)
	ctx := context.Background()

	conn := hub.Connect("u1")
	require.NoError(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()))
	require.NoError(t, conn.Set(ctx, liveRecord("u1")))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")

	rec, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, "s-u1", rec.SessionID, "hook only touches patched fields")
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestCancelledHookDoesNotFire(t *testing.T) {
	hub, repo := newTestHub(t)
	ctx := context.Background()

	conn := hub.Connect("u1")
	require.NoError(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()))
	require.NoError(t, conn.Set(ctx, liveRecord("u1")))
	require.NoError(t, conn.CancelOnDisconnect(ctx, "u1"))
	require.NoError(t, conn.Close())

	rec, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.Online)
}

func TestOwnerEnforcement(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	conn := hub.Connect("u1")
	defer conn.Close()

	require.ErrorIs(t, conn.Set(ctx, liveRecord("u2")), entity.ErrForbidden)
	require.ErrorIs(t, conn.Update(ctx, "u2", entity.OfflinePatch()), entity.ErrForbidden)
	require.ErrorIs(t, conn.OnDisconnect(ctx, "u2", entity.OfflinePatch()), entity.ErrForbidden)

	anon := hub.Connect("")
	require.NoError(t, anon.Set(ctx, liveRecord("u2")))
	require.NoError(t, anon.Close())
}

func TestClosedConnRejectsCalls(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	conn := hub.Connect("u1")
	require.NoError(t, conn.Close())

	require.ErrorIs(t, conn.Set(ctx, liveRecord("u1")), entity.ErrDisconnected)
	require.ErrorIs(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()), entity.ErrDisconnected)
	_, err := conn.Get(ctx, "u1")
	require.ErrorIs(t, err, entity.ErrDisconnected)
	_, err = conn.WatchAll(ctx, func([]*entity.PresenceRecord) {})
	require.ErrorIs(t, err, entity.ErrDisconnected)
}

func TestWatchUserDeliversInitialAndChanges(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	writer := hub.Connect("u1")
	defer writer.Close()
	watcherConn := hub.Connect("")
	defer watcherConn.Close()

	got := make(chan *entity.PresenceRecord, 8)
	unsub, err := watcherConn.WatchUser(ctx, "u1", func(r *entity.PresenceRecord) { got <- r })
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Nil(t, r, "no record yet")
	case <-time.After(time.Second):
		t.Fatal("initial value not delivered")
	}

	require.NoError(t, writer.Set(ctx, liveRecord("u1")))
	select {
	case r := <-got:
		require.NotNil(t, r)
		assert.True(t, r.Online)
	case <-time.After(time.Second):
		t.Fatal("change not delivered")
	}

	unsub()
	unsub()
	require.NoError(t, writer.Update(ctx, "u1", entity.OfflinePatch()))
	select {
	case r := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchAllSeesEveryUser(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	a := hub.Connect("a")
	defer a.Close()
	b := hub.Connect("b")
	defer b.Close()

	var (
		mu   sync.Mutex
		last []*entity.PresenceRecord
	)
	_, err := a.WatchAll(ctx, func(rs []*entity.PresenceRecord) {
		mu.Lock()
		last = rs
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, liveRecord("a")))
	require.NoError(t, b.Set(ctx, liveRecord("b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestStatusTransitionsArePublished(t *testing.T) {
	pub := &recordingPublisher{}
	hub, _ := newTestHub(t, WithPublisher(pub))
	ctx := context.Background()

	conn := hub.Connect("u1")
	require.NoError(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()))
	require.NoError(t, conn.Set(ctx, liveRecord("u1")))
	// 心跳不改变状态，不应产生事件
	online := true
	require.NoError(t, conn.Update(ctx, "u1", entity.PresencePatch{Online: &online, StampLastSeen: true}))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	events := pub.snapshot()
	require.Len(t, events, 2)

	var sawOnline, sawOffline bool
	for _, e := range events {
		assert.Equal(t, "u1", e.UserID)
		if e.NewStatus == entity.ActivityStatusActive && e.OldStatus == entity.ActivityStatusOffline {
			sawOnline = true
		}
		if e.NewStatus == entity.ActivityStatusOffline && e.OldStatus == entity.ActivityStatusActive {
			sawOffline = true
		}
	}
	assert.True(t, sawOnline)
	assert.True(t, sawOffline)
}

func TestCloseAllFiresEveryHook(t *testing.T) {
	hub, repo := newTestHub(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		c := hub.Connect(id)
		require.NoError(t, c.OnDisconnect(ctx, id, entity.OfflinePatch()))
		require.NoError(t, c.Set(ctx, liveRecord(id)))
	}
	require.Equal(t, 3, hub.ConnectionCount())

	hub.CloseAll()
	require.Equal(t, 0, hub.ConnectionCount())

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.False(t, r.Online, r.UserID)
	}
}

// blockingRepo 让 Put 停在落库之前，直到测试放行
type blockingRepo struct {
	*memory.PresenceRepositoryMemory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRepo) Put(ctx context.Context, rec *entity.PresenceRecord) error {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.PresenceRepositoryMemory.Put(ctx, rec)
}

func TestInFlightLiveWriteLandsBeforeHook(t *testing.T) {
	repo := &blockingRepo{
		PresenceRepositoryMemory: memory.NewPresenceRepositoryMemory(),
		entered:                  make(chan struct{}),
		release:                  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(repo, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, hub.Start(ctx))

	conn := hub.Connect("u1")
	require.NoError(t, conn.OnDisconnect(ctx, "u1", entity.OfflinePatch()))

	setErr := make(chan error, 1)
	go func() { setErr <- conn.Set(context.Background(), liveRecord("u1")) }()
	<-repo.entered

	closed := make(chan struct{})
	go func() {
		hub.CloseAll()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close finished while a live write was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(repo.release)
	require.NoError(t, <-setErr)
	<-closed

	rec, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, entity.ActivityStatusOffline, rec.ActivityStatus)

	require.ErrorIs(t, conn.Set(context.Background(), liveRecord("u1")), entity.ErrDisconnected)
}
