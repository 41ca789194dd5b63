package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/memory"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/realtime"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
)

type trackerEnv struct {
	backend *recordingBackend
	source  *manualSource
	clock   *fakeClock
	tracker *PresenceTrackerImpl
}

func newTrackerEnv(t *testing.T, ident fixedIdentity, cfg TrackerConfig) *trackerEnv {
	t.Helper()
	e := &trackerEnv{backend: &recordingBackend{}, source: &manualSource{}, clock: newClock()}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	e.tracker = NewPresenceTracker(e.backend, desktopSession(), ident, e.source, cfg, WithTrackerClock(e.clock.Now))
	t.Cleanup(func() { e.tracker.GoOffline(context.Background()) })
	return e
}

func TestInitializeRegistersHookBeforeLiveWrite(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{})
	ctx := context.Background()

	require.NoError(t, e.tracker.Initialize(ctx))
	require.Equal(t, []string{"on_disconnect", "set"}, e.backend.names())

	hook := e.backend.all()[0]
	assert.Equal(t, "alice", hook.userID)
	assert.Equal(t, entity.OfflinePatch(), hook.patch)

	rec := e.backend.last().rec
	assert.True(t, rec.Online)
	assert.Equal(t, entity.ActivityStatusActive, rec.ActivityStatus)
	assert.Equal(t, t0, rec.LastActivity)
	assert.Equal(t, "home", rec.CurrentModule)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, entity.DeviceDesktop, rec.Device)
	assert.Equal(t, "Alice", rec.DisplayName)
	assert.Equal(t, in.TrackerLive, e.tracker.State())

	// 重复上线不产生新的写入，也不重复挂载监听
	require.NoError(t, e.tracker.Initialize(ctx))
	assert.Equal(t, []string{"on_disconnect", "set"}, e.backend.names())
	assert.Equal(t, 1, e.source.attached)
}

func TestInitializeWithoutIdentityIsNoop(t *testing.T) {
	e := newTrackerEnv(t, fixedIdentity{}, TrackerConfig{})

	require.NoError(t, e.tracker.Initialize(context.Background()))
	assert.Empty(t, e.backend.names())
	assert.Equal(t, in.TrackerUninitialized, e.tracker.State())
	assert.Nil(t, e.tracker.GetCurrentPresence())

	e.tracker.UpdateLocation(context.Background(), "editor", "")
	assert.Empty(t, e.backend.names())
}

func TestInitializeContinuesWhenHookFails(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{})
	e.backend.disconnectErr = errors.New("backend unavailable")

	require.NoError(t, e.tracker.Initialize(context.Background()))
	assert.Equal(t, []string{"on_disconnect", "set"}, e.backend.names())
	assert.Equal(t, in.TrackerLive, e.tracker.State())
}

func TestActivityForwardedAsThrottledUpdates(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{ActivityThrottle: 15 * time.Second})
	require.NoError(t, e.tracker.Initialize(context.Background()))

	e.clock.Advance(time.Second)
	e.source.emit(entity.InteractionKey)
	e.clock.Advance(time.Second)
	e.source.emit(entity.InteractionKey)

	assert.Equal(t, []string{"on_disconnect", "set", "update"}, e.backend.names())
	patch := e.backend.last().patch
	require.NotNil(t, patch.LastActivity)
	assert.Equal(t, t0.Add(time.Second), *patch.LastActivity)
	assert.Equal(t, entity.ActivityStatusActive, *patch.ActivityStatus)
	assert.True(t, *patch.Online)

	e.clock.Advance(15 * time.Second)
	e.source.emit(entity.InteractionPointer)
	assert.Len(t, e.backend.names(), 4)
}

func TestUpdateLocationForcesWrite(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{})
	ctx := context.Background()
	require.NoError(t, e.tracker.Initialize(ctx))

	e.source.emit(entity.InteractionKey)
	e.tracker.UpdateLocation(ctx, "editor", "preview")

	patch := e.backend.last().patch
	assert.Equal(t, "editor", *patch.CurrentModule)
	assert.Equal(t, "preview", *patch.CurrentTab)

	cur := e.tracker.GetCurrentPresence()
	assert.Equal(t, "editor", cur.CurrentModule)
	assert.Equal(t, "preview", cur.CurrentTab)

	cur.CurrentModule = "mutated"
	assert.Equal(t, "editor", e.tracker.GetCurrentPresence().CurrentModule, "returned record is a copy")
}

func TestGoOfflineWritesFinalStateAndCancelsHook(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{})
	ctx := context.Background()
	require.NoError(t, e.tracker.Initialize(ctx))

	e.clock.Advance(time.Minute)
	e.tracker.GoOffline(ctx)

	ops := e.backend.all()
	require.Len(t, ops, 4)
	final := ops[2]
	assert.Equal(t, "update", final.name)
	assert.False(t, *final.patch.Online)
	assert.Equal(t, entity.ActivityStatusOffline, *final.patch.ActivityStatus)
	assert.Equal(t, t0.Add(time.Minute), *final.patch.LastSeen)
	assert.Equal(t, "cancel", ops[3].name)

	assert.Equal(t, in.TrackerOffline, e.tracker.State())
	assert.Nil(t, e.tracker.GetCurrentPresence())

	// 下线后交互不再写入，重复下线无副作用
	e.source.emit(entity.InteractionKey)
	e.tracker.GoOffline(ctx)
	assert.Len(t, e.backend.names(), 4)

	// 重新上线从头开始
	require.NoError(t, e.tracker.Initialize(ctx))
	assert.Equal(t, []string{"on_disconnect", "set"}, e.backend.names()[4:])
}

func TestHeartbeatRefreshesLastSeenOnly(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, e.tracker.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return len(e.backend.names()) > 2
	}, 2*time.Second, 5*time.Millisecond)

	beat := e.backend.all()[2]
	assert.Equal(t, "update", beat.name)
	assert.Nil(t, beat.patch.LastActivity)
	assert.Nil(t, beat.patch.ActivityStatus)
	require.NotNil(t, beat.patch.LastSeen)
	assert.True(t, *beat.patch.Online)
}

func TestUpdateLocationInitializesFirst(t *testing.T) {
	repo, conn := newHubConn(t, "alice")
	tracker := NewPresenceTracker(conn, desktopSession(), aliceIdentity(), nil, TrackerConfig{HeartbeatInterval: time.Hour})
	t.Cleanup(func() { tracker.GoOffline(context.Background()) })

	tracker.UpdateLocation(context.Background(), "settings", "keyboard")
	assert.Equal(t, in.TrackerLive, tracker.State())

	rec, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "settings", rec.CurrentModule)
	assert.Equal(t, "keyboard", rec.CurrentTab)
	assert.Equal(t, entity.ActivityStatusActive, rec.ActivityStatus)
	assert.True(t, rec.Online)
}

func TestGoOfflineWhileUninitializedDoesNothing(t *testing.T) {
	e := newTrackerEnv(t, aliceIdentity(), TrackerConfig{})
	assert.NotPanics(t, func() { e.tracker.GoOffline(context.Background()) })
	assert.Empty(t, e.backend.names())
	assert.Equal(t, in.TrackerUninitialized, e.tracker.State())
}

// crashingConn 写在线记录前连接就断了
type crashingConn struct {
	*realtime.Conn
}

func (c crashingConn) Set(context.Context, *entity.PresenceRecord) error {
	_ = c.Conn.Close()
	return entity.ErrDisconnected
}

func TestCrashBetweenHookAndLiveWriteEndsOffline(t *testing.T) {
	repo, conn := newHubConn(t, "alice")
	tracker := NewPresenceTracker(crashingConn{conn}, desktopSession(), aliceIdentity(), nil, TrackerConfig{HeartbeatInterval: time.Hour})
	t.Cleanup(func() { tracker.GoOffline(context.Background()) })

	require.NoError(t, tracker.Initialize(context.Background()))

	rec, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, entity.ActivityStatusOffline, rec.ActivityStatus)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestConnectionLossAfterLiveFiresHook(t *testing.T) {
	repo, conn := newHubConn(t, "alice")
	tracker := NewPresenceTracker(conn, desktopSession(), aliceIdentity(), nil, TrackerConfig{HeartbeatInterval: time.Hour})
	t.Cleanup(func() { tracker.GoOffline(context.Background()) })
	require.NoError(t, tracker.Initialize(context.Background()))

	rec, err := repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, rec.Online)

	require.NoError(t, conn.Close())

	rec, err = repo.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.Equal(t, "sess-1", rec.SessionID, "hook patches, it does not replace")
}

func newHubConn(t *testing.T, owner string) (*memory.PresenceRepositoryMemory, *realtime.Conn) {
	t.Helper()
	repo := memory.NewPresenceRepositoryMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := realtime.NewHub(repo)
	require.NoError(t, hub.Start(ctx))
	conn := hub.Connect(owner)
	t.Cleanup(func() { _ = conn.Close() })
	return repo, conn
}
