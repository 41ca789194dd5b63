package wsclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/ws"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/memory"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/realtime"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

const testSecret = "test-secret"

type testEnv struct {
	url    string
	repo   *memory.PresenceRepositoryMemory
	tokens jwt.Manager
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.NewPresenceRepositoryMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := realtime.NewHub(repo)
	require.NoError(t, hub.Start(ctx))

	tokens := jwt.NewManager(testSecret)
	srv := ws.NewServer(hub, tokens, nil, nil)
	httpSrv := httptest.NewServer(httpHandler(srv))
	t.Cleanup(httpSrv.Close)

	return &testEnv{
		url:    "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		repo:   repo,
		tokens: tokens,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.tokens.Generate(jwt.Claims{RegisteredClaims: gojwt.RegisteredClaims{Subject: userID}}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, userID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, e.url, e.token(t, userID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func live(userID string) *entity.PresenceRecord {
	now := time.Now().UTC()
	return &entity.PresenceRecord{
		UserID:         userID,
		Online:         true,
		ActivityStatus: entity.ActivityStatusActive,
		LastActivity:   now,
		LastSeen:       now,
		CurrentModule:  "home",
		SessionID:      "s1",
		Device:         entity.DeviceDesktop,
	}
}

func TestRoundTripSetWatchDropOffline(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	owner := env.dial(t, "u1")
	observer := env.dial(t, "u2")

	var (
		mu   sync.Mutex
		seen []*entity.PresenceRecord
	)
	unsub, err := observer.WatchUser(ctx, "u1", func(r *entity.PresenceRecord) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, owner.OnDisconnect(ctx, "u1", entity.OfflinePatch()))
	require.NoError(t, owner.Set(ctx, live("u1")))

	got, err := observer.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Online)

	last := func() *entity.PresenceRecord {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return nil
		}
		return seen[len(seen)-1]
	}
	require.Eventually(t, func() bool {
		r := last()
		return r != nil && r.Online
	}, 2*time.Second, 10*time.Millisecond)

	// 不调用 GoOffline 直接断开，钩子负责下线
	require.NoError(t, owner.Close())

	require.Eventually(t, func() bool {
		r := last()
		return r != nil && !r.Online && r.ActivityStatus == entity.ActivityStatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Nil(t, seen[0], "first delivery is the empty initial value")
	mu.Unlock()
}

func TestErrorsMapToSentinels(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.dial(t, "u1")

	_, err := c.Get(ctx, "missing")
	require.ErrorIs(t, err, entity.ErrNotFound)

	err = c.Set(ctx, live("u2"))
	require.ErrorIs(t, err, entity.ErrForbidden)

	err = c.Update(ctx, "u2", entity.OfflinePatch())
	require.ErrorIs(t, err, entity.ErrForbidden)

	records, err := c.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestWatchAllAndUnsubscribe(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	a := env.dial(t, "a")
	b := env.dial(t, "b")

	updates := make(chan int, 32)
	unsub, err := a.WatchAll(ctx, func(rs []*entity.PresenceRecord) { updates <- len(rs) })
	require.NoError(t, err)

	select {
	case n := <-updates:
		require.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, b.Set(ctx, live("b")))
	select {
	case n := <-updates:
		require.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after write")
	}

	unsub()
	unsub()
	require.NoError(t, a.Set(ctx, live("a")))
	// a 自己的请求已经 ack，说明服务端已处理 unwatch
	_, err = a.List(ctx)
	require.NoError(t, err)
	select {
	case n := <-updates:
		t.Fatalf("unexpected snapshot after unsubscribe: %d", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallsAfterCloseFail(t *testing.T) {
	env := newEnv(t)
	c := env.dial(t, "u1")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	<-c.Done()
	require.ErrorIs(t, c.Set(context.Background(), live("u1")), entity.ErrDisconnected)
	_, err := c.WatchAll(context.Background(), func([]*entity.PresenceRecord) {})
	require.ErrorIs(t, err, entity.ErrDisconnected)
}

func TestDialRejectsMissingToken(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, env.url, "")
	require.Error(t, err)
}

func TestDialReportsIdentity(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, "alice")
	assert.Equal(t, "alice", c.UserID())
	assert.NotEmpty(t, c.ConnID())
}
