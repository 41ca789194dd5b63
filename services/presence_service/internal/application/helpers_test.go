package application

import (
	"context"
	"sync"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

var t0 = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualSource 手动触发的交互来源，回调同步执行
type manualSource struct {
	mu       sync.Mutex
	fn       func(entity.InteractionEvent)
	attached int
	err      error
}

func (s *manualSource) Listen(_ []entity.InteractionKind, fn func(entity.InteractionEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.fn = fn
	s.attached++
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}, nil
}

func (s *manualSource) emit(kind entity.InteractionKind) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(entity.InteractionEvent{Kind: kind})
	}
}

type op struct {
	name   string
	userID string
	rec    *entity.PresenceRecord
	patch  entity.PresencePatch
}

// recordingBackend 按调用顺序记录写入
type recordingBackend struct {
	mu            sync.Mutex
	ops           []op
	disconnectErr error
	setErr        error
	onSet         func()
}

var _ out.PresenceWriter = (*recordingBackend)(nil)

func (b *recordingBackend) record(o op) {
	b.mu.Lock()
	b.ops = append(b.ops, o)
	b.mu.Unlock()
}

func (b *recordingBackend) Set(_ context.Context, rec *entity.PresenceRecord) error {
	b.record(op{name: "set", userID: rec.UserID, rec: rec.Clone()})
	if b.onSet != nil {
		b.onSet()
	}
	return b.setErr
}

func (b *recordingBackend) Update(_ context.Context, userID string, patch entity.PresencePatch) error {
	b.record(op{name: "update", userID: userID, patch: patch})
	return nil
}

func (b *recordingBackend) OnDisconnect(_ context.Context, userID string, patch entity.PresencePatch) error {
	b.record(op{name: "on_disconnect", userID: userID, patch: patch})
	return b.disconnectErr
}

func (b *recordingBackend) CancelOnDisconnect(_ context.Context, userID string) error {
	b.record(op{name: "cancel", userID: userID})
	return nil
}

func (b *recordingBackend) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.ops))
	for i, o := range b.ops {
		names[i] = o.name
	}
	return names
}

func (b *recordingBackend) last() op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops[len(b.ops)-1]
}

func (b *recordingBackend) all() []op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]op(nil), b.ops...)
}

type fixedSession struct{ info entity.SessionInfo }

func (s fixedSession) Session(context.Context) (entity.SessionInfo, error) { return s.info, nil }

type fixedIdentity struct{ ident *entity.Identity }

func (i fixedIdentity) CurrentIdentity(context.Context) (*entity.Identity, error) {
	if i.ident == nil {
		return nil, nil
	}
	cp := *i.ident
	return &cp, nil
}

func aliceIdentity() fixedIdentity {
	return fixedIdentity{ident: &entity.Identity{UserID: "alice", DisplayName: "Alice", Email: "alice@example.com"}}
}

func desktopSession() fixedSession {
	return fixedSession{info: entity.SessionInfo{SessionID: "sess-1", Device: entity.DeviceDesktop}}
}
