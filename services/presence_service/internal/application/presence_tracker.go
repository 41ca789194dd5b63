package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	DefaultHeartbeatInterval = time.Minute
	DefaultWriteTimeout      = 5 * time.Second
)

// TrackerConfig PresenceTracker 的可调参数
type TrackerConfig struct {
	ActivityThrottle  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	InitialModule     string
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.ActivityThrottle <= 0 {
		c.ActivityThrottle = DefaultActivityThrottle
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.InitialModule == "" {
		c.InitialModule = "home"
	}
	return c
}

// PresenceTrackerImpl 负责单个用户在线记录的生命周期：
// 注册断线钩子 → 写入在线记录 → 节流写入活跃 → 下线清理。
type PresenceTrackerImpl struct {
	backend  out.PresenceWriter
	sessions out.SessionProvider
	identity out.IdentityProvider
	source   out.InteractionSource
	cfg      TrackerConfig
	now      func() time.Time
	logger   *zap.Logger

	// lifecycleMu 串行化 Initialize / UpdateLocation / GoOffline
	lifecycleMu sync.Mutex

	mu       sync.Mutex
	state    in.TrackerState
	record   *entity.PresenceRecord
	activity *ActivityTrackerImpl
	cancel   context.CancelFunc
	sessCtx  context.Context
	inflight sync.WaitGroup
}

var _ in.PresenceTracker = (*PresenceTrackerImpl)(nil)

// TrackerOption 配置项
type TrackerOption func(*PresenceTrackerImpl)

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *PresenceTrackerImpl) {
		if now != nil {
			t.now = now
		}
	}
}

func WithTrackerLogger(l *zap.Logger) TrackerOption {
	return func(t *PresenceTrackerImpl) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewPresenceTracker 创建在线追踪
func NewPresenceTracker(
	backend out.PresenceWriter,
	sessions out.SessionProvider,
	identity out.IdentityProvider,
	source out.InteractionSource,
	cfg TrackerConfig,
	opts ...TrackerOption,
) *PresenceTrackerImpl {
	t := &PresenceTrackerImpl{
		backend:  backend,
		sessions: sessions,
		identity: identity,
		source:   source,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   zap.NewNop(),
		state:    in.TrackerUninitialized,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize 上线。顺序不可调换：断线钩子必须先被后端确认，再写在线记录，
// 否则进程在两步之间崩溃会让用户永远显示在线。
func (t *PresenceTrackerImpl) Initialize(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	return t.initializeLocked(ctx)
}

func (t *PresenceTrackerImpl) initializeLocked(ctx context.Context) error {
	if t.State() == in.TrackerLive {
		return nil
	}

	ident, err := t.identity.CurrentIdentity(ctx)
	if err != nil {
		t.logger.Debug("identity lookup failed", zap.Error(err))
		return nil
	}
	if ident == nil || ident.UserID == "" {
		return nil
	}

	sess, err := t.sessions.Session(ctx)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	log := t.logger.With(zlog.UserID(ident.UserID), zlog.SessionID(sess.SessionID))

	hookCtx, cancelHook := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	err = t.backend.OnDisconnect(hookCtx, ident.UserID, entity.OfflinePatch())
	cancelHook()
	if err != nil {
		// 钩子没注册上意味着崩溃后无法自动下线，这里必须大声报出来
		log.Error("register disconnect hook failed, presence may stay online after a crash", zap.Error(err))
	}

	now := t.now()
	rec := &entity.PresenceRecord{
		UserID:         ident.UserID,
		Online:         true,
		ActivityStatus: entity.ActivityStatusActive,
		LastActivity:   now,
		LastSeen:       now,
		CurrentModule:  t.cfg.InitialModule,
		SessionID:      sess.SessionID,
		Device:         sess.Device,
		DisplayName:    ident.DisplayName,
		Email:          ident.Email,
		PhotoURL:       ident.PhotoURL,
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	if err := t.backend.Set(writeCtx, rec); err != nil {
		log.Warn("initial presence write failed", zap.Error(err))
	}
	cancelWrite()

	sessCtx, cancel := context.WithCancel(context.Background())
	activity := NewActivityTracker(t.source, t.handleActivity,
		WithMinInterval(t.cfg.ActivityThrottle),
		WithActivityClock(t.now),
		WithActivityLogger(t.logger),
	)

	t.mu.Lock()
	t.state = in.TrackerLive
	t.record = rec
	t.activity = activity
	t.sessCtx = sessCtx
	t.cancel = cancel
	t.inflight.Add(1)
	t.mu.Unlock()

	activity.Start()
	go t.heartbeatLoop(sessCtx)

	log.Info("presence live", zap.String("device", string(sess.Device)))
	return nil
}

// UpdateLocation 导航本身就是活跃的证据，因此立即强制一次活跃写入
func (t *PresenceTrackerImpl) UpdateLocation(ctx context.Context, module, tab string) {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.State() != in.TrackerLive {
		if err := t.initializeLocked(ctx); err != nil {
			t.logger.Warn("initialize before location update failed", zap.Error(err))
			return
		}
		if t.State() != in.TrackerLive {
			return
		}
	}

	t.mu.Lock()
	t.record.CurrentModule = module
	t.record.CurrentTab = tab
	activity := t.activity
	t.mu.Unlock()

	activity.ForceActivityUpdate()
}

// GoOffline 主动下线，未上线时什么都不做
func (t *PresenceTrackerImpl) GoOffline(ctx context.Context) {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.state != in.TrackerLive {
		t.mu.Unlock()
		return
	}
	t.state = in.TrackerOffline
	userID := t.record.UserID
	activity := t.activity
	cancel := t.cancel
	t.mu.Unlock()

	activity.Stop()
	cancel()
	// 等心跳和正在进行的活跃写入结束，保证下线写入是最后一次
	t.inflight.Wait()

	writeCtx, cancelWrite := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancelWrite()

	now := t.now()
	patch := entity.OfflinePatch()
	patch.StampLastSeen = false
	patch.LastSeen = &now
	if err := t.backend.Update(writeCtx, userID, patch); err != nil {
		t.logger.Warn("offline presence write failed", zlog.UserID(userID), zap.Error(err))
	}
	if err := t.backend.CancelOnDisconnect(writeCtx, userID); err != nil && !errors.Is(err, entity.ErrDisconnected) {
		t.logger.Debug("cancel disconnect hook failed", zlog.UserID(userID), zap.Error(err))
	}

	t.mu.Lock()
	t.record = nil
	t.activity = nil
	t.cancel = nil
	t.sessCtx = nil
	t.mu.Unlock()

	t.logger.Info("presence offline", zlog.UserID(userID))
}

// GetCurrentPresence 返回内存记录的副本
func (t *PresenceTrackerImpl) GetCurrentPresence() *entity.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != in.TrackerLive {
		return nil
	}
	return t.record.Clone()
}

func (t *PresenceTrackerImpl) State() in.TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// handleActivity ActivityTracker 的回调，写入失败只记录日志
func (t *PresenceTrackerImpl) handleActivity() {
	t.mu.Lock()
	if t.state != in.TrackerLive {
		t.mu.Unlock()
		return
	}
	now := t.now()
	t.record.Online = true
	t.record.ActivityStatus = entity.ActivityStatusActive
	t.record.LastActivity = now
	t.record.LastSeen = now
	rec := t.record.Clone()
	ctx := t.sessCtx
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()

	online := true
	status := entity.ActivityStatusActive
	patch := entity.PresencePatch{
		Online:         &online,
		ActivityStatus: &status,
		LastActivity:   &now,
		LastSeen:       &now,
		CurrentModule:  &rec.CurrentModule,
		CurrentTab:     &rec.CurrentTab,
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := t.backend.Update(writeCtx, rec.UserID, patch); err != nil {
		t.logger.Warn("activity presence write failed", zlog.UserID(rec.UserID), zap.Error(err))
	}
}

// heartbeatLoop 周期性刷新 lastSeen，不改变 lastActivity
func (t *PresenceTrackerImpl) heartbeatLoop(ctx context.Context) {
	defer t.inflight.Done()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.heartbeat(ctx)
		}
	}
}

func (t *PresenceTrackerImpl) heartbeat(ctx context.Context) {
	t.mu.Lock()
	if t.state != in.TrackerLive {
		t.mu.Unlock()
		return
	}
	now := t.now()
	t.record.LastSeen = now
	t.record.Online = true
	userID := t.record.UserID
	t.mu.Unlock()

	online := true
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := t.backend.Update(writeCtx, userID, entity.PresencePatch{Online: &online, LastSeen: &now}); err != nil {
		t.logger.Warn("heartbeat presence write failed", zlog.UserID(userID), zap.Error(err))
	}
}
