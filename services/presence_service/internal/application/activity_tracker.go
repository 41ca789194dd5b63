package application

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// DefaultActivityThrottle 连续交互时回调的最小间隔
const DefaultActivityThrottle = 15 * time.Second

// ActivityTrackerOption 配置项
type ActivityTrackerOption func(*ActivityTrackerImpl)

func WithMinInterval(d time.Duration) ActivityTrackerOption {
	return func(t *ActivityTrackerImpl) {
		if d > 0 {
			t.minInterval = d
		}
	}
}

func WithActivityClock(now func() time.Time) ActivityTrackerOption {
	return func(t *ActivityTrackerImpl) {
		if now != nil {
			t.now = now
		}
	}
}

func WithActivityLogger(l *zap.Logger) ActivityTrackerOption {
	return func(t *ActivityTrackerImpl) {
		if l != nil {
			t.logger = l
		}
	}
}

// ActivityTrackerImpl 监听原始交互并节流成活跃信号。
// 节流取前沿：窗口内第一次交互立即回调，其余丢弃，不依赖定时器。
type ActivityTrackerImpl struct {
	source      out.InteractionSource
	onActivity  func()
	minInterval time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	detach    func()
	lastFired time.Time
}

var _ in.ActivityTracker = (*ActivityTrackerImpl)(nil)

// NewActivityTracker source 为空时 Start 不做任何事（无界面环境）
func NewActivityTracker(source out.InteractionSource, onActivity func(), opts ...ActivityTrackerOption) *ActivityTrackerImpl {
	t := &ActivityTrackerImpl{
		source:      source,
		onActivity:  onActivity,
		minInterval: DefaultActivityThrottle,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start 挂载监听，重复调用不会重复挂载
func (t *ActivityTrackerImpl) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.detach != nil || t.source == nil {
		return
	}
	detach, err := t.source.Listen(entity.AllInteractionKinds, t.handleEvent)
	if err != nil {
		t.logger.Debug("interaction source unavailable", zap.Error(err))
		return
	}
	if detach == nil {
		detach = func() {}
	}
	t.detach = detach
}

// Stop 解除监听，未启动时调用也安全
func (t *ActivityTrackerImpl) Stop() {
	t.mu.Lock()
	detach := t.detach
	t.detach = nil
	t.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Running 是否已挂载监听
func (t *ActivityTrackerImpl) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detach != nil
}

// ForceActivityUpdate 无视节流同步回调，并重新开始节流窗口
func (t *ActivityTrackerImpl) ForceActivityUpdate() {
	t.mu.Lock()
	t.lastFired = t.now()
	t.mu.Unlock()

	t.fire()
}

func (t *ActivityTrackerImpl) handleEvent(_ entity.InteractionEvent) {
	t.mu.Lock()
	if t.detach == nil {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if !t.lastFired.IsZero() && now.Sub(t.lastFired) < t.minInterval {
		t.mu.Unlock()
		return
	}
	t.lastFired = now
	t.mu.Unlock()

	t.fire()
}

func (t *ActivityTrackerImpl) fire() {
	if t.onActivity != nil {
		t.onActivity()
	}
}
