package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/observability"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	defaultHookTimeout  = 5 * time.Second
	defaultEventTimeout = 3 * time.Second
)

// HubOption 配置项
type HubOption func(*Hub)

func WithPublisher(p out.EventPublisher) HubOption {
	return func(h *Hub) { h.publisher = p }
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithHookTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.hookTimeout = d
		}
	}
}

// Hub 在共享仓储之上提供按连接划分的实时后端：
// 读写、订阅推送，以及连接断开时执行的兜底写入。
type Hub struct {
	repo        out.PresenceRepository
	publisher   out.EventPublisher
	now         func() time.Time
	logger      *zap.Logger
	hookTimeout time.Duration

	// deliverMu 保证同一订阅者收到的推送有序，且初始值不会晚于后续变更
	deliverMu sync.Mutex

	mu       sync.RWMutex
	snapshot map[string]*entity.PresenceRecord
	watchers map[uint64]*watcher
	conns    map[string]*Conn
	nextID   uint64
	started  bool
	done     chan struct{}
}

type watcher struct {
	id     uint64
	userID string // 为空表示订阅全量
	onUser func(*entity.PresenceRecord)
	onAll  func([]*entity.PresenceRecord)
	closed atomic.Bool
}

func NewHub(repo out.PresenceRepository, opts ...HubOption) *Hub {
	h := &Hub{
		repo:        repo,
		now:         time.Now,
		logger:      zap.NewNop(),
		hookTimeout: defaultHookTimeout,
		snapshot:    make(map[string]*entity.PresenceRecord),
		watchers:    make(map[uint64]*watcher),
		conns:       make(map[string]*Conn),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start 先订阅变更再加载全量，避免两步之间的变更丢失
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("hub already started")
	}
	h.started = true
	h.mu.Unlock()

	changes, err := h.repo.Changes(ctx)
	if err != nil {
		return fmt.Errorf("subscribe presence changes: %w", err)
	}
	records, err := h.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load presence snapshot: %w", err)
	}

	h.deliverMu.Lock()
	h.mu.Lock()
	for _, r := range records {
		h.snapshot[r.UserID] = r
	}
	h.mu.Unlock()
	h.deliverMu.Unlock()

	go h.loop(changes)
	h.logger.Info("presence hub started", zap.Int("records", len(records)))
	return nil
}

// Done 变更订阅结束后关闭
func (h *Hub) Done() <-chan struct{} { return h.done }

// Connect 创建一个后端连接，owner 非空时只允许写 owner 自己的记录
func (h *Hub) Connect(owner string) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		owner:    owner,
		hub:      h,
		hooks:    make(map[string]entity.PresencePatch),
		watchIDs: make(map[uint64]struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	observability.ConnectionOpened()
	return c
}

// ConnectionCount 当前连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 关闭全部连接，服务退出时调用，会触发各连接的断线钩子
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) loop(changes <-chan entity.PresenceChange) {
	defer close(h.done)
	for change := range changes {
		h.apply(change)
	}
	h.logger.Info("presence hub change feed closed")
}

func (h *Hub) apply(change entity.PresenceChange) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	old := h.snapshot[change.UserID]
	if change.Deleted || change.Record == nil {
		delete(h.snapshot, change.UserID)
	} else {
		h.snapshot[change.UserID] = change.Record
	}
	targets := make([]*watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		if w.userID == "" || w.userID == change.UserID {
			targets = append(targets, w)
		}
	}
	all := h.listLocked()
	h.mu.Unlock()

	for _, w := range targets {
		h.deliver(w, change.UserID, all)
	}

	if !change.Deleted && change.Record != nil {
		h.publishTransition(old, change.Record)
	}
}

func (h *Hub) deliver(w *watcher, userID string, all []*entity.PresenceRecord) {
	if w.closed.Load() {
		return
	}
	if w.userID == "" {
		records := make([]*entity.PresenceRecord, len(all))
		for i, r := range all {
			records[i] = r.Clone()
		}
		w.onAll(records)
		return
	}
	var rec *entity.PresenceRecord
	for _, r := range all {
		if r.UserID == userID {
			rec = r.Clone()
			break
		}
	}
	w.onUser(rec)
}

func (h *Hub) listLocked() []*entity.PresenceRecord {
	all := make([]*entity.PresenceRecord, 0, len(h.snapshot))
	for _, r := range h.snapshot {
		all = append(all, r)
	}
	return all
}

func (h *Hub) publishTransition(old, cur *entity.PresenceRecord) {
	if h.publisher == nil {
		return
	}
	oldStatus, newStatus := entity.StoredStatus(old), entity.StoredStatus(cur)
	if old != nil && oldStatus == newStatus {
		return
	}
	event := &entity.PresenceEvent{
		UserID:    cur.UserID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Timestamp: h.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultEventTimeout)
		defer cancel()
		err := h.publisher.PublishPresenceChange(ctx, event)
		observability.RecordEvent(err)
		if err != nil {
			h.logger.Warn("publish presence event failed", zlog.UserID(event.UserID), zap.Error(err))
		}
	}()
}

func (h *Hub) watch(userID string, onUser func(*entity.PresenceRecord), onAll func([]*entity.PresenceRecord)) uint64 {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.nextID++
	w := &watcher{id: h.nextID, userID: userID, onUser: onUser, onAll: onAll}
	h.watchers[w.id] = w
	all := h.listLocked()
	h.mu.Unlock()
	observability.WatcherAdded()

	// 订阅时立即推送一次当前值
	h.deliver(w, userID, all)
	return w.id
}

func (h *Hub) unwatch(id uint64) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	delete(h.watchers, id)
	h.mu.Unlock()
	if ok {
		w.closed.Store(true)
		observability.WatcherRemoved()
	}
}

func (h *Hub) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	observability.ConnectionClosed()
}
