package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/observability"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// Conn 一个客户端连接对应的后端句柄，实现 out.PresenceBackend。
// 断线钩子挂在连接上，连接关闭（无论是否优雅）时由后端执行。
type Conn struct {
	id    string
	owner string
	hub   *Hub

	// writeMu 读锁覆盖 Set/Update 的检查与落库，Close 取写锁后才标记关闭，
	// 关闭之前已经发出的写入一定落在断线钩子之前
	writeMu sync.RWMutex

	mu       sync.Mutex
	closed   bool
	hooks    map[string]entity.PresencePatch // userID -> patch
	watchIDs map[uint64]struct{}
}

var _ out.PresenceBackend = (*Conn)(nil)

func (c *Conn) ID() string    { return c.id }
func (c *Conn) Owner() string { return c.owner }

func (c *Conn) checkWrite(userID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return entity.ErrDisconnected
	}
	if userID == "" {
		return entity.ErrInvalidRecord
	}
	if c.owner != "" && c.owner != userID {
		return entity.ErrForbidden
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Set(ctx context.Context, rec *entity.PresenceRecord) error {
	if rec == nil {
		return entity.ErrInvalidRecord
	}
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if err := c.checkWrite(rec.UserID); err != nil {
		return err
	}
	err := c.hub.repo.Put(ctx, rec)
	observability.RecordWrite("set", err)
	return err
}

func (c *Conn) Update(ctx context.Context, userID string, patch entity.PresencePatch) error {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if err := c.checkWrite(userID); err != nil {
		return err
	}
	_, err := c.hub.repo.Patch(ctx, userID, patch, c.hub.now())
	observability.RecordWrite("update", err)
	return err
}

// OnDisconnect 同一用户重复注册会覆盖之前的钩子
func (c *Conn) OnDisconnect(ctx context.Context, userID string, patch entity.PresencePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkWrite(userID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return entity.ErrDisconnected
	}
	c.hooks[userID] = patch
	return nil
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return entity.ErrDisconnected
	}
	delete(c.hooks, userID)
	return nil
}

func (c *Conn) Get(ctx context.Context, userID string) (*entity.PresenceRecord, error) {
	if c.isClosed() {
		return nil, entity.ErrDisconnected
	}
	return c.hub.repo.Get(ctx, userID)
}

func (c *Conn) List(ctx context.Context) ([]*entity.PresenceRecord, error) {
	if c.isClosed() {
		return nil, entity.ErrDisconnected
	}
	return c.hub.repo.List(ctx)
}

// WatchUser 回调在 hub 的推送协程里执行，回调中不能再发起订阅
func (c *Conn) WatchUser(ctx context.Context, userID string, fn func(*entity.PresenceRecord)) (out.Unsubscribe, error) {
	if userID == "" {
		return nil, entity.ErrInvalidRecord
	}
	return c.addWatch(ctx, userID, fn, nil)
}

func (c *Conn) WatchAll(ctx context.Context, fn func([]*entity.PresenceRecord)) (out.Unsubscribe, error) {
	return c.addWatch(ctx, "", nil, fn)
}

func (c *Conn) addWatch(ctx context.Context, userID string, onUser func(*entity.PresenceRecord), onAll func([]*entity.PresenceRecord)) (out.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, entity.ErrDisconnected
	}
	id := c.hub.watch(userID, onUser, onAll)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.hub.unwatch(id)
		return nil, entity.ErrDisconnected
	}
	c.watchIDs[id] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchIDs, id)
			c.mu.Unlock()
			c.hub.unwatch(id)
		})
	}, nil
}

// Close 断开连接：移除订阅并执行全部断线钩子，重复调用安全
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	watchIDs := c.watchIDs
	c.watchIDs = nil
	c.mu.Unlock()
	c.writeMu.Unlock()

	for id := range watchIDs {
		c.hub.unwatch(id)
	}

	var errs []error
	for userID, patch := range hooks {
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.hookTimeout)
		_, err := c.hub.repo.Patch(ctx, userID, patch, c.hub.now())
		cancel()
		observability.RecordWrite("hook", err)
		if err != nil {
			c.hub.logger.Error("apply disconnect hook failed", zap.String("conn_id", c.id), zlog.UserID(userID), zap.Error(err))
			errs = append(errs, fmt.Errorf("hook for %s: %w", userID, err))
			continue
		}
		observability.HookFired()
		c.hub.logger.Debug("disconnect hook applied", zap.String("conn_id", c.id), zlog.UserID(userID))
	}

	c.hub.forget(c)
	return errors.Join(errs...)
}
