package memory

import (
	"context"
	"sync"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// changeBuffer 每个订阅者的缓冲，回调里同步写入超过这个数量会阻塞
const changeBuffer = 256

// PresenceRepositoryMemory 单节点内存仓储，用于测试与本地运行
type PresenceRepositoryMemory struct {
	// writeMu 串行化写入与通知，保证订阅者看到的变更顺序与存储顺序一致
	writeMu sync.Mutex
	mu      sync.RWMutex
	records map[string]*entity.PresenceRecord

	subMu sync.Mutex
	subs  map[chan entity.PresenceChange]context.Context
}

var _ out.PresenceRepository = (*PresenceRepositoryMemory)(nil)

func NewPresenceRepositoryMemory() *PresenceRepositoryMemory {
	return &PresenceRepositoryMemory{
		records: make(map[string]*entity.PresenceRecord),
		subs:    make(map[chan entity.PresenceChange]context.Context),
	}
}

func (r *PresenceRepositoryMemory) Get(_ context.Context, userID string) (*entity.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[userID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *PresenceRepositoryMemory) List(_ context.Context) ([]*entity.PresenceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*entity.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec.Clone())
	}
	return result, nil
}

func (r *PresenceRepositoryMemory) Put(ctx context.Context, rec *entity.PresenceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := rec.Clone()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.records[stored.UserID] = stored
	r.mu.Unlock()

	r.publish(entity.PresenceChange{UserID: stored.UserID, Record: stored.Clone()})
	return nil
}

func (r *PresenceRepositoryMemory) Patch(ctx context.Context, userID string, patch entity.PresencePatch, now time.Time) (*entity.PresenceRecord, error) {
	if userID == "" {
		return nil, entity.ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	next := patch.Apply(r.records[userID], userID, now)
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.records[userID] = next
	r.mu.Unlock()

	r.publish(entity.PresenceChange{UserID: userID, Record: next.Clone()})
	return next.Clone(), nil
}

func (r *PresenceRepositoryMemory) Delete(_ context.Context, userID string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	_, ok := r.records[userID]
	delete(r.records, userID)
	r.mu.Unlock()

	if ok {
		r.publish(entity.PresenceChange{UserID: userID, Deleted: true})
	}
	return nil
}

// Changes 订阅变更，ctx 结束后通道关闭
func (r *PresenceRepositoryMemory) Changes(ctx context.Context) (<-chan entity.PresenceChange, error) {
	ch := make(chan entity.PresenceChange, changeBuffer)

	r.subMu.Lock()
	r.subs[ch] = ctx
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subs, ch)
		close(ch)
		r.subMu.Unlock()
	}()
	return ch, nil
}

// publish 在 subMu 下发送，保证不会向已关闭的通道写入
func (r *PresenceRepositoryMemory) publish(change entity.PresenceChange) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch, ctx := range r.subs {
		select {
		case ch <- change:
		case <-ctx.Done():
		}
	}
}
