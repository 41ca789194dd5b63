package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// PresenceQueryImpl 看板读取面。存储里的 activityStatus 只和最后一次写入一样新，
// 这里一律按 lastActivity 与 online 重新计算。
type PresenceQueryImpl struct {
	reader out.PresenceReader
	idle   time.Duration
	now    func() time.Time
}

var _ in.PresenceQuery = (*PresenceQueryImpl)(nil)

// NewPresenceQuery idle 为 0 时使用 entity.DefaultIdleTimeout；now 为空时使用 time.Now
func NewPresenceQuery(reader out.PresenceReader, idle time.Duration, now func() time.Time) *PresenceQueryImpl {
	if idle <= 0 {
		idle = entity.DefaultIdleTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &PresenceQueryImpl{reader: reader, idle: idle, now: now}
}

// SubscribeToAllPresence 每次变更都回调排好序的全量列表
func (q *PresenceQueryImpl) SubscribeToAllPresence(ctx context.Context, fn func([]*entity.PresenceRecord)) (out.Unsubscribe, error) {
	unsub, err := q.reader.WatchAll(ctx, func(records []*entity.PresenceRecord) {
		fn(q.prepare(records))
	})
	if err != nil {
		return nil, err
	}
	return once(unsub), nil
}

// SubscribeToUserPresence 记录不存在时回调 nil
func (q *PresenceQueryImpl) SubscribeToUserPresence(ctx context.Context, userID string, fn func(*entity.PresenceRecord)) (out.Unsubscribe, error) {
	unsub, err := q.reader.WatchUser(ctx, userID, func(rec *entity.PresenceRecord) {
		if rec == nil {
			fn(nil)
			return
		}
		fn(rec.WithComputedStatus(q.now(), q.idle))
	})
	if err != nil {
		return nil, err
	}
	return once(unsub), nil
}

// GetAllPresence 一次性读取全量，排序规则与订阅一致
func (q *PresenceQueryImpl) GetAllPresence(ctx context.Context) ([]*entity.PresenceRecord, error) {
	records, err := q.reader.List(ctx)
	if err != nil {
		return nil, err
	}
	return q.prepare(records), nil
}

func (q *PresenceQueryImpl) GetUserPresence(ctx context.Context, userID string) (*entity.PresenceRecord, error) {
	rec, err := q.reader.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return rec.WithComputedStatus(q.now(), q.idle), nil
}

func (q *PresenceQueryImpl) GetPresenceStats(ctx context.Context) (*entity.PresenceStats, error) {
	records, err := q.reader.List(ctx)
	if err != nil {
		return nil, err
	}
	return entity.ComputeStats(records, q.now(), q.idle), nil
}

func (q *PresenceQueryImpl) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	status, err := q.GetUserActivityStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	return status == entity.ActivityStatusActive, nil
}

// GetUserActivityStatus 记录不存在视为 offline
func (q *PresenceQueryImpl) GetUserActivityStatus(ctx context.Context, userID string) (entity.ActivityStatus, error) {
	rec, err := q.reader.Get(ctx, userID)
	if errors.Is(err, entity.ErrNotFound) {
		return entity.ActivityStatusOffline, nil
	}
	if err != nil {
		return entity.ActivityStatusOffline, err
	}
	return entity.ComputeActivityStatus(rec.LastActivity, rec.Online, q.now(), q.idle), nil
}

func (q *PresenceQueryImpl) prepare(records []*entity.PresenceRecord) []*entity.PresenceRecord {
	now := q.now()
	result := make([]*entity.PresenceRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		result = append(result, r.WithComputedStatus(now, q.idle))
	}
	entity.SortForDashboard(result)
	return result
}

func once(fn out.Unsubscribe) out.Unsubscribe {
	var o sync.Once
	return func() {
		o.Do(func() {
			if fn != nil {
				fn()
			}
		})
	}
}
