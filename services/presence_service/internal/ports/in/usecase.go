package in

import (
	"context"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// TrackerState 在线追踪的生命周期状态
type TrackerState int

const (
	TrackerUninitialized TrackerState = iota
	TrackerLive
	TrackerOffline
)

func (s TrackerState) String() string {
	switch s {
	case TrackerLive:
		return "live"
	case TrackerOffline:
		return "offline"
	default:
		return "uninitialized"
	}
}

// ActivityTracker 交互检测
type ActivityTracker interface {
	Start()
	Stop()
	ForceActivityUpdate()
	Running() bool
}

// PresenceTracker 单个用户在线状态的完整生命周期
type PresenceTracker interface {
	// Initialize 已上线时直接返回；没有登录用户时什么都不做
	Initialize(ctx context.Context) error
	// UpdateLocation 更新所在模块，视为一次活跃
	UpdateLocation(ctx context.Context, module, tab string)
	// GoOffline 主动下线，未上线时什么都不做
	GoOffline(ctx context.Context)
	// GetCurrentPresence 返回内存记录的副本，未上线返回 nil
	GetCurrentPresence() *entity.PresenceRecord
	State() TrackerState
}

// PresenceQuery 看板读取面，所有状态都在读取时重新计算
type PresenceQuery interface {
	SubscribeToAllPresence(ctx context.Context, fn func([]*entity.PresenceRecord)) (out.Unsubscribe, error)
	SubscribeToUserPresence(ctx context.Context, userID string, fn func(*entity.PresenceRecord)) (out.Unsubscribe, error)
	GetAllPresence(ctx context.Context) ([]*entity.PresenceRecord, error)
	// GetUserPresence 记录不存在时返回 entity.ErrNotFound
	GetUserPresence(ctx context.Context, userID string) (*entity.PresenceRecord, error)
	GetPresenceStats(ctx context.Context) (*entity.PresenceStats, error)
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	GetUserActivityStatus(ctx context.Context, userID string) (entity.ActivityStatus, error)
}
