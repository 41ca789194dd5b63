package out

import (
	"context"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

// PresenceRepository 服务端在线记录仓储，由 Redis 或内存实现
type PresenceRepository interface {
	// Get 记录不存在时返回 entity.ErrNotFound
	Get(ctx context.Context, userID string) (*entity.PresenceRecord, error)
	// List 返回全部记录
	List(ctx context.Context) ([]*entity.PresenceRecord, error)
	// Put 整条覆盖写入
	Put(ctx context.Context, rec *entity.PresenceRecord) error
	// Patch 局部更新，记录不存在时新建；now 用于 StampLastSeen
	Patch(ctx context.Context, userID string, patch entity.PresencePatch, now time.Time) (*entity.PresenceRecord, error)
	// Delete 管理端清理已注销账号
	Delete(ctx context.Context, userID string) error
	// Changes 订阅变更，ctx 结束后通道关闭
	Changes(ctx context.Context) (<-chan entity.PresenceChange, error)
}

// Unsubscribe 取消订阅，重复调用安全
type Unsubscribe func()

// PresenceWriter 客户端写入面
type PresenceWriter interface {
	Set(ctx context.Context, rec *entity.PresenceRecord) error
	Update(ctx context.Context, userID string, patch entity.PresencePatch) error
	// OnDisconnect 注册断线时由后端执行的兜底写入，返回即表示后端已确认
	OnDisconnect(ctx context.Context, userID string, patch entity.PresencePatch) error
	CancelOnDisconnect(ctx context.Context, userID string) error
}

// PresenceReader 客户端读取面
type PresenceReader interface {
	// Get 记录不存在时返回 entity.ErrNotFound
	Get(ctx context.Context, userID string) (*entity.PresenceRecord, error)
	List(ctx context.Context) ([]*entity.PresenceRecord, error)
	// WatchUser 订阅后立即回调一次当前值，记录不存在时回调 nil
	WatchUser(ctx context.Context, userID string, fn func(*entity.PresenceRecord)) (Unsubscribe, error)
	// WatchAll 订阅后立即回调一次全量
	WatchAll(ctx context.Context, fn func([]*entity.PresenceRecord)) (Unsubscribe, error)
}

// PresenceBackend 实时后端的完整读写面
type PresenceBackend interface {
	PresenceWriter
	PresenceReader
}

// SessionProvider 提供当前会话的元数据
type SessionProvider interface {
	Session(ctx context.Context) (entity.SessionInfo, error)
}

// IdentityProvider 提供当前登录用户，未登录时返回 nil, nil
type IdentityProvider interface {
	CurrentIdentity(ctx context.Context) (*entity.Identity, error)
}

// InteractionSource 原始交互事件来源，比如终端按键
type InteractionSource interface {
	// Listen 注册监听，返回的 detach 用于解除监听
	Listen(kinds []entity.InteractionKind, fn func(entity.InteractionEvent)) (detach func(), err error)
}

// EventPublisher 事件发布接口
type EventPublisher interface {
	// PublishPresenceChange 发布状态变更事件
	PublishPresenceChange(ctx context.Context, event *entity.PresenceEvent) error
	Close() error
}

// AccountDirectory 账号目录，用来识别已注销账号
type AccountDirectory interface {
	// ExistingAccounts 返回 userIDs 中仍然存在的账号
	ExistingAccounts(ctx context.Context, userIDs []string) (map[string]bool, error)
}
