package entity

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// DefaultIdleTimeout 超过该时长没有交互即视为离线
const DefaultIdleTimeout = 5 * time.Minute

var (
	ErrNotFound      = errors.New("presence: record not found")
	ErrDisconnected  = errors.New("presence: connection closed")
	ErrForbidden     = errors.New("presence: write to another user's record")
	ErrInvalidRecord = errors.New("presence: invalid record")
)

// ActivityStatus 活跃状态
type ActivityStatus string

const (
	ActivityStatusActive  ActivityStatus = "active"
	ActivityStatusOffline ActivityStatus = "offline"
)

// Device 设备类型
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
)

// ParseDevice 未知值按 desktop 处理
func ParseDevice(s string) Device {
	switch Device(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile
	case DeviceTablet:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}

// PresenceRecord 用户在线记录，每个用户一条，以用户 ID 为键
type PresenceRecord struct {
	UserID         string         `json:"userId"`
	Online         bool           `json:"online"`
	ActivityStatus ActivityStatus `json:"activityStatus"` // 写入方计算的状态，读取时不可信
	LastActivity   time.Time      `json:"lastActivity"`
	LastSeen       time.Time      `json:"lastSeen"`
	CurrentModule  string         `json:"currentModule"`
	CurrentTab     string         `json:"currentTab,omitempty"`
	SessionID      string         `json:"sessionId"`
	Device         Device         `json:"device"`

	// 冗余的展示字段，看板渲染时不需要再查用户表
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Clone 返回副本，调用方可以随意修改
func (r *PresenceRecord) Clone() *PresenceRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Validate 写入前的基本校验
func (r *PresenceRecord) Validate() error {
	if r == nil || r.UserID == "" {
		return ErrInvalidRecord
	}
	switch r.ActivityStatus {
	case ActivityStatusActive, ActivityStatusOffline, "":
	default:
		return ErrInvalidRecord
	}
	return nil
}

// ComputeActivityStatus 读取时根据 lastActivity 与 online 重新计算状态。
// 边界不包含：now-lastActivity 严格小于 idle 才算 active。
func ComputeActivityStatus(lastActivity time.Time, online bool, now time.Time, idle time.Duration) ActivityStatus {
	if !online || lastActivity.IsZero() {
		return ActivityStatusOffline
	}
	if now.Sub(lastActivity) < idle {
		return ActivityStatusActive
	}
	return ActivityStatusOffline
}

// WithComputedStatus 返回状态已重新计算的副本
func (r *PresenceRecord) WithComputedStatus(now time.Time, idle time.Duration) *PresenceRecord {
	c := r.Clone()
	if c == nil {
		return nil
	}
	c.ActivityStatus = ComputeActivityStatus(c.LastActivity, c.Online, now, idle)
	return c
}

// PresencePatch 局部更新，nil 字段保持不变
type PresencePatch struct {
	Online         *bool           `json:"online,omitempty"`
	ActivityStatus *ActivityStatus `json:"activityStatus,omitempty"`
	LastActivity   *time.Time      `json:"lastActivity,omitempty"`
	LastSeen       *time.Time      `json:"lastSeen,omitempty"`
	CurrentModule  *string         `json:"currentModule,omitempty"`
	CurrentTab     *string         `json:"currentTab,omitempty"`
	SessionID      *string         `json:"sessionId,omitempty"`
	Device         *Device         `json:"device,omitempty"`

	// StampLastSeen 由存储端在应用补丁时写入 lastSeen，断线钩子靠它记录真实断线时间
	StampLastSeen bool `json:"stampLastSeen,omitempty"`
}

// Apply 把补丁应用到记录上，rec 为空时以 userID 新建
func (p PresencePatch) Apply(rec *PresenceRecord, userID string, now time.Time) *PresenceRecord {
	out := rec.Clone()
	if out == nil {
		out = &PresenceRecord{UserID: userID, ActivityStatus: ActivityStatusOffline}
	}
	if p.Online != nil {
		out.Online = *p.Online
	}
	if p.ActivityStatus != nil {
		out.ActivityStatus = *p.ActivityStatus
	}
	if p.LastActivity != nil {
		out.LastActivity = *p.LastActivity
	}
	if p.LastSeen != nil {
		out.LastSeen = *p.LastSeen
	}
	if p.StampLastSeen {
		out.LastSeen = now
	}
	if p.CurrentModule != nil {
		out.CurrentModule = *p.CurrentModule
	}
	if p.CurrentTab != nil {
		out.CurrentTab = *p.CurrentTab
	}
	if p.SessionID != nil {
		out.SessionID = *p.SessionID
	}
	if p.Device != nil {
		out.Device = *p.Device
	}
	return out
}

// OfflinePatch 下线时写入的补丁，也是断线钩子的内容
func OfflinePatch() PresencePatch {
	online := false
	status := ActivityStatusOffline
	return PresencePatch{Online: &online, ActivityStatus: &status, StampLastSeen: true}
}

// PresenceChange 存储层的变更通知，Deleted 为 true 时 Record 为空
type PresenceChange struct {
	UserID  string          `json:"userId"`
	Record  *PresenceRecord `json:"record,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// PresenceEvent 状态变更事件
type PresenceEvent struct {
	UserID    string         `json:"userId"`
	OldStatus ActivityStatus `json:"oldStatus"`
	NewStatus ActivityStatus `json:"newStatus"`
	Timestamp time.Time      `json:"timestamp"`
}

// StoredStatus 存储中的状态对，用来判断是否需要发布事件
func StoredStatus(r *PresenceRecord) ActivityStatus {
	if r == nil || !r.Online {
		return ActivityStatusOffline
	}
	if r.ActivityStatus == "" {
		return ActivityStatusOffline
	}
	return r.ActivityStatus
}

// SortForDashboard 活跃用户在前，再按 lastActivity 倒序，最后按用户 ID 升序保证顺序稳定。
// 调用前状态必须已经重新计算过。
func SortForDashboard(records []*PresenceRecord) {
	slices.SortFunc(records, func(a, b *PresenceRecord) int {
		aActive := a.ActivityStatus == ActivityStatusActive
		bActive := b.ActivityStatus == ActivityStatusActive
		if aActive != bActive {
			if aActive {
				return -1
			}
			return 1
		}
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
}

// PresenceStats 看板统计，ByModule 与 ByDevice 只统计活跃用户
type PresenceStats struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Inactive    int            `json:"inactive"`
	ByModule    map[string]int `json:"byModule"`
	ByDevice    map[Device]int `json:"byDevice"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// ComputeStats 逐条重新计算状态后再聚合
func ComputeStats(records []*PresenceRecord, now time.Time, idle time.Duration) *PresenceStats {
	stats := &PresenceStats{
		ByModule:    make(map[string]int),
		ByDevice:    make(map[Device]int),
		GeneratedAt: now,
	}
	for _, r := range records {
		if r == nil {
			continue
		}
		stats.Total++
		if ComputeActivityStatus(r.LastActivity, r.Online, now, idle) != ActivityStatusActive {
			stats.Inactive++
			continue
		}
		stats.Active++
		module := r.CurrentModule
		if module == "" {
			module = "unknown"
		}
		stats.ByModule[module]++
		device := r.Device
		if device == "" {
			device = DeviceDesktop
		}
		stats.ByDevice[device]++
	}
	return stats
}

// SessionInfo 会话元数据
type SessionInfo struct {
	SessionID string
	Device    Device
}

// Identity 当前登录用户
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
	PhotoURL    string
}

// InteractionKind 原始交互事件类型
type InteractionKind string

const (
	InteractionPointer InteractionKind = "pointer"
	InteractionKey     InteractionKind = "key"
	InteractionTouch   InteractionKind = "touch"
	InteractionScroll  InteractionKind = "scroll"
)

// AllInteractionKinds 活跃检测关心的全部事件
var AllInteractionKinds = []InteractionKind{
	InteractionPointer,
	InteractionKey,
	InteractionTouch,
	InteractionScroll,
}

// InteractionEvent 一次原始交互
type InteractionEvent struct {
	Kind InteractionKind
	At   time.Time
}
