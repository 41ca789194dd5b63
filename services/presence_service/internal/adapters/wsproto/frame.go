// Package wsproto WebSocket 帧格式，服务端与客户端共用
package wsproto

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

// MessageType WebSocket消息类型
type MessageType string

const (
	// 客户端消息类型
	TypeSet                MessageType = "set"
	TypeUpdate             MessageType = "update"
	TypeGet                MessageType = "get"
	TypeList               MessageType = "list"
	TypeOnDisconnect       MessageType = "on_disconnect"
	TypeCancelOnDisconnect MessageType = "cancel_on_disconnect"
	TypeWatchUser          MessageType = "watch_user"
	TypeWatchAll           MessageType = "watch_all"
	TypeUnwatch            MessageType = "unwatch"
	TypePing               MessageType = "ping"

	// 服务端消息类型
	TypeAck      MessageType = "ack"
	TypeError    MessageType = "error"
	TypeSnapshot MessageType = "snapshot" // ID 为发起订阅的请求ID
	TypePong     MessageType = "pong"
	TypeNotify   MessageType = "notify"
)

// Frame WebSocket消息
type Frame struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"` // 请求ID，响应原样带回
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"` // 毫秒时间戳
}

// UserRef 只带用户ID的请求
type UserRef struct {
	UserID string `json:"userId"`
}

// PatchData update 与 on_disconnect 的请求体
type PatchData struct {
	UserID string               `json:"userId"`
	Patch  entity.PresencePatch `json:"patch"`
}

// UnwatchData 取消订阅，WatchID 为订阅请求的ID
type UnwatchData struct {
	WatchID string `json:"watchId"`
}

// SnapshotData 订阅推送，单用户订阅填 Record（可能为空），全量订阅填 Records
type SnapshotData struct {
	Record  *entity.PresenceRecord   `json:"record,omitempty"`
	Records []*entity.PresenceRecord `json:"records,omitempty"`
}

// ErrorData 错误响应
type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WelcomeData 连接建立后的通知
type WelcomeData struct {
	Status     string `json:"status"`
	ConnID     string `json:"connId"`
	UserID     string `json:"userId,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

const (
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeDisconnected = "disconnected"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// New 构造一帧，data 为空时不带 Data
func New(t MessageType, id string, data any) (Frame, error) {
	f := Frame{Type: t, ID: id, Ts: time.Now().UnixMilli()}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = raw
	return f, nil
}

// ErrorFrame 按哨兵错误填充错误码
func ErrorFrame(id string, err error) Frame {
	f, _ := New(TypeError, id, ErrorData{Error: err.Error(), Code: CodeOf(err)})
	return f
}

func CodeOf(err error) string {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, entity.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, entity.ErrDisconnected):
		return CodeDisconnected
	case errors.Is(err, entity.ErrInvalidRecord):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// Err 把错误响应还原成哨兵错误，调用方可以继续用 errors.Is 判断
func (d ErrorData) Err() error {
	var sentinel error
	switch d.Code {
	case CodeNotFound:
		sentinel = entity.ErrNotFound
	case CodeForbidden:
		sentinel = entity.ErrForbidden
	case CodeDisconnected:
		sentinel = entity.ErrDisconnected
	case CodeInvalid:
		sentinel = entity.ErrInvalidRecord
	default:
		return errors.New(d.Error)
	}
	if d.Error == "" || d.Error == sentinel.Error() {
		return sentinel
	}
	return &remoteError{msg: d.Error, sentinel: sentinel}
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
