package zlog

import (
	"time"

	"go.uber.org/zap"
)

type Field = zap.Field

func Int(key string, val int) Field {
	return zap.Int(key, val)
}

func Duration(key string, val time.Duration) Field {
	return zap.Duration(key, val)
}

// UserID 在线状态相关日志统一使用的字段名
func UserID(id string) Field {
	return zap.String("user_id", id)
}

func SessionID(id string) Field {
	return zap.String("session_id", id)
}

func Sync() error {
	return zap.L().Sync()
}
