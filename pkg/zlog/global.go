package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// InitGlobal 创建 logger 并替换 zap 全局实例，返回的 logger 供调用方显式注入
func InitGlobal(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	watchLevelSignal(l)
	return l, nil
}

func MustInitGlobal(cfg Config) *zap.Logger {
	l, err := InitGlobal(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// watchLevelSignal SIGHUP 在 debug 与配置级别之间切换，排查单个用户的状态抖动时使用
func watchLevelSignal(l *zap.Logger) {
	base := GetLevel()
	if base == "debug" {
		base = "info"
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			next := "debug"
			if GetLevel() == "debug" {
				next = base
			}
			SetLevel(next)
			l.Info("log level toggled", zap.String("now", next))
		}
	}()
}
