package zlog

import (
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// buildWriteSyncer 组装控制台与轮转文件两路输出
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer

	// agent 的终端界面占用 stdout 时会关闭这一项
	if cfg.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}

	if f := cfg.File; f.Path != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxAge:     f.MaxAgeDay,
			MaxBackups: f.MaxBackups,
			Compress:   f.Compress,
		}))
	}

	if len(syncers) == 1 {
		return syncers[0]
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
