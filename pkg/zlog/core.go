package zlog

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 创建一个 *zap.Logger，不替换全局
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	initLevel(cfg.Level)

	var core zapcore.Core = zapcore.NewCore(buildEncoder(cfg), buildWriteSyncer(cfg), dynamicLevel)

	// 心跳和活动写入的日志量与连接数成正比，按秒采样
	if s := cfg.Sampling; s.Initial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}
	core = wrapWithMetric(core, cfg)

	fields := []zap.Field{zap.String("service", cfg.Service)}
	if host, err := os.Hostname(); err == nil {
		fields = append(fields, zap.String("instance", host))
	}
	opts = append(opts, zap.AddCaller(), zap.Fields(fields...))
	return zap.New(core, opts...), nil
}

func buildEncoder(cfg Config) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	if strings.EqualFold(cfg.Encoding, "console") {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}
