package zlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

var logEntries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "log",
		Name:      "entries_total",
		Help:      "Log entries written, by service, named logger and level.",
	},
	[]string{"service", "logger", "level"},
)

// RegisterMetrics 在 main 包里调用
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(logEntries)
}

// metricsCore 统计通过级别过滤的条目，包在采样之外
type metricsCore struct {
	zapcore.Core
	service string
}

func (m metricsCore) With(fields []zapcore.Field) zapcore.Core {
	return metricsCore{Core: m.Core.With(fields), service: m.service}
}

func (m metricsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !m.Enabled(ent.Level) {
		return ce
	}
	name := ent.LoggerName
	if name == "" {
		name = "root"
	}
	logEntries.WithLabelValues(m.service, name, ent.Level.String()).Inc()
	return m.Core.Check(ent, ce)
}

func wrapWithMetric(c zapcore.Core, cfg Config) zapcore.Core {
	if !cfg.EnableMetric {
		return c
	}
	return metricsCore{Core: c, service: cfg.Service}
}
