package zlog

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// With 在 ctx 当前的 logger 上追加字段，例如鉴权之后补上 user_id
func With(ctx context.Context, fields ...Field) context.Context {
	return WithContext(ctx, FromContext(ctx).With(fields...))
}

// FromContext 取请求级 logger，取不到时回落到 fallback，fallback 为空再回落到全局
func FromContext(ctx context.Context, fallback ...*zap.Logger) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	if len(fallback) > 0 && fallback[0] != nil {
		return fallback[0]
	}
	return zap.L()
}
