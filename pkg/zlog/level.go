package zlog

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// dynamicLevel 所有由 New 创建的 logger 共用
var dynamicLevel = zap.NewAtomicLevel()

var levelNames = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

func initLevel(lvl string) { SetLevel(lvl) }

// SetLevel 热更新日志级别，非法值回落到 info
func SetLevel(lvl string) {
	l, ok := levelNames[strings.ToLower(lvl)]
	if !ok {
		l = zap.InfoLevel
	}
	dynamicLevel.SetLevel(l)
}

func GetLevel() string {
	return dynamicLevel.Level().String()
}

// LevelHTTPHandler 注册到 /log/level。
// PUT ?v=debug 走简写，其余请求交给 zap 的 JSON 接口：GET 查询，PUT {"level":"warn"} 修改
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("v"); r.Method == http.MethodPut && v != "" {
			SetLevel(v)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"level":"` + GetLevel() + `"}` + "\n"))
			return
		}
		dynamicLevel.ServeHTTP(w, r)
	}
}
