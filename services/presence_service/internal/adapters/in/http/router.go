package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/http/middleware"
)

// WSHandler WebSocket 入口
type WSHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
	HandleDashboard(w http.ResponseWriter, r *http.Request)
}

// RouterDeps 组装路由需要的依赖，WS 与 Limiter 可以为空
type RouterDeps struct {
	Controller *PresenceController
	WS         WSHandler
	Tokens     jwt.Manager
	Limiter    *middleware.RateLimiter
	Gatherer   prometheus.Gatherer
	Probe      func(ctx context.Context) error
	Logger     *zap.Logger
}

// NewRouter 注册全部 HTTP 路由
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger(d.Logger))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		if d.Probe != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Probe(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	level := gin.WrapF(zlog.LevelHTTPHandler())
	r.GET("/log/level", level)
	r.PUT("/log/level", level)

	if d.WS != nil {
		r.GET("/ws", gin.WrapF(d.WS.HandleConnection))
		r.GET("/ws/dashboard", gin.WrapF(d.WS.HandleDashboard))
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(d.Tokens))
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware())
	}
	d.Controller.RegisterRoutes(api)

	admin := r.Group("/admin")
	admin.Use(middleware.Auth(d.Tokens), middleware.RequireScope(jwt.ScopeAdmin))
	d.Controller.RegisterAdminRoutes(admin)

	return r
}
