package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const requestTimeout = 5 * time.Second

// Cleaner 管理端的已注销账号清理
type Cleaner interface {
	RunOnce(ctx context.Context) (int, error)
}

// PresenceController 看板查询与管理接口
type PresenceController struct {
	query   in.PresenceQuery
	repo    out.PresenceRepository
	cleaner Cleaner
}

// NewPresenceController cleaner 为空时清理接口返回 503
func NewPresenceController(query in.PresenceQuery, repo out.PresenceRepository, cleaner Cleaner) *PresenceController {
	return &PresenceController{query: query, repo: repo, cleaner: cleaner}
}

// RegisterRoutes 注册 /api/presence 路由
func (pc *PresenceController) RegisterRoutes(r *gin.RouterGroup) {
	presence := r.Group("/presence")
	{
		presence.GET("", pc.ListPresence)
		presence.GET("/stats", pc.GetStats)
		presence.GET("/:userId", pc.GetPresence)
		presence.GET("/:userId/online", pc.GetOnline)
	}
}

// RegisterAdminRoutes 注册 /admin/presence 路由，调用方负责挂鉴权
func (pc *PresenceController) RegisterAdminRoutes(r *gin.RouterGroup) {
	presence := r.Group("/presence")
	{
		presence.DELETE("/:userId", pc.DeletePresence)
		presence.POST("/cleanup", pc.Cleanup)
	}
}

// ListPresence 排好序的全量在线记录
func (pc *PresenceController) ListPresence(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	records, err := pc.query.GetAllPresence(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": records})
}

func (pc *PresenceController) GetStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	stats, err := pc.query.GetPresenceStats(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": stats})
}

// GetPresence 单个用户，状态按当前时间重新计算
func (pc *PresenceController) GetPresence(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	rec, err := pc.query.GetUserPresence(ctx, c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": rec})
}

func (pc *PresenceController) GetOnline(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	userID := c.Param("userId")
	status, err := pc.query.GetUserActivityStatus(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
		"userId":         userID,
		"online":         status == entity.ActivityStatusActive,
		"activityStatus": status,
	}})
}

// DeletePresence 删除已注销账号的在线记录
func (pc *PresenceController) DeletePresence(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	userID := c.Param("userId")
	if _, err := pc.repo.Get(ctx, userID); err != nil {
		writeError(c, err)
		return
	}
	if err := pc.repo.Delete(ctx, userID); err != nil {
		writeError(c, err)
		return
	}
	zlog.FromContext(c.Request.Context()).Info("presence record deleted by admin", zlog.UserID(userID))
	c.Status(http.StatusNoContent)
}

func (pc *PresenceController) Cleanup(c *gin.Context) {
	if pc.cleaner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account directory not configured"})
		return
	}
	removed, err := pc.cleaner.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"removed": removed}})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, entity.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, entity.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		zlog.FromContext(c.Request.Context()).Warn("presence request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
