package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seqlab/presence/services/presence_service/internal/observability"
)

// TokenBucket 令牌桶
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // 每秒补充的令牌数
	last     time.Time
}

func NewTokenBucket(capacity, rate float64, now time.Time) *TokenBucket {
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: rate, last: now}
}

func (tb *TokenBucket) refill(now time.Time) {
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
		tb.last = now
	}
}

// Allow 尝试取一个令牌
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wait 下一个令牌可用前还要等多久
func (tb *TokenBucket) wait(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	if tb.tokens >= 1 || tb.rate <= 0 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.last)
}

// RateLimiterConfig QPS 为 0 表示该级不限流
type RateLimiterConfig struct {
	GlobalQPS    float64
	IPQPSLimit   float64
	UserQPSLimit float64
	BurstSize    float64
}

// Scope 被哪一级拒绝，空串表示放行
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
)

// RateLimiter 全局、IP、用户三级令牌桶。看板轮询和活动上报走同一套桶
type RateLimiter struct {
	cfg    RateLimiterConfig
	now    func() time.Time
	global *TokenBucket
	ips    sync.Map // ip -> *TokenBucket
	users  sync.Map // userID -> *TokenBucket
}

// NewRateLimiter now 为空时使用 time.Now
func NewRateLimiter(cfg RateLimiterConfig, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &RateLimiter{cfg: cfg, now: now}
	if cfg.GlobalQPS > 0 {
		rl.global = NewTokenBucket(cfg.GlobalQPS+cfg.BurstSize, cfg.GlobalQPS, now())
	}
	return rl
}

func (rl *RateLimiter) bucketFor(m *sync.Map, key string, qps float64, now time.Time) *TokenBucket {
	if b, ok := m.Load(key); ok {
		return b.(*TokenBucket)
	}
	b, _ := m.LoadOrStore(key, NewTokenBucket(qps+rl.cfg.BurstSize, qps, now))
	return b.(*TokenBucket)
}

// Check 依次检查三级，返回拒绝的那一级和建议的重试等待
func (rl *RateLimiter) Check(ip, userID string) (Scope, time.Duration) {
	now := rl.now()
	if rl.global != nil && !rl.global.Allow(now) {
		return ScopeGlobal, rl.global.wait(now)
	}
	if rl.cfg.IPQPSLimit > 0 {
		if b := rl.bucketFor(&rl.ips, ip, rl.cfg.IPQPSLimit, now); !b.Allow(now) {
			return ScopeIP, b.wait(now)
		}
	}
	// 未登录请求只按 IP 限流
	if userID != "" && rl.cfg.UserQPSLimit > 0 {
		if b := rl.bucketFor(&rl.users, userID, rl.cfg.UserQPSLimit, now); !b.Allow(now) {
			return ScopeUser, b.wait(now)
		}
	}
	return "", 0
}

func (rl *RateLimiter) Allow(ip, userID string) bool {
	scope, _ := rl.Check(ip, userID)
	return scope == ""
}

// Middleware 放在 Auth 之后才能按用户限流
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, wait := rl.Check(c.ClientIP(), c.GetString("user_id"))
		if scope == "" {
			c.Next()
			return
		}
		observability.RateLimited(string(scope))
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "scope": scope})
	}
}

// Cleanup 回收闲置超过 maxIdle 的 IP 与用户桶，返回回收数量
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()
	removed := 0
	for _, m := range []*sync.Map{&rl.ips, &rl.users} {
		m.Range(func(key, value any) bool {
			if value.(*TokenBucket).idleSince(now) > maxIdle {
				m.Delete(key)
				removed++
			}
			return true
		})
	}
	return removed
}
