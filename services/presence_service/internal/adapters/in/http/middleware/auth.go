package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/pkg/zlog"
)

const claimsKey = "claims"

// Auth JWT认证中间件，令牌可以放在 Authorization 头或 token 参数
func Auth(tokens jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := jwt.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}
		claims, err := tokens.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Set("user_id", claims.Subject)
		c.Request = c.Request.WithContext(zlog.With(c.Request.Context(), zlog.UserID(claims.Subject)))
		c.Next()
	}
}

// RequireScope 必须在 Auth 之后使用
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil || !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}
		c.Next()
	}
}

// Claims 取出 Auth 写入的令牌载荷
func Claims(c *gin.Context) *jwt.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*jwt.Claims)
	return claims
}
