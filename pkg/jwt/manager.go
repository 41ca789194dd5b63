package jwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin 允许调用 /admin 下的清理接口
const ScopeAdmin = "presence:admin"

// Claims 在线状态服务使用的令牌载荷，展示字段会被冗余进在线记录
type Claims struct {
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope 判断令牌是否带有指定权限
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Manager 负责 JWT 的签发与解析
type Manager interface {
	Generate(claims Claims, ttl time.Duration) (string, error)
	Parse(tokenStr string) (*Claims, error)
}

type manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager 用给定的 secret 构造 Manager
func NewManager(secret string) Manager {
	return &manager{secret: []byte(secret), now: time.Now}
}

// Generate 签发令牌，ttl 控制过期时间，subject 必须是用户 ID
func (m *manager) Generate(claims Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", errors.New("jwt: subject is required")
	}
	now := m.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse 验签并解析 JWT，只接受 HS256
func (m *manager) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token claims: missing subject")
	}
	return claims, nil
}

// TokenFromRequest 依次读取 Authorization: Bearer 头和 token 查询参数
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
