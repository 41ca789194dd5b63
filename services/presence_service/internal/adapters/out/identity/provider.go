package identity

import (
	"context"
	"strings"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// TokenProvider 从 JWT 中读取当前用户，令牌为空视为未登录
type TokenProvider struct {
	manager jwt.Manager
	token   string
}

var _ out.IdentityProvider = (*TokenProvider)(nil)

func NewTokenProvider(manager jwt.Manager, token string) *TokenProvider {
	return &TokenProvider{manager: manager, token: strings.TrimSpace(token)}
}

func (p *TokenProvider) CurrentIdentity(ctx context.Context) (*entity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.token == "" {
		return nil, nil
	}
	claims, err := p.manager.Parse(p.token)
	if err != nil {
		return nil, err
	}
	return FromClaims(claims), nil
}

// Token 原始令牌，连接后端时需要带上
func (p *TokenProvider) Token() string { return p.token }

// FromClaims 令牌载荷映射成身份
func FromClaims(c *jwt.Claims) *entity.Identity {
	if c == nil || c.Subject == "" {
		return nil
	}
	return &entity.Identity{
		UserID:      c.Subject,
		DisplayName: c.Name,
		Email:       c.Email,
		PhotoURL:    c.Picture,
	}
}

// Static 固定身份，测试与本地调试使用
type Static struct {
	Identity *entity.Identity
}

func (s Static) CurrentIdentity(context.Context) (*entity.Identity, error) {
	if s.Identity == nil {
		return nil, nil
	}
	cp := *s.Identity
	return &cp, nil
}
