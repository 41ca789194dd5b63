package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// Provider 一个进程对应一个会话，sessionId 首次调用时生成，之后保持不变
type Provider struct {
	device entity.Device

	once sync.Once
	id   string
}

var _ out.SessionProvider = (*Provider)(nil)

// NewProvider device 非空时直接使用，否则根据 userAgent 推断
func NewProvider(device, userAgent string) *Provider {
	d := DetectDevice(userAgent)
	if strings.TrimSpace(device) != "" {
		d = entity.ParseDevice(device)
	}
	return &Provider{device: d}
}

func (p *Provider) Session(ctx context.Context) (entity.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return entity.SessionInfo{}, err
	}
	p.once.Do(func() { p.id = uuid.NewString() })
	return entity.SessionInfo{SessionID: p.id, Device: p.device}, nil
}

// DetectDevice 平板的判断要先于手机，iPad 和部分安卓平板同时带有 mobile 字样
func DetectDevice(userAgent string) entity.Device {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return entity.DeviceDesktop
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "kindle"),
		strings.Contains(ua, "silk"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return entity.DeviceTablet
	case strings.Contains(ua, "mobi"),
		strings.Contains(ua, "iphone"),
		strings.Contains(ua, "ipod"),
		strings.Contains(ua, "android"),
		strings.Contains(ua, "blackberry"),
		strings.Contains(ua, "opera mini"),
		strings.Contains(ua, "windows phone"):
		return entity.DeviceMobile
	default:
		return entity.DeviceDesktop
	}
}
