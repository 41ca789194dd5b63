package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/interaction"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/tui"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/identity"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/session"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/wsclient"
	"github.com/seqlab/presence/services/presence_service/internal/application"
	"github.com/seqlab/presence/services/presence_service/internal/config"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const (
	dialTimeout = 10 * time.Second
	feedBuffer  = 64
)

func main() {
	var (
		configPath = flag.String("config", "", "config file, defaults to configs/config.<APP_ENV>.yaml")
		serverURL  = flag.String("server", "", "presence websocket url, overrides agent.server_url")
		token      = flag.String("token", "", "jwt, overrides agent.token")
		device     = flag.String("device", "", "desktop|mobile|tablet, overrides agent.device")
		headless   = flag.Bool("headless", false, "read commands from stdin instead of drawing a terminal UI")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Agent.ServerURL = *serverURL
	}
	if *token != "" {
		cfg.Agent.Token = *token
	}
	if *device != "" {
		cfg.Agent.Device = *device
	}

	// 界面模式下日志不能写到终端
	cfg.Log.Service = "presence-agent"
	if !*headless {
		cfg.Log.Stdout = false
		if cfg.Log.File.Path == "" {
			cfg.Log.File.Path = "logs/presence-agent.log"
		}
	}
	logger, err := zlog.InitGlobal(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志配置错误: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	if err := run(cfg, *headless, logger); err != nil {
		logger.Error("presence agent exited with error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "presence-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, headless bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := wsclient.Dial(dialCtx, cfg.Agent.ServerURL, cfg.Agent.Token, wsclient.WithLogger(logger.Named("backend")))
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Agent.ServerURL, err)
	}
	defer client.Close()

	feed := interaction.NewFeed(feedBuffer, nil)
	defer feed.Close()

	tracker := application.NewPresenceTracker(
		client,
		session.NewProvider(cfg.Agent.Device, cfg.Agent.UserAgent),
		identityProvider(cfg, client),
		feed,
		application.TrackerConfig{
			ActivityThrottle:  cfg.Presence.ActivityThrottle,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			WriteTimeout:      cfg.Presence.WriteTimeout,
		},
		application.WithTrackerLogger(logger.Named("tracker")),
	)
	// 任何退出路径都要主动下线，重复调用无副作用
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), cfg.Presence.WriteTimeout)
		defer cancel()
		tracker.GoOffline(offCtx)
	}()

	query := application.NewPresenceQuery(client, cfg.Presence.IdleTimeout, nil)

	if headless {
		unsub, err := query.SubscribeToAllPresence(ctx, func(records []*entity.PresenceRecord) {
			stats := entity.ComputeStats(records, time.Now(), cfg.Presence.IdleTimeout)
			fmt.Printf("dashboard total=%d active=%d\n", stats.Total, stats.Active)
		})
		if err != nil {
			return fmt.Errorf("subscribe dashboard: %w", err)
		}
		defer unsub()
		return tui.RunHeadless(ctx, os.Stdin, os.Stdout, tracker, feed)
	}

	model := tui.NewModel(tracker, feed, nil, cfg.Presence.IdleTimeout, nil)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	unsub, err := query.SubscribeToAllPresence(ctx, func(records []*entity.PresenceRecord) {
		p.Send(tui.PresenceMsg(records))
	})
	if err != nil {
		return fmt.Errorf("subscribe dashboard: %w", err)
	}
	defer unsub()

	go func() {
		select {
		case <-client.Done():
			logger.Warn("presence backend connection lost", zap.Error(client.Err()))
			p.Quit()
		case <-ctx.Done():
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// identityProvider 有密钥时本地解析令牌拿到完整资料，否则使用服务端确认的用户ID
func identityProvider(cfg *config.Config, client *wsclient.Client) out.IdentityProvider {
	if cfg.JWT.Secret != "" {
		return identity.NewTokenProvider(jwt.NewManager(cfg.JWT.Secret), cfg.Agent.Token)
	}
	return identity.Static{Identity: &entity.Identity{UserID: client.UserID()}}
}
