package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	mysqlDriver "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/pkg/zlog"
	grpcAdapter "github.com/seqlab/presence/services/presence_service/internal/adapters/in/grpc"
	httpAdapter "github.com/seqlab/presence/services/presence_service/internal/adapters/in/http"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/http/middleware"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/ws"
	kafkaPub "github.com/seqlab/presence/services/presence_service/internal/adapters/out/kafka"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/memory"
	mysqlRepo "github.com/seqlab/presence/services/presence_service/internal/adapters/out/mysql"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/realtime"
	redisRepo "github.com/seqlab/presence/services/presence_service/internal/adapters/out/redis"
	"github.com/seqlab/presence/services/presence_service/internal/application"
	"github.com/seqlab/presence/services/presence_service/internal/config"
	"github.com/seqlab/presence/services/presence_service/internal/observability"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

const limiterIdle = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "config file, defaults to configs/config.<APP_ENV>.yaml")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if cfg.Log.Service == "" || cfg.Log.Service == "unknown" {
		cfg.Log.Service = "presence-service"
	}
	logger := zlog.MustInitGlobal(cfg.Log)
	defer zlog.Sync()
	logger.Info("presence_service starting", zap.String("env", cfg.Env), zap.String("storage", cfg.Storage.Driver))

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(registry)
	if cfg.Log.EnableMetric {
		zlog.RegisterMetrics(registry)
	}

	// 初始化存储
	repo, probe, closeStore, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("init presence storage failed", zap.Error(err))
	}
	defer closeStore()

	// 事件发布
	var hubOpts []realtime.HubOption
	hubOpts = append(hubOpts,
		realtime.WithLogger(logger.Named("hub")),
		realtime.WithHookTimeout(cfg.Presence.WriteTimeout),
	)
	var publisher out.EventPublisher
	if cfg.Kafka.Enabled {
		publisher = kafkaPub.NewKafkaEventPublisher(kafkaPub.NewWriter(cfg.Kafka.Brokers), cfg.Kafka.Topic)
		hubOpts = append(hubOpts, realtime.WithPublisher(publisher))
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// 实时中心
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	hub := realtime.NewHub(repo, hubOpts...)
	if err := hub.Start(hubCtx); err != nil {
		logger.Fatal("start presence hub failed", zap.Error(err))
	}

	// 管理端清理
	var janitor *application.Janitor
	var db *gorm.DB
	if cfg.MySQL.DSN != "" {
		db, err = openMySQL(cfg.MySQL)
		if err != nil {
			logger.Fatal("连接MySQL失败", zap.Error(err))
		}
		logger.Info("MySQL 连接成功")
		janitor = application.NewJanitor(repo, mysqlRepo.NewAccountRepoMysql(db), cfg.Janitor.Interval, logger.Named("janitor"))
		if err := janitor.Start(); err != nil {
			logger.Fatal("start janitor failed", zap.Error(err))
		}
	}

	// 服务端读取面与用例
	tokens := jwt.NewManager(cfg.JWT.Secret)
	reader := hub.Connect("")
	newQuery := func(r out.PresenceReader) in.PresenceQuery {
		return application.NewPresenceQuery(r, cfg.Presence.IdleTimeout, nil)
	}
	wsServer := ws.NewServer(hub, tokens, newQuery, logger.Named("ws"))

	var cleaner httpAdapter.Cleaner
	if janitor != nil {
		cleaner = janitor
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GlobalQPS:    cfg.RateLimit.GlobalQPS,
		IPQPSLimit:   cfg.RateLimit.IPQPS,
		UserQPSLimit: cfg.RateLimit.UserQPS,
		BurstSize:    cfg.RateLimit.Burst,
	}, nil)

	router := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Controller: httpAdapter.NewPresenceController(newQuery(reader), repo, cleaner),
		WS:         wsServer,
		Tokens:     tokens,
		Limiter:    limiter,
		Gatherer:   registry,
		Probe:      probe,
		Logger:     logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("presence http listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC 健康检查
	grpcServer := grpc.NewServer()
	health := grpcAdapter.NewHealthServer(probe, 10*time.Second, logger.Named("grpc"))
	health.Register(grpcServer)
	health.Start()
	if cfg.Server.GRPCPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			logger.Fatal("Failed to listen", zap.Error(err))
		}
		go func() {
			logger.Info("presence grpc listening", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcServer.Serve(listener); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	// 限流桶定期回收
	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stopCleanup:
				return
			case <-ticker.C:
				if n := limiter.Cleanup(limiterIdle); n > 0 {
					logger.Debug("rate limiter buckets evicted", zap.Int("count", n))
				}
			}
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down server...", zap.String("signal", sig.String()))
	case <-hub.Done():
		logger.Error("presence change feed closed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	close(stopCleanup)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// 先关 WebSocket，断线钩子在这里执行
	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	_ = reader.Close()
	hub.CloseAll()

	health.Stop()
	grpcServer.GracefulStop()
	if janitor != nil {
		janitor.Stop()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("close kafka publisher", zap.Error(err))
		}
	}
	cancelHub()
	logger.Info("Server exited properly")
}

// openStorage 按 storage.driver 选择仓储，返回健康检查与关闭函数
func openStorage(cfg *config.Config, logger *zap.Logger) (out.PresenceRepository, func(context.Context) error, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory presence storage, records are lost on restart")
		return memory.NewPresenceRepositoryMemory(), nil, func() {}, nil
	default:
		client, err := initRedis(cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))
		probe := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return redisRepo.NewPresenceRepositoryRedis(client, logger.Named("redis")), probe, func() { _ = client.Close() }, nil
	}
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func openMySQL(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysqlDriver.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}
