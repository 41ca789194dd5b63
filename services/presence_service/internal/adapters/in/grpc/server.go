package grpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康检查里登记的服务名
const ServiceName = "presence.v1.PresenceService"

// HealthServer 标准 grpc.health.v1 服务，状态来自周期性的存储探测
type HealthServer struct {
	health   *health.Server
	probe    func(ctx context.Context) error
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthServer interval 小于等于 0 时使用 10s
func NewHealthServer(probe func(ctx context.Context) error, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{
		health:   health.NewServer(),
		probe:    probe,
		interval: interval,
		logger:   logger,
	}
}

// Register 注册到 gRPC 服务器
func (s *HealthServer) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s.health)
}

// Start 立即探测一次，之后周期探测
func (s *HealthServer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.check(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.check(ctx)
			}
		}
	}()
}

// Stop 停止探测并把状态置为 NOT_SERVING
func (s *HealthServer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.health.Shutdown()
}

func (s *HealthServer) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.probe(probeCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("presence storage probe failed", zap.Error(err))
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
