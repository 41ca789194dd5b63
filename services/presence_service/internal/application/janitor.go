package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqlab/presence/pkg/zlog"
	"github.com/seqlab/presence/services/presence_service/internal/ports/out"
)

// Janitor 管理端清理：删除已注销账号的在线记录，在线记录本身不会被业务删除
type Janitor struct {
	repo      out.PresenceRepository
	directory out.AccountDirectory
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor interval 小于等于 0 时只能手动 RunOnce
func NewJanitor(repo out.PresenceRepository, directory out.AccountDirectory, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{repo: repo, directory: directory, interval: interval, logger: logger}
}

// RunOnce 执行一轮清理，返回删除条数
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	records, err := j.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list presence: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.UserID)
	}
	existing, err := j.directory.ExistingAccounts(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("lookup accounts: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if existing[id] {
			continue
		}
		if err := j.repo.Delete(ctx, id); err != nil {
			j.logger.Warn("delete presence of removed account failed", zlog.UserID(id), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("removed presence of deleted accounts", zlog.Int("count", removed))
	}
	return removed, nil
}

// Start 启动周期清理
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor already running")
	}
	if j.interval <= 0 {
		return nil
	}
	j.running = true

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("presence janitor started", zlog.Duration("interval", j.interval))
	return nil
}

// Stop 停止周期清理
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("presence janitor run failed", zap.Error(err))
			}
		}
	}
}
