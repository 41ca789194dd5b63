package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/schollz/progressbar/v3"

	"github.com/seqlab/presence/pkg/jwt"
	"github.com/seqlab/presence/services/presence_service/internal/adapters/out/wsclient"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

// Config 压测配置
type Config struct {
	Target    string        // WebSocket URL
	Secret    string        // 签发测试令牌的 JWT 密钥
	Conns     int           // 客户端数
	Duration  time.Duration // 保持在线时长
	Ramp      time.Duration // 爬坡时间
	Activity  time.Duration // 每个客户端的活跃写入间隔，0 表示只上线
	Drop      bool          // 结束时直接断开而不是主动下线，用于验证断线钩子
	UserBase  int           // 用户ID起始值
	Output    string        // 输出格式：text, json
	Verbose   bool          // 详细输出
	OpTimeout time.Duration // 单次请求超时
}

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	Attempts    int64
	Connected   int64
	Failed      int64
	Writes      int64
	WriteFailed int64
	Snapshots   int64

	ConnLatencies  []int64
	WriteLatencies []int64

	Errors map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

// Result 压测结果
type Result struct {
	Config Config `json:"config"`

	Attempts    int64   `json:"attempts"`
	Connected   int64   `json:"connected"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate_percent"`

	ConnLatency  LatencyStats `json:"conn_latency_ms"`
	WriteLatency LatencyStats `json:"write_latency_ms"`

	Writes      int64 `json:"writes"`
	WriteFailed int64 `json:"write_failed"`
	Snapshots   int64 `json:"dashboard_snapshots"`

	// 结束后仍显示在线的记录数，应为 0
	LeftOnline int `json:"left_online"`

	Errors     map[string]int64 `json:"errors"`
	ActualTime float64          `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

type benchClient struct {
	userID string
	client *wsclient.Client
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== presence-bench - 在线状态压测工具 ===")
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("客户端数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("活跃间隔: %s\n", cfg.Activity)
	fmt.Printf("断开方式: %s\n", map[bool]string{true: "drop", false: "offline"}[cfg.Drop])
	fmt.Println()

	stats := &Stats{Errors: make(map[string]int64), StartTime: time.Now()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := jwt.NewManager(cfg.Secret)
	leftOnline, err := runBench(ctx, cfg, tokens, stats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "压测失败: %v\n", err)
		os.Exit(1)
	}
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats, leftOnline)
	if cfg.Output == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}
	if result.LeftOnline > 0 {
		os.Exit(2)
	}
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8080/ws", "WebSocket URL")
	flag.StringVar(&cfg.Secret, "secret", "dev-secret-change-me", "JWT 密钥，需与服务端一致")
	flag.IntVar(&cfg.Conns, "conns", 200, "客户端数")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "保持在线时长")
	flag.DurationVar(&cfg.Ramp, "ramp", 10*time.Second, "爬坡时间")
	flag.DurationVar(&cfg.Activity, "activity", 15*time.Second, "活跃写入间隔，0 表示只上线")
	flag.BoolVar(&cfg.Drop, "drop", true, "结束时直接断开，验证断线钩子")
	flag.IntVar(&cfg.UserBase, "user-base", 100000, "用户ID起始值")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")
	flag.DurationVar(&cfg.OpTimeout, "op-timeout", 5*time.Second, "单次请求超时")
	flag.Parse()
	return cfg
}

func runBench(ctx context.Context, cfg Config, tokens jwt.Manager, stats *Stats) (int, error) {
	// 看板观察者，统计推送次数
	observer, err := dial(ctx, cfg, tokens, "bench-observer")
	if err != nil {
		return 0, fmt.Errorf("dial observer: %w", err)
	}
	defer observer.Close()
	unsub, err := observer.WatchAll(ctx, func([]*entity.PresenceRecord) {
		atomic.AddInt64(&stats.Snapshots, 1)
	})
	if err != nil {
		return 0, fmt.Errorf("watch dashboard: %w", err)
	}
	defer unsub()

	clients := rampUp(ctx, cfg, tokens, stats)
	fmt.Printf("成功上线 %d 个客户端\n", len(clients))
	if len(clients) == 0 {
		return 0, errors.New("没有成功上线的客户端")
	}

	holdCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *benchClient) {
			defer wg.Done()
			hold(holdCtx, cfg, c, stats)
		}(c)
	}

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-report.C:
			printProgress(stats)
		}
	}

	fmt.Println("结束压测，断开客户端...")
	for _, c := range clients {
		if !cfg.Drop {
			goOffline(cfg, c)
		}
		_ = c.client.Close()
	}

	// 断线钩子由服务端异步执行，给一点时间
	time.Sleep(2 * time.Second)
	return countOnline(cfg, observer, clients)
}

func rampUp(ctx context.Context, cfg Config, tokens jwt.Manager, stats *Stats) []*benchClient {
	perSecond := float64(cfg.Conns) / math.Max(cfg.Ramp.Seconds(), 1)
	if perSecond < 1 {
		perSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 客户端/秒\n\n", perSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("上线"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("client"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / perSecond))
	defer ticker.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		clients []*benchClient
	)
ramp:
	for i := 0; i < cfg.Conns; i++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer bar.Add(1)
			c := connect(ctx, cfg, tokens, fmt.Sprintf("%d", cfg.UserBase+id), stats)
			if c != nil {
				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	bar.Finish()
	fmt.Println()
	return clients
}

func dial(ctx context.Context, cfg Config, tokens jwt.Manager, userID string) (*wsclient.Client, error) {
	token, err := tokens.Generate(jwt.Claims{RegisteredClaims: gojwt.RegisteredClaims{Subject: userID}}, time.Hour)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	return wsclient.Dial(dialCtx, cfg.Target, token)
}

// connect 与客户端上线流程一致：先注册断线钩子再写在线记录
func connect(ctx context.Context, cfg Config, tokens jwt.Manager, userID string, stats *Stats) *benchClient {
	atomic.AddInt64(&stats.Attempts, 1)
	start := time.Now()

	client, err := dial(ctx, cfg, tokens, userID)
	if err != nil {
		recordError(stats, "dial", err, cfg.Verbose)
		atomic.AddInt64(&stats.Failed, 1)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := client.OnDisconnect(opCtx, userID, entity.OfflinePatch()); err != nil {
		recordError(stats, "on_disconnect", err, cfg.Verbose)
		atomic.AddInt64(&stats.Failed, 1)
		_ = client.Close()
		return nil
	}
	now := time.Now().UTC()
	err = client.Set(opCtx, &entity.PresenceRecord{
		UserID:         userID,
		Online:         true,
		ActivityStatus: entity.ActivityStatusActive,
		LastActivity:   now,
		LastSeen:       now,
		CurrentModule:  "home",
		SessionID:      client.ConnID(),
		Device:         entity.DeviceDesktop,
		DisplayName:    "bench " + userID,
	})
	if err != nil {
		recordError(stats, "set", err, cfg.Verbose)
		atomic.AddInt64(&stats.Failed, 1)
		_ = client.Close()
		return nil
	}

	stats.mu.Lock()
	stats.ConnLatencies = append(stats.ConnLatencies, time.Since(start).Nanoseconds())
	stats.mu.Unlock()
	atomic.AddInt64(&stats.Connected, 1)
	return &benchClient{userID: userID, client: client}
}

func hold(ctx context.Context, cfg Config, c *benchClient, stats *Stats) {
	if cfg.Activity <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(cfg.Activity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Done():
			recordError(stats, "disconnected", c.client.Err(), cfg.Verbose)
			return
		case <-ticker.C:
			writeActivity(ctx, cfg, c, stats)
		}
	}
}

func writeActivity(ctx context.Context, cfg Config, c *benchClient, stats *Stats) {
	now := time.Now().UTC()
	online := true
	status := entity.ActivityStatusActive
	patch := entity.PresencePatch{Online: &online, ActivityStatus: &status, LastActivity: &now, LastSeen: &now}

	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	start := time.Now()
	if err := c.client.Update(opCtx, c.userID, patch); err != nil {
		if ctx.Err() == nil {
			atomic.AddInt64(&stats.WriteFailed, 1)
			recordError(stats, "update", err, cfg.Verbose)
		}
		return
	}
	atomic.AddInt64(&stats.Writes, 1)
	stats.mu.Lock()
	stats.WriteLatencies = append(stats.WriteLatencies, time.Since(start).Nanoseconds())
	stats.mu.Unlock()
}

func goOffline(cfg Config, c *benchClient) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	_ = c.client.Update(ctx, c.userID, entity.OfflinePatch())
	_ = c.client.CancelOnDisconnect(ctx, c.userID)
}

// countOnline 统计压测用户中仍然 online 的记录
func countOnline(cfg Config, observer *wsclient.Client, clients []*benchClient) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	records, err := observer.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list presence: %w", err)
	}
	ours := make(map[string]struct{}, len(clients))
	for _, c := range clients {
		ours[c.userID] = struct{}{}
	}
	left := 0
	for _, r := range records {
		if _, ok := ours[r.UserID]; ok && r.Online {
			left++
		}
	}
	return left, nil
}

func recordError(stats *Stats, op string, err error, verbose bool) {
	if err == nil {
		return
	}
	key := op + ": " + err.Error()
	if len(key) > 60 {
		key = key[:60]
	}
	stats.mu.Lock()
	stats.Errors[key]++
	stats.mu.Unlock()
	if verbose {
		fmt.Printf("%s 失败: %v\n", op, err)
	}
}

func printProgress(stats *Stats) {
	elapsed := time.Since(stats.StartTime)
	fmt.Printf("[%s] 在线: %d | 失败: %d | 写入: %d/%d | 看板推送: %d\n",
		elapsed.Round(time.Second),
		atomic.LoadInt64(&stats.Connected),
		atomic.LoadInt64(&stats.Failed),
		atomic.LoadInt64(&stats.Writes),
		atomic.LoadInt64(&stats.WriteFailed),
		atomic.LoadInt64(&stats.Snapshots),
	)
}

func generateResult(cfg Config, stats *Stats, leftOnline int) Result {
	result := Result{
		Config:      cfg,
		Attempts:    stats.Attempts,
		Connected:   stats.Connected,
		Failed:      stats.Failed,
		Writes:      stats.Writes,
		WriteFailed: stats.WriteFailed,
		Snapshots:   stats.Snapshots,
		LeftOnline:  leftOnline,
		Errors:      stats.Errors,
		ActualTime:  stats.EndTime.Sub(stats.StartTime).Seconds(),
	}
	if stats.Attempts > 0 {
		result.SuccessRate = float64(stats.Connected) / float64(stats.Attempts) * 100
	}
	result.ConnLatency = calculateLatencyStats(stats.ConnLatencies)
	result.WriteLatency = calculateLatencyStats(stats.WriteLatencies)
	return result
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns int64) float64 { return float64(ns) / 1e6 }

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	avg := float64(sum) / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	return LatencyStats{
		Min:    toMs(sorted[0]),
		Max:    toMs(sorted[len(sorted)-1]),
		Avg:    toMs(int64(avg)),
		P50:    toMs(sorted[len(sorted)*50/100]),
		P90:    toMs(sorted[len(sorted)*90/100]),
		P99:    toMs(sorted[len(sorted)*99/100]),
		StdDev: toMs(int64(math.Sqrt(variance))),
	}
}

func outputJSON(result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func outputText(result Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 上线统计 ---")
	fmt.Printf("尝试数:         %d\n", result.Attempts)
	fmt.Printf("成功数:         %d\n", result.Connected)
	fmt.Printf("失败数:         %d\n", result.Failed)
	fmt.Printf("成功率:         %.2f%%\n", result.SuccessRate)
	fmt.Println()

	printLatency("上线延迟 (ms)，含钩子注册与首次写入", result.ConnLatency)
	printLatency("活跃写入延迟 (ms)", result.WriteLatency)

	fmt.Println("--- 写入与推送 ---")
	fmt.Printf("活跃写入:       %d\n", result.Writes)
	fmt.Printf("写入失败:       %d\n", result.WriteFailed)
	fmt.Printf("看板推送:       %d\n", result.Snapshots)
	fmt.Printf("残留在线:       %d\n", result.LeftOnline)
	fmt.Println()

	if len(result.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for err, count := range result.Errors {
			fmt.Printf("%s: %d\n", err, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", result.ActualTime)
	fmt.Println("=================================================")
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s ---\n", title)
	fmt.Printf("Min:    %.2f\n", l.Min)
	fmt.Printf("Max:    %.2f\n", l.Max)
	fmt.Printf("Avg:    %.2f\n", l.Avg)
	fmt.Printf("P50:    %.2f\n", l.P50)
	fmt.Printf("P90:    %.2f\n", l.P90)
	fmt.Printf("P99:    %.2f\n", l.P99)
	fmt.Println()
}
