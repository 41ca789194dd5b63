package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/seqlab/presence/pkg/zlog"
)

const envPrefix = "PRESENCE"

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // redis|memory
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MySQLConfig dsn 为空时不启用账号目录与清理任务
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type PresenceConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ActivityThrottle  time.Duration `mapstructure:"activity_throttle"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	GlobalQPS float64 `mapstructure:"global_qps"`
	IPQPS     float64 `mapstructure:"ip_qps"`
	UserQPS   float64 `mapstructure:"user_qps"`
	Burst     float64 `mapstructure:"burst"`
}

type AgentConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	Device    string `mapstructure:"device"`
	UserAgent string `mapstructure:"user_agent"`
}

// Config 对应 configs/config.<env>.yaml
type Config struct {
	Env       string          `mapstructure:"-"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Log       zlog.Config     `mapstructure:"-"`
}

// Env APP_ENV，默认 dev
func Env() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	return env
}

// FindFile 依次在 ./configs ../configs ../../configs 下查找 config.<env>.yaml
func FindFile(env string) (string, error) {
	name := fmt.Sprintf("config.%s.yaml", env)
	for _, dir := range []string{"configs", filepath.Join("..", "configs"), filepath.Join("..", "..", "configs")} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("config file %s not found", name)
}

// Load 加载 .env（可选）和配置文件。path 为空时按 APP_ENV 查找
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	env := Env()
	if path == "" {
		found, err := FindFile(env)
		if err != nil {
			return nil, err
		}
		path = found
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败：%w", err)
	}
	return fromViper(v, env)
}

func fromViper(v *viper.Viper, env string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败：%w", err)
	}
	cfg.Env = env

	logCfg, err := zlog.FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.Log = *logCfg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("storage.driver", "redis")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("kafka.topic", "presence.status.changed")
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("presence.idle_timeout", "5m")
	v.SetDefault("presence.activity_throttle", "15s")
	v.SetDefault("presence.heartbeat_interval", "1m")
	v.SetDefault("presence.write_timeout", "5s")
	v.SetDefault("janitor.interval", "1h")
	v.SetDefault("agent.server_url", "ws://localhost:8080/ws")
	v.SetDefault("agent.device", "desktop")

	// 没写在文件里的键也要能被环境变量覆盖
	for _, key := range []string{"jwt.secret", "redis.password", "mysql.dsn", "agent.token", "agent.user_agent", "kafka.enabled", "kafka.brokers"} {
		_ = v.BindEnv(key)
	}
}

// Validate 校验时长、端口和存储驱动
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("配置错误：storage.driver 只能是 redis/memory，当前为 %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("配置错误：redis.addr 不能为空"))
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("配置错误：server.http_port 无效 %d", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("配置错误：server.grpc_port 无效 %d", c.Server.GRPCPort))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("配置错误：kafka.enabled 为 true 时 kafka.brokers 不能为空"))
	}

	durations := map[string]time.Duration{
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"presence.idle_timeout":       c.Presence.IdleTimeout,
		"presence.activity_throttle":  c.Presence.ActivityThrottle,
		"presence.heartbeat_interval": c.Presence.HeartbeatInterval,
		"presence.write_timeout":      c.Presence.WriteTimeout,
	}
	for _, name := range []string{
		"server.shutdown_timeout",
		"presence.idle_timeout",
		"presence.activity_throttle",
		"presence.heartbeat_interval",
		"presence.write_timeout",
	} {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("配置错误：%s 必须大于 0", name))
		}
	}
	if c.Janitor.Interval < 0 {
		errs = append(errs, errors.New("配置错误：janitor.interval 不能为负数"))
	}
	if c.Presence.ActivityThrottle > 0 && c.Presence.IdleTimeout > 0 && c.Presence.ActivityThrottle >= c.Presence.IdleTimeout {
		errs = append(errs, errors.New("配置错误：presence.activity_throttle 必须小于 presence.idle_timeout"))
	}
	return errors.Join(errs...)
}
