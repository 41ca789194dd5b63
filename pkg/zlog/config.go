package zlog

import (
	"fmt"

	"github.com/spf13/viper" // 配置管理工具库
)

// 定义本地轮转文件策略
// tag 被 viper 用来匹配字段
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// SamplingConfig 每秒同一条消息先输出 Initial 条，之后每 Thereafter 条输出一条，Initial 为 0 时关闭
type SamplingConfig struct {
	Initial    int `mapstructure:"initial"`
	Thereafter int `mapstructure:"thereafter"`
}

// 日志配置，对应配置文件里的 log 段
type Config struct {
	Service      string         `mapstructure:"service"`       // 归属服务名
	Level        string         `mapstructure:"level"`         // 日志级别，debug|info|warn|error
	Encoding     string         `mapstructure:"encoding"`      // 输出格式，json|console
	Development  bool           `mapstructure:"development"`   // 使用开发环境编码器
	Stdout       bool           `mapstructure:"stdout"`        // 是否把日志同时输出到控制台
	File         FileConfig     `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool           `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
	Sampling     SamplingConfig `mapstructure:"sampling"`
}

// DefaultConfig 在没有配置文件时使用
func DefaultConfig(service string) Config {
	return Config{
		Service:      service,
		Level:        "info",
		Encoding:     "json",
		Stdout:       true,
		EnableMetric: true,
	}
}

// 加载配置，读取 filePath 中的 log 段
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	// 在配置文件中找不到某个配置项时，自动去查找相应的环境变量，如 PRESENCE_LOG_LEVEL
	v.SetEnvPrefix("PRESENCE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日志配置文件失败：%w", err)
	}

	return FromViper(v)
}

// FromViper 从已经加载好的 viper 实例中解析 log 段
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetDefault("log.service", "unknown")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 60)
	v.SetDefault("log.file.max_age", 1)
	v.SetDefault("log.enable_metric", true)

	var cfg Config
	if err := v.UnmarshalKey("log", &cfg); err != nil {
		return nil, fmt.Errorf("加载日志配置失败：%w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 严格校验，并补齐文件轮转的默认值
func (cfg *Config) Validate() error {
	if cfg.Service == "" {
		return fmt.Errorf("配置错误：service 不能为空")
	}

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("配置错误：level 只能是 debug/info/warn/error")
	}

	switch cfg.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("配置错误：encoding 只能是 json/console")
	}

	// 如果启用了 stdout，允许不设置文件路径
	if !cfg.Stdout && cfg.File.Path == "" {
		return fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if cfg.Sampling.Initial < 0 || cfg.Sampling.Thereafter < 0 {
		return fmt.Errorf("配置错误：sampling 不能为负数")
	}

	if cfg.File.Path != "" {
		if cfg.File.MaxSizeMB <= 0 {
			cfg.File.MaxSizeMB = 100
		}
		if cfg.File.MaxBackups < 0 {
			cfg.File.MaxBackups = 60
		}
		if cfg.File.MaxAgeDay < 0 {
			cfg.File.MaxAgeDay = 30
		}
	}
	return nil
}
