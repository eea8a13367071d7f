package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stockpipe/pkg/core"
	pipeerr "stockpipe/pkg/error"
	"stockpipe/pkg/logger"

	"github.com/spf13/viper"
)

// 已知的提供商名称
const (
	ProviderYahoo        = "yahoo"
	ProviderAlpaca       = "alpaca"
	ProviderAlphaVantage = "alpha_vantage"
)

// Config 主配置结构
type Config struct {
	// 提供商与回退链配置
	Providers ProvidersConfig `mapstructure:"providers"`

	// 批次调度配置
	Batch BatchConfig `mapstructure:"batch"`

	// 存储配置
	Storage StorageConfig `mapstructure:"storage"`

	// 股票池配置
	Universe UniverseConfig `mapstructure:"universe"`

	Redis    RedisConfig    `mapstructure:"redis"`
	InfluxDB InfluxDBConfig `mapstructure:"influxdb"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	API      APIConfig      `mapstructure:"api"`

	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
}

// ProvidersConfig 回退链与各提供商参数
type ProvidersConfig struct {
	FallbackChain []string                  `mapstructure:"fallback_chain"` // 按顺序尝试的提供商
	Sources       map[string]ProviderConfig `mapstructure:"sources"`
}

// ProviderConfig 单个数据提供商配置
type ProviderConfig struct {
	RateLimit      int                  `mapstructure:"rate_limit"` // 每分钟请求数
	APIKey         string               `mapstructure:"api_key"`
	APISecret      string               `mapstructure:"api_secret"`
	BaseURL        string               `mapstructure:"base_url"`
	Timeout        time.Duration        `mapstructure:"timeout"` // HTTP 客户端超时
	UserAgent      string               `mapstructure:"user_agent"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`         // 半开状态下允许的请求数
	Interval            time.Duration `mapstructure:"interval"`             // 闭合状态下清空计数的周期
	Timeout             time.Duration `mapstructure:"timeout"`              // 打开状态持续时间
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"` // 连续失败多少次后打开
}

// BatchConfig 批次调度配置
type BatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`   // 同时处理的股票数上限
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"` // 单次获取超时
	Deadline     time.Duration `mapstructure:"deadline"`      // 整个批次的截止时间，0 表示不限
	LookbackDays int           `mapstructure:"lookback_days"` // 默认时间窗口
}

// StorageConfig 存储配置
type StorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	CheckpointPath string `mapstructure:"checkpoint_path"`
	CatalogPath    string `mapstructure:"catalog_path"` // 为空时不建立目录索引
}

// UniverseConfig 股票池配置
type UniverseConfig struct {
	Path    string   `mapstructure:"path"`    // CSV 文件，需包含 ticker 列
	TopK    int      `mapstructure:"top_k"`   // 只处理前 K 只，0 表示全部
	Tickers []string `mapstructure:"tickers"` // 直接指定，优先于文件
}

// RedisConfig Redis 结果流配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// InfluxDBConfig InfluxDB 镜像配置
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// ScheduleConfig 定时运行配置
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// APIConfig 状态查询服务配置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"` // gin 模式: debug, release, test
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			FallbackChain: []string{ProviderAlpaca, ProviderYahoo, ProviderAlphaVantage},
			Sources: map[string]ProviderConfig{
				ProviderYahoo: {
					RateLimit: 60,
					BaseURL:   "https://query1.finance.yahoo.com",
					Timeout:   15 * time.Second,
					UserAgent: "stockpipe/1.0",
				},
				ProviderAlpaca: {
					RateLimit: 200,
					BaseURL:   "https://data.alpaca.markets",
					Timeout:   15 * time.Second,
				},
				ProviderAlphaVantage: {
					RateLimit: 5,
					BaseURL:   "https://www.alphavantage.co",
					Timeout:   15 * time.Second,
				},
			},
		},
		Batch: BatchConfig{
			Concurrency:  8,
			FetchTimeout: 30 * time.Second,
			Deadline:     0,
			LookbackDays: 5 * 365,
		},
		Storage: StorageConfig{
			BaseDir:        "data",
			CheckpointPath: "logs/phase2_checkpoint.json",
			CatalogPath:    "data/catalog.db",
		},
		Universe: UniverseConfig{
			Path: "data/universe/sp500_constituents.csv",
			TopK: 50,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			MaxLen: 10000,
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Org:    "stockpipe",
			Bucket: "ohlcv",
		},
		Schedule: ScheduleConfig{
			Cron: "0 30 18 * * 1-5",
		},
		API: APIConfig{
			Addr: ":8080",
			Mode: "release",
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 从 YAML 文件加载配置，path 为空时按默认路径查找；环境变量前缀 STOCKPIPE
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stockpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	// 环境变量覆盖，例如 STOCKPIPE_BATCH_CONCURRENCY
	v.SetEnvPrefix("STOCKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, pipeerr.WrapError(pipeerr.CodeConfiguration, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, pipeerr.WrapError(pipeerr.CodeConfiguration, "failed to unmarshal config", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("providers.fallback_chain", d.Providers.FallbackChain)
	for name, p := range d.Providers.Sources {
		prefix := "providers.sources." + name + "."
		v.SetDefault(prefix+"rate_limit", p.RateLimit)
		v.SetDefault(prefix+"api_key", p.APIKey)
		v.SetDefault(prefix+"api_secret", p.APISecret)
		v.SetDefault(prefix+"base_url", p.BaseURL)
		v.SetDefault(prefix+"timeout", p.Timeout)
		v.SetDefault(prefix+"user_agent", p.UserAgent)
		v.SetDefault(prefix+"circuit_breaker.enabled", false)
	}

	v.SetDefault("batch.concurrency", d.Batch.Concurrency)
	v.SetDefault("batch.fetch_timeout", d.Batch.FetchTimeout)
	v.SetDefault("batch.deadline", d.Batch.Deadline)
	v.SetDefault("batch.lookback_days", d.Batch.LookbackDays)

	v.SetDefault("storage.base_dir", d.Storage.BaseDir)
	v.SetDefault("storage.checkpoint_path", d.Storage.CheckpointPath)
	v.SetDefault("storage.catalog_path", d.Storage.CatalogPath)

	v.SetDefault("universe.path", d.Universe.Path)
	v.SetDefault("universe.top_k", d.Universe.TopK)
	v.SetDefault("universe.tickers", d.Universe.Tickers)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.max_len", d.Redis.MaxLen)

	v.SetDefault("influxdb.enabled", d.InfluxDB.Enabled)
	v.SetDefault("influxdb.url", d.InfluxDB.URL)
	v.SetDefault("influxdb.token", d.InfluxDB.Token)
	v.SetDefault("influxdb.org", d.InfluxDB.Org)
	v.SetDefault("influxdb.bucket", d.InfluxDB.Bucket)

	v.SetDefault("schedule.enabled", d.Schedule.Enabled)
	v.SetDefault("schedule.cron", d.Schedule.Cron)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.mode", d.API.Mode)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
}

// Validate 验证配置，任何问题都返回 CONFIGURATION 错误
func (c *Config) Validate() error {
	if len(c.Providers.FallbackChain) == 0 {
		return pipeerr.Configuration("providers.fallback_chain cannot be empty")
	}

	seen := make(map[string]bool, len(c.Providers.FallbackChain))
	for _, name := range c.Providers.FallbackChain {
		if name == "" {
			return pipeerr.Configuration("providers.fallback_chain contains an empty name")
		}
		if seen[name] {
			return pipeerr.Configuration("provider %s appears twice in fallback_chain", name)
		}
		seen[name] = true

		p, ok := c.Providers.Sources[name]
		if !ok {
			return pipeerr.Configuration("provider %s has no entry under providers.sources", name)
		}
		if p.RateLimit <= 0 {
			return pipeerr.Configuration("provider %s: rate_limit must be positive, got %d", name, p.RateLimit)
		}
		if p.Timeout < 0 {
			return pipeerr.Configuration("provider %s: timeout cannot be negative", name)
		}
	}

	if c.Batch.Concurrency <= 0 {
		return pipeerr.Configuration("batch.concurrency must be positive, got %d", c.Batch.Concurrency)
	}
	if c.Batch.FetchTimeout <= 0 {
		return pipeerr.Configuration("batch.fetch_timeout must be positive")
	}
	if c.Batch.Deadline < 0 {
		return pipeerr.Configuration("batch.deadline cannot be negative")
	}
	if c.Batch.LookbackDays <= 0 {
		return pipeerr.Configuration("batch.lookback_days must be positive")
	}

	if c.Storage.BaseDir == "" {
		return pipeerr.Configuration("storage.base_dir cannot be empty")
	}
	if c.Storage.CheckpointPath == "" {
		return pipeerr.Configuration("storage.checkpoint_path cannot be empty")
	}
	if c.Universe.TopK < 0 {
		return pipeerr.Configuration("universe.top_k cannot be negative")
	}

	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return pipeerr.Configuration("schedule.cron is required when schedule is enabled")
	}
	return nil
}

// ProviderSpecs 按回退链顺序生成提供商规格
func (c *Config) ProviderSpecs() ([]core.ProviderSpec, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	specs := make([]core.ProviderSpec, 0, len(c.Providers.FallbackChain))
	for i, name := range c.Providers.FallbackChain {
		specs = append(specs, core.ProviderSpec{
			Name:               name,
			RateLimitPerMinute: c.Providers.Sources[name].RateLimit,
			Position:           i,
		})
	}
	return specs, nil
}

// Provider 返回指定提供商的配置
func (c *Config) Provider(name string) (ProviderConfig, error) {
	p, ok := c.Providers.Sources[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %s is not configured", name)
	}
	return p, nil
}

// Window 以 now 为终点返回 lookback_days 天的时间窗口（UTC 日期边界）
func (c *Config) Window(now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -c.Batch.LookbackDays)
	return start, end
}
