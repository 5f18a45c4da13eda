package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Router     RouterConfig     `mapstructure:"router"`
	Store      StoreConfig      `mapstructure:"store"`
	Generation GenerationConfig `mapstructure:"generation"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	Revalidate RevalidateConfig `mapstructure:"revalidate"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Log        LogConfig        `mapstructure:"log"`
	Health     HealthConfig     `mapstructure:"health"`
}

// ServerConfig 服务器配置, Port 是代理端口, APIPort 是管理/健康/指标端口
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIPort         int           `mapstructure:"api_port"`
	EnableAPI       bool          `mapstructure:"enable_api"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ProxyConfig 代理配置
type ProxyConfig struct {
	Upstream     string        `mapstructure:"upstream"` // 为空时只做正向代理
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// CacheConfig 策略执行相关配置
type CacheConfig struct {
	NetworkTimeout    time.Duration `mapstructure:"network_timeout"`
	RevalidateTimeout time.Duration `mapstructure:"revalidate_timeout"`
	MetricsNamespace  string        `mapstructure:"metrics_namespace"`
}

// RouterConfig 路由配置
type RouterConfig struct {
	RemoteHosts    []string      `mapstructure:"remote_hosts"`
	APIPrefixes    []string      `mapstructure:"api_prefixes"`
	PageMaxAge     time.Duration `mapstructure:"page_max_age"`
	APIMaxAge      time.Duration `mapstructure:"api_max_age"`
	ImageMaxAge    time.Duration `mapstructure:"image_max_age"`
	AssetMaxAge    time.Duration `mapstructure:"asset_max_age"`
	FallbackMaxAge time.Duration `mapstructure:"fallback_max_age"`
}

// StoreConfig 存储底座配置
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // memory, redis
	Memory  MemoryStore `mapstructure:"memory"`
	Redis   RedisStore  `mapstructure:"redis"`
}

// MemoryStore 内存存储配置
type MemoryStore struct {
	MaxBytes int64  `mapstructure:"max_bytes"` // 单个存储的上限, 0 表示不限制
	Policy   string `mapstructure:"policy"`    // lru, lfu, fifo
}

// RedisStore Redis 存储配置
type RedisStore struct {
	Addrs    []string `mapstructure:"addrs"` // 多个地址时按存储名一致性哈希分片
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

// GenerationConfig 版本号来源, Endpoints 为空时使用固定的 Tag
type GenerationConfig struct {
	Tag         string        `mapstructure:"tag"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Key         string        `mapstructure:"key"`
}

// LifecycleConfig 生命周期配置
type LifecycleConfig struct {
	Manifest       string        `mapstructure:"manifest"` // 预缓存清单路径
	Origin         string        `mapstructure:"origin"`   // 清单中相对路径的前缀
	OfflinePath    string        `mapstructure:"offline_path"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// JanitorConfig 清理配置
type JanitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// RevalidateConfig 后台刷新限流
type RevalidateConfig struct {
	Rate  float64 `mapstructure:"rate"` // 每个主机每秒允许的刷新次数, <= 0 表示不限流
	Burst int     `mapstructure:"burst"`
}

// BreakerConfig 网络熔断配置
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinimumRequests  uint32        `mapstructure:"minimum_requests"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, 或文件路径
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/reqcache")
	}

	// REQCACHE_STORE_BACKEND 覆盖 store.backend
	v.SetEnvPrefix("REQCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_port", 9090)
	v.SetDefault("server.enable_api", true)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 45*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Proxy defaults
	v.SetDefault("proxy.upstream", "")
	v.SetDefault("proxy.max_idle_conns", 100)
	v.SetDefault("proxy.dial_timeout", 5*time.Second)

	// Cache defaults
	v.SetDefault("cache.network_timeout", 10*time.Second)
	v.SetDefault("cache.revalidate_timeout", 30*time.Second)
	v.SetDefault("cache.metrics_namespace", "reqcache")

	// Router defaults
	v.SetDefault("router.remote_hosts", []string{"*.supabase.co"})
	v.SetDefault("router.api_prefixes", []string{"/rest/v1/", "/functions/v1/"})
	v.SetDefault("router.page_max_age", 24*time.Hour)
	v.SetDefault("router.api_max_age", 5*time.Minute)
	v.SetDefault("router.image_max_age", 30*24*time.Hour)
	v.SetDefault("router.asset_max_age", 7*24*time.Hour)
	v.SetDefault("router.fallback_max_age", 24*time.Hour)

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.memory.max_bytes", 64<<20) // 64MB
	v.SetDefault("store.memory.policy", "lru")
	v.SetDefault("store.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "reqcache")

	// Generation defaults
	v.SetDefault("generation.tag", "v1")
	v.SetDefault("generation.endpoints", []string{})
	v.SetDefault("generation.dial_timeout", 5*time.Second)
	v.SetDefault("generation.key", "/reqcache/generation")

	// Lifecycle defaults
	v.SetDefault("lifecycle.manifest", "")
	v.SetDefault("lifecycle.origin", "")
	v.SetDefault("lifecycle.offline_path", "/")
	v.SetDefault("lifecycle.max_retries", 2)
	v.SetDefault("lifecycle.initial_backoff", 200*time.Millisecond)
	v.SetDefault("lifecycle.max_backoff", 5*time.Second)

	// Janitor defaults
	v.SetDefault("janitor.interval", time.Hour)
	v.SetDefault("janitor.concurrency", 4)

	// Revalidate defaults
	v.SetDefault("revalidate.rate", 10)
	v.SetDefault("revalidate.burst", 20)

	// Breaker defaults
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 5)
	v.SetDefault("breaker.interval", 30*time.Second)
	v.SetDefault("breaker.timeout", 15*time.Second)
	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.minimum_requests", 10)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.endpoint", "/health")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.EnableAPI && (c.Server.APIPort <= 0 || c.Server.APIPort > 65535) {
		return fmt.Errorf("invalid api port: %d", c.Server.APIPort)
	}

	if c.Proxy.Upstream != "" {
		u, err := url.Parse(c.Proxy.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy upstream must be an absolute url: %q", c.Proxy.Upstream)
		}
	}

	switch c.Store.Backend {
	case "memory":
		if c.Store.Memory.MaxBytes < 0 {
			return fmt.Errorf("store memory max_bytes cannot be negative")
		}
		switch c.Store.Memory.Policy {
		case "lru", "lfu", "fifo":
		default:
			return fmt.Errorf("invalid store memory policy: %s", c.Store.Memory.Policy)
		}
	case "redis":
		if len(c.Store.Redis.Addrs) == 0 {
			return fmt.Errorf("store redis addrs cannot be empty")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	if len(c.Generation.Endpoints) == 0 && strings.TrimSpace(c.Generation.Tag) == "" {
		return fmt.Errorf("generation tag is required without etcd endpoints")
	}
	if strings.Contains(c.Generation.Tag, " ") {
		return fmt.Errorf("invalid generation tag: %q", c.Generation.Tag)
	}

	if !strings.HasPrefix(c.Lifecycle.OfflinePath, "/") {
		return fmt.Errorf("lifecycle offline_path must start with /: %q", c.Lifecycle.OfflinePath)
	}
	if c.Lifecycle.MaxRetries < 0 {
		return fmt.Errorf("lifecycle max_retries cannot be negative")
	}

	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}

	if c.Breaker.FailureThreshold < 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker failure_threshold must be within [0, 1]")
	}

	if c.Log.Level != "debug" && c.Log.Level != "info" && c.Log.Level != "warn" && c.Log.Level != "error" {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}
