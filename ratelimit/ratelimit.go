package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config 限流配置
type Config struct {
	Rate  float64 // 每秒允许的次数, <= 0 表示不限流
	Burst int     // 突发次数
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Rate:  10,
		Burst: 20,
	}
}

// TokenBucketLimiter 令牌桶限流器
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter 创建令牌桶限流器
func NewTokenBucketLimiter(config *Config) *TokenBucketLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	limit := rate.Limit(config.Rate)
	if config.Rate <= 0 {
		limit = rate.Inf
	}
	burst := config.Burst
	if burst < 1 {
		// 突发为 0 时 Wait 永远拿不到令牌
		burst = 1
	}
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Allow 检查是否允许（不等待）
func (l *TokenBucketLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// PerKeyLimiter 按key限流（这里的 key 是上游主机名）
type PerKeyLimiter struct {
	limiters   sync.Map // key -> *TokenBucketLimiter
	lastAccess sync.Map // key -> time.Time
	config     *Config
	logger     *zap.Logger

	ttl      time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

// NewPerKeyLimiter 创建按key的限流器，并启动清理goroutine
func NewPerKeyLimiter(config *Config, logger *zap.Logger) *PerKeyLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.L()
	}

	pkl := &PerKeyLimiter{
		config: config,
		logger: logger.With(zap.String("component", "per_key_limiter")),
		ttl:    10 * time.Minute,
		stop:   make(chan struct{}),
	}
	go pkl.cleanup(5 * time.Minute)
	return pkl
}

func (pkl *PerKeyLimiter) get(key string) *TokenBucketLimiter {
	pkl.lastAccess.Store(key, time.Now())

	limiter, ok := pkl.limiters.Load(key)
	if !ok {
		limiter, _ = pkl.limiters.LoadOrStore(key, NewTokenBucketLimiter(pkl.config))
	}
	return limiter.(*TokenBucketLimiter)
}

// Allow 检查指定key是否允许
func (pkl *PerKeyLimiter) Allow(key string) bool {
	allowed := pkl.get(key).Allow()
	if !allowed {
		pkl.logger.Debug("rate limit exceeded", zap.String("key", key))
	}
	return allowed
}

// Wait 按 key 排队等待令牌，请求只会被推迟，不会被丢弃
func (pkl *PerKeyLimiter) Wait(ctx context.Context, key string) error {
	if err := pkl.get(key).Wait(ctx); err != nil {
		pkl.logger.Debug("rate limit wait aborted", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Stop 停止清理goroutine
func (pkl *PerKeyLimiter) Stop() {
	pkl.stopOnce.Do(func() {
		close(pkl.stop)
	})
}

// cleanup 定期清理长时间未访问的限流器
func (pkl *PerKeyLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pkl.stop:
			return
		case <-ticker.C:
			pkl.evictIdle(time.Now())
		}
	}
}

func (pkl *PerKeyLimiter) evictIdle(now time.Time) {
	pkl.lastAccess.Range(func(key, value interface{}) bool {
		if now.Sub(value.(time.Time)) > pkl.ttl {
			pkl.limiters.Delete(key)
			pkl.lastAccess.Delete(key)
			pkl.logger.Debug("cleaned up limiter", zap.String("key", key.(string)))
		}
		return true
	})
}
