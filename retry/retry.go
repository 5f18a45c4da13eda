package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jakepeg/doo-journal-sub000/circuitbreaker"
	"go.uber.org/zap"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Config 重试配置
type Config struct {
	MaxRetries    int              // 最大重试次数（不含第一次）
	Backoff       BackoffStrategy  // 退避策略
	RetryableFunc func(error) bool // 判断是否可重试的函数
}

// DefaultConfig 默认配置: 3 次指数退避
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		Backoff: &ExponentialBackoff{
			Initial:    200 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2.0,
		},
		RetryableFunc: DefaultRetryable,
	}
}

// DefaultRetryable 上下文结束或熔断打开时不再重试
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, circuitbreaker.ErrCircuitOpen)
}

// Retryer 重试器
type Retryer struct {
	config Config
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(config *Config, logger *zap.Logger) *Retryer {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.L()
	}
	cfg := *config
	if cfg.Backoff == nil {
		cfg.Backoff = &ConstantBackoff{}
	}
	if cfg.RetryableFunc == nil {
		cfg.RetryableFunc = DefaultRetryable
	}

	return &Retryer{
		config: cfg,
		logger: logger.With(zap.String("component", "retryer")),
	}
}

// Execute 执行函数，失败时按退避策略重试
// 超过重试次数时返回包裹了最后一次错误的 ErrMaxRetriesExceeded
func (r *Retryer) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.config.Backoff.Next(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.config.MaxRetries),
				zap.Duration("backoff", backoff))

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if !r.config.RetryableFunc(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("attempt failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// BackoffStrategy 退避策略
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff 指数退避
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt == 0 {
		return 0
	}

	backoff := e.Initial
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * e.Multiplier)
		if e.Max > 0 && backoff > e.Max {
			return e.Max
		}
	}
	return backoff
}

// ConstantBackoff 固定退避
type ConstantBackoff struct {
	Delay time.Duration
}

func (c *ConstantBackoff) Next(attempt int) time.Duration {
	if attempt == 0 {
		return 0
	}
	return c.Delay
}
