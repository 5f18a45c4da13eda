package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 关闭状态，正常工作
	StateOpen                  // 打开状态，拒绝请求
	StateHalfOpen              // 半开状态，尝试恢复
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts 当前 generation 内的统计
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config 熔断器配置
type Config struct {
	Name             string
	MaxRequests      uint32        // 半开状态下允许的最大请求数
	Interval         time.Duration // 关闭状态下的统计窗口, 0 表示不重置
	Timeout          time.Duration // 打开状态持续时间
	FailureThreshold float64       // 失败率阈值(0-1)
	MinimumRequests  uint32        // 最小请求数，低于此值不触发熔断
	OnStateChange    func(name string, from, to State)
	IsSuccessful     func(err error) bool // 哪些错误不计入失败, 默认调用方取消不算
	Now              func() time.Time     // 时钟，测试时替换
}

// DefaultIsSuccessful 调用方主动取消不代表上游故障
func DefaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Name:             "network",
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.5,
		MinimumRequests:  10,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config     Config
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	mu         sync.Mutex
	logger     *zap.Logger
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.L()
	}

	cb := &CircuitBreaker{
		config: *config,
		state:  StateClosed,
		logger: logger.With(
			zap.String("component", "circuit_breaker"),
			zap.String("breaker", config.Name)),
	}
	if cb.config.Now == nil {
		cb.config.Now = time.Now
	}
	if cb.config.MaxRequests == 0 {
		cb.config.MaxRequests = 1
	}
	if cb.config.IsSuccessful == nil {
		cb.config.IsSuccessful = DefaultIsSuccessful
	}

	cb.toNewGeneration(cb.config.Now())
	return cb
}

// Name 熔断器名称
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute 执行函数, 熔断时直接返回 ErrCircuitOpen / ErrTooManyRequests
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	err = fn()
	cb.afterRequest(generation, cb.config.IsSuccessful(err))
	return err
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.config.Now())
	return state
}

// Counts 获取统计信息
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.config.Now())

	if state == StateOpen {
		return generation, ErrCircuitOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	state, generation := cb.currentState(now)

	// generation 不匹配说明状态已经改变，忽略此次结果
	if generation != before {
		return
	}

	if success {
		cb.counts.onSuccess()
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.MaxRequests {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.shouldTrip() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// 半开状态下，任何失败都直接打开
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) shouldTrip() bool {
	counts := cb.counts
	if counts.Requests < cb.config.MinimumRequests {
		return false
	}

	failureRate := float64(counts.TotalFailures) / float64(counts.Requests)

	cb.logger.Debug("checking failure rate",
		zap.Uint32("requests", counts.Requests),
		zap.Uint32("failures", counts.TotalFailures),
		zap.Float64("failure_rate", failureRate),
		zap.Float64("threshold", cb.config.FailureThreshold))

	return failureRate >= cb.config.FailureThreshold
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	if cb.state == newState {
		return
	}

	prev := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", newState.String()))

	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, newState)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// Reset 重置为关闭状态
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("resetting circuit breaker")
	cb.setState(StateClosed, cb.config.Now())
	cb.toNewGeneration(cb.config.Now())
}
