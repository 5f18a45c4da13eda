package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含所有Prometheus指标
// nil 的 *Metrics 可以直接调用，什么都不记录
type Metrics struct {
	// 请求相关
	RequestsTotal    *prometheus.CounterVec   // 按策略和结果统计的请求数
	RequestsDuration *prometheus.HistogramVec // 请求耗时分布
	Bypassed         prometheus.Counter       // 不走缓存直接透传的请求数

	// 缓存相关
	CacheHits   *prometheus.CounterVec // 缓存命中数
	CacheMisses *prometheus.CounterVec // 缓存未命中数
	StaleServed *prometheus.CounterVec // 网络失败时返回旧条目的次数
	WriteErrors *prometheus.CounterVec // 写入失败数

	// 网络相关
	NetworkErrors *prometheus.CounterVec // 网络失败数
	Revalidations *prometheus.CounterVec // 后台刷新次数
	BreakerState  prometheus.Gauge       // 熔断器状态 0 closed 1 open 2 half_open

	// 后台任务
	JanitorEvictions *prometheus.CounterVec // 清理器删除的条目数
	JanitorDuration  prometheus.Histogram   // 一次清理耗时
	StoresDeleted    prometheus.Counter     // 生命周期删除的旧存储数
	Generation       *prometheus.GaugeVec   // 当前生效的版本号

	Uptime prometheus.Gauge
}

var startTime = time.Now()

// New 在给定的 registerer 上注册所有指标
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "reqcache"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of intercepted requests",
			},
			[]string{"strategy", "outcome"}, // outcome: cache, network, stale, fallback, error
		),

		RequestsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"strategy"},
		),

		Bypassed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bypassed_total",
			Help:      "Requests passed through without caching",
		}),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of fresh cache hits",
			},
			[]string{"class"},
		),

		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"class"},
		),

		StaleServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_served_total",
				Help:      "Stale or fallback entries served after a network failure",
			},
			[]string{"class"},
		),

		WriteErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_write_errors_total",
				Help:      "Cache writes that failed and were swallowed",
			},
			[]string{"class"},
		),

		NetworkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "network_errors_total",
				Help:      "Request executor failures",
			},
			[]string{"strategy"},
		),

		Revalidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_total",
				Help:      "Background revalidations by result",
			},
			[]string{"result"}, // result: stored, skipped, throttled, error
		),

		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_breaker_state",
			Help:      "Network circuit breaker state (0 closed, 1 open, 2 half open)",
		}),

		JanitorEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "janitor_evictions_total",
				Help:      "Entries evicted by the janitor",
			},
			[]string{"class"},
		),

		JanitorDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "janitor_sweep_duration_seconds",
			Help:      "Janitor sweep duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),

		StoresDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stores_deleted_total",
			Help:      "Stores of stale generations deleted by the lifecycle manager",
		}),

		Generation: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "generation_info",
				Help:      "Active cache generation (value is always 1)",
			},
			[]string{"version"},
		),

		Uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Uptime in seconds",
		}),
	}
}

// RecordRequest 记录一次请求
func (m *Metrics) RecordRequest(strategy, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(strategy, outcome).Inc()
	m.RequestsDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordBypass 记录一次透传
func (m *Metrics) RecordBypass() {
	if m == nil {
		return
	}
	m.Bypassed.Inc()
}

// RecordCacheHit 记录缓存命中
func (m *Metrics) RecordCacheHit(class string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(class).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (m *Metrics) RecordCacheMiss(class string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(class).Inc()
}

// RecordStaleServed 记录返回旧条目
func (m *Metrics) RecordStaleServed(class string) {
	if m == nil {
		return
	}
	m.StaleServed.WithLabelValues(class).Inc()
}

// RecordWriteError 记录写入失败
func (m *Metrics) RecordWriteError(class string) {
	if m == nil {
		return
	}
	m.WriteErrors.WithLabelValues(class).Inc()
}

// RecordNetworkError 记录网络失败
func (m *Metrics) RecordNetworkError(strategy string) {
	if m == nil {
		return
	}
	m.NetworkErrors.WithLabelValues(strategy).Inc()
}

// RecordRevalidation 记录后台刷新结果
func (m *Metrics) RecordRevalidation(result string) {
	if m == nil {
		return
	}
	m.Revalidations.WithLabelValues(result).Inc()
}

// SetBreakerState 设置熔断器状态
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(state))
}

// RecordSweep 记录一次清理
func (m *Metrics) RecordSweep(evicted map[string]int, duration time.Duration) {
	if m == nil {
		return
	}
	for class, n := range evicted {
		m.JanitorEvictions.WithLabelValues(class).Add(float64(n))
	}
	m.JanitorDuration.Observe(duration.Seconds())
}

// RecordStoreDeleted 记录删除了一个旧存储
func (m *Metrics) RecordStoreDeleted() {
	if m == nil {
		return
	}
	m.StoresDeleted.Inc()
}

// SetGeneration 切换当前版本号
func (m *Metrics) SetGeneration(version string) {
	if m == nil {
		return
	}
	m.Generation.Reset()
	m.Generation.WithLabelValues(version).Set(1)
}

// UpdateUptime 更新运行时间
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(startTime).Seconds())
}
