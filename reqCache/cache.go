package reqCache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jakepeg/doo-journal-sub000/metrics"
	"github.com/jakepeg/doo-journal-sub000/ratelimit"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultNetworkTimeout    = 10 * time.Second
	defaultRevalidateTimeout = 30 * time.Second
	defaultOfflinePath       = "/"
	defaultGeneration        = "v0"
)

// Stats 统计信息
type Stats struct {
	Requests           int64 // 进入 Intercept 的请求数
	Bypassed           int64 // 不走缓存的请求数
	Hits               int64 // 新鲜命中
	Misses             int64 // 未命中或已过期
	NetworkFetches     int64 // 成功的网络请求
	NetworkErrors      int64 // 网络失败
	StaleServed        int64 // 网络失败后返回旧条目
	FallbackServed     int64 // 返回离线兜底页面
	Revalidations      int64 // 后台刷新成功次数
	RevalidationErrors int64 // 后台刷新失败次数
	WriteErrors        int64 // 写缓存失败
}

// HitRate 计算命中率
func (s *Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Options 构建 Cache 所需的依赖
type Options struct {
	Router   *Router
	Store    store.Substrate
	Executor Executor

	Generation        string        // 初始版本号，生命周期管理会覆盖
	NetworkTimeout    time.Duration // NetworkFirst / CacheFirst 的网络超时
	RevalidateTimeout time.Duration // 后台刷新的超时
	OfflinePath       string        // 导航请求离线时的兜底路径

	Limiter *ratelimit.PerKeyLimiter // 可选，按主机给后台刷新限速（推迟，不丢弃）
	Metrics *metrics.Metrics         // 可选
	Logger  *zap.Logger
	Now     func() time.Time
}

// Cache 请求缓存层: 路由 -> 策略 -> 存储/网络
type Cache struct {
	router   *Router
	store    store.Substrate
	executor Executor

	networkTimeout    time.Duration
	revalidateTimeout time.Duration
	offlinePath       string

	limiter *ratelimit.PerKeyLimiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	generation atomic.Value // string
	loader     singleflight.Group
	background sync.WaitGroup

	stats Stats
}

// New 创建缓存层
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Router == nil {
		opts.Router = MustNewRouter(DefaultRouterConfig())
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = defaultNetworkTimeout
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = defaultRevalidateTimeout
	}
	if opts.OfflinePath == "" {
		opts.OfflinePath = defaultOfflinePath
	}
	if opts.Generation == "" {
		opts.Generation = defaultGeneration
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		router:            opts.Router,
		store:             opts.Store,
		executor:          opts.Executor,
		networkTimeout:    opts.NetworkTimeout,
		revalidateTimeout: opts.RevalidateTimeout,
		offlinePath:       opts.OfflinePath,
		limiter:           opts.Limiter,
		metrics:           opts.Metrics,
		logger:            opts.Logger.With(zap.String("component", "request_cache")),
		now:               opts.Now,
	}
	c.generation.Store(opts.Generation)
	return c, nil
}

// Key 请求对应的缓存 key: 方法 + 绝对 URL（不含 fragment）
func Key(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + " " + u.String()
}

// Intercept 唯一入口: 分类请求，执行对应的策略
// 只有网络和所有兜底都失败时才返回错误
func (c *Cache) Intercept(ctx context.Context, r *http.Request) (*store.Response, error) {
	atomic.AddInt64(&c.stats.Requests, 1)

	if !c.router.Eligible(r) {
		atomic.AddInt64(&c.stats.Bypassed, 1)
		c.metrics.RecordBypass()
		return c.executor.Execute(ctx, r)
	}

	start := time.Now()
	rule := c.router.Classify(r)
	call := &call{
		req:   r,
		rule:  rule,
		store: c.StoreName(rule.Class),
		key:   Key(r),
	}

	var (
		resp    *store.Response
		outcome string
		err     error
	)
	switch rule.Strategy {
	case CacheFirst:
		resp, outcome, err = c.cacheFirst(ctx, call)
	case StaleWhileRevalidate:
		resp, outcome, err = c.staleWhileRevalidate(ctx, call)
	default:
		resp, outcome, err = c.networkFirst(ctx, call)
	}

	c.metrics.RecordRequest(rule.Strategy.String(), outcome, time.Since(start))
	c.logger.Debug("intercepted",
		zap.String("key", call.key),
		zap.String("rule", rule.Name),
		zap.String("strategy", rule.Strategy.String()),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
	return resp, err
}

// Generation 当前生效的版本号
func (c *Cache) Generation() string {
	return c.generation.Load().(string)
}

// SetGeneration 切换版本号，之后的请求读写新版本的存储
func (c *Cache) SetGeneration(tag string) {
	c.generation.Store(tag)
	c.metrics.SetGeneration(tag)
}

// StoreName 当前版本下某个类别的存储名
func (c *Cache) StoreName(class string) string {
	return store.Name(class, c.Generation())
}

// Router 返回路由器
func (c *Cache) Router() *Router {
	return c.router
}

// Store 返回存储底座
func (c *Cache) Store() store.Substrate {
	return c.store
}

// Wait 等待所有后台刷新结束
func (c *Cache) Wait() {
	c.background.Wait()
}

// GetStats 获取统计信息
func (c *Cache) GetStats() Stats {
	return Stats{
		Requests:           atomic.LoadInt64(&c.stats.Requests),
		Bypassed:           atomic.LoadInt64(&c.stats.Bypassed),
		Hits:               atomic.LoadInt64(&c.stats.Hits),
		Misses:             atomic.LoadInt64(&c.stats.Misses),
		NetworkFetches:     atomic.LoadInt64(&c.stats.NetworkFetches),
		NetworkErrors:      atomic.LoadInt64(&c.stats.NetworkErrors),
		StaleServed:        atomic.LoadInt64(&c.stats.StaleServed),
		FallbackServed:     atomic.LoadInt64(&c.stats.FallbackServed),
		Revalidations:      atomic.LoadInt64(&c.stats.Revalidations),
		RevalidationErrors: atomic.LoadInt64(&c.stats.RevalidationErrors),
		WriteErrors:        atomic.LoadInt64(&c.stats.WriteErrors),
	}
}

// lookup 读缓存，存储错误按未命中处理
func (c *Cache) lookup(ctx context.Context, name, key string) *store.Entry {
	e, err := c.store.Get(ctx, name, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("cache read failed, treating as miss",
				zap.String("store", name),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil
	}
	return e
}

// save 只缓存 2xx 响应，写失败只记日志
func (c *Cache) save(ctx context.Context, name, key string, resp *store.Response) bool {
	if !cacheable(resp) {
		return false
	}
	if err := c.store.Put(context.WithoutCancel(ctx), name, key, *resp); err != nil {
		if errors.Is(err, store.ErrStoreNotOpen) {
			// 写入途中版本已经切换，旧存储不再接收写入
			c.logger.Debug("store retired, dropping write",
				zap.String("store", name),
				zap.String("key", key))
			return false
		}
		atomic.AddInt64(&c.stats.WriteErrors, 1)
		class, _, _ := store.ParseName(name)
		c.metrics.RecordWriteError(class)
		c.logger.Warn("cache write failed",
			zap.String("store", name),
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	return true
}

func cacheable(resp *store.Response) bool {
	return resp != nil && resp.Status >= 200 && resp.Status < 300
}

// fetch 带超时的网络请求
func (c *Cache) fetch(ctx context.Context, r *http.Request) (*store.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.networkTimeout)
	defer cancel()

	resp, err := c.executor.Execute(ctx, r)
	if err != nil {
		atomic.AddInt64(&c.stats.NetworkErrors, 1)
		return nil, err
	}
	atomic.AddInt64(&c.stats.NetworkFetches, 1)
	return resp, nil
}

// unavailable 缓存为空且网络失败时的 503 响应
func unavailable(key string) *store.Response {
	return &store.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(fmt.Sprintf("offline: no cached response for %s\n", key)),
	}
}
