package reqCache

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
)

// 请求结果，用于指标和日志
const (
	outcomeCache       = "cache"
	outcomeNetwork     = "network"
	outcomeStale       = "stale"
	outcomeFallback    = "fallback"
	outcomeUnavailable = "unavailable"
	outcomeError       = "error"
)

// call 一次策略执行的上下文
type call struct {
	req   *http.Request
	rule  Rule
	store string
	key   string
}

func (c *Cache) hit(cl *call) {
	atomic.AddInt64(&c.stats.Hits, 1)
	c.metrics.RecordCacheHit(cl.rule.Class)
}

func (c *Cache) miss(cl *call) {
	atomic.AddInt64(&c.stats.Misses, 1)
	c.metrics.RecordCacheMiss(cl.rule.Class)
}

func (c *Cache) servedStale(cl *call) {
	atomic.AddInt64(&c.stats.StaleServed, 1)
	c.metrics.RecordStaleServed(cl.rule.Class)
}

// networkFirst 先走网络；失败时依次尝试新鲜缓存、离线兜底页面
func (c *Cache) networkFirst(ctx context.Context, cl *call) (*store.Response, string, error) {
	resp, err := c.fetch(ctx, cl.req)
	if err == nil {
		c.save(ctx, cl.store, cl.key, resp)
		return resp, outcomeNetwork, nil
	}
	c.metrics.RecordNetworkError(cl.rule.Strategy.String())

	if e := c.lookup(ctx, cl.store, cl.key); IsFresh(e, cl.rule.MaxAge, c.now()) {
		c.hit(cl)
		return &e.Response, outcomeCache, nil
	}
	c.miss(cl)

	if IsNavigation(cl.req) {
		if e := c.offlineFallback(ctx, cl); e != nil {
			atomic.AddInt64(&c.stats.FallbackServed, 1)
			c.metrics.RecordStaleServed(cl.rule.Class)
			c.logger.Info("serving offline fallback",
				zap.String("key", cl.key),
				zap.String("fallback", e.Key),
				zap.Error(err))
			return &e.Response, outcomeFallback, nil
		}
	}
	return nil, outcomeError, err
}

// offlineFallback 在本请求的存储和预缓存存储里找兜底页面，不要求新鲜
func (c *Cache) offlineFallback(ctx context.Context, cl *call) *store.Entry {
	u := *cl.req.URL
	u.Path = c.offlinePath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	key := http.MethodGet + " " + u.String()

	if e := c.lookup(ctx, cl.store, key); e != nil {
		return e
	}
	if precache := c.StoreName(PrecacheClass); precache != cl.store {
		return c.lookup(ctx, precache, key)
	}
	return nil
}

// cacheFirst 新鲜命中直接返回，不访问网络；网络失败时宁可返回旧条目
func (c *Cache) cacheFirst(ctx context.Context, cl *call) (*store.Response, string, error) {
	e := c.lookup(ctx, cl.store, cl.key)
	if IsFresh(e, cl.rule.MaxAge, c.now()) {
		c.hit(cl)
		return &e.Response, outcomeCache, nil
	}
	c.miss(cl)

	resp, err := c.fetch(ctx, cl.req)
	if err == nil {
		c.save(ctx, cl.store, cl.key, resp)
		return resp, outcomeNetwork, nil
	}
	c.metrics.RecordNetworkError(cl.rule.Strategy.String())

	if e != nil {
		c.servedStale(cl)
		c.logger.Info("network failed, serving stale entry",
			zap.String("key", cl.key),
			zap.Error(err))
		return &e.Response, outcomeStale, nil
	}
	return nil, outcomeError, err
}

// staleWhileRevalidate 每次都在后台刷新；有新鲜条目时立即返回，不等后台结果
func (c *Cache) staleWhileRevalidate(ctx context.Context, cl *call) (*store.Response, string, error) {
	e := c.lookup(ctx, cl.store, cl.key)
	fresh := IsFresh(e, cl.rule.MaxAge, c.now())

	result := c.revalidate(ctx, cl, fresh)
	if fresh {
		c.hit(cl)
		return &e.Response, outcomeCache, nil
	}
	c.miss(cl)

	select {
	case res := <-result:
		if res.err == nil {
			return res.resp, outcomeNetwork, nil
		}
		c.metrics.RecordNetworkError(cl.rule.Strategy.String())
		if e != nil {
			c.servedStale(cl)
			return &e.Response, outcomeStale, nil
		}
		return unavailable(cl.key), outcomeUnavailable, nil
	case <-ctx.Done():
		// 调用方取消，后台刷新继续完成
		return nil, outcomeError, ctx.Err()
	}
}

type revalidation struct {
	resp *store.Response
	err  error
}

// revalidate 在后台刷新条目，与调用方的 ctx 取消无关
// 同一个 key 的并发刷新只会发出一次网络请求
// paced 为 true 时按主机限速，刷新只会被推迟，不会被跳过
func (c *Cache) revalidate(ctx context.Context, cl *call, paced bool) <-chan revalidation {
	bg := context.WithoutCancel(ctx)
	req := cl.req.Clone(bg)
	out := make(chan revalidation, 1)

	c.background.Add(1)
	go func() {
		defer c.background.Done()

		v, err, _ := c.loader.Do(cl.store+"|"+cl.key, func() (interface{}, error) {
			if paced && c.limiter != nil {
				if err := c.pace(bg, req.URL.Host); err != nil {
					atomic.AddInt64(&c.stats.RevalidationErrors, 1)
					c.metrics.RecordRevalidation("throttled")
					c.logger.Warn("background revalidation gave up waiting for rate limit",
						zap.String("key", cl.key),
						zap.Error(err))
					return nil, err
				}
			}

			ctx, cancel := context.WithTimeout(bg, c.revalidateTimeout)
			defer cancel()

			resp, err := c.executor.Execute(ctx, req)
			if err != nil {
				atomic.AddInt64(&c.stats.RevalidationErrors, 1)
				c.metrics.RecordRevalidation("error")
				c.logger.Warn("background revalidation failed",
					zap.String("key", cl.key),
					zap.Error(err))
				return nil, err
			}
			atomic.AddInt64(&c.stats.Revalidations, 1)
			if c.save(bg, cl.store, cl.key, resp) {
				c.metrics.RecordRevalidation("stored")
			} else {
				c.metrics.RecordRevalidation("skipped")
			}
			return resp, nil
		})
		if err != nil {
			out <- revalidation{err: err}
			return
		}
		// 共享的结果要拷贝后再交给调用方
		resp := v.(*store.Response).Clone()
		out <- revalidation{resp: &resp}
	}()
	return out
}

// pace 等待主机的限速令牌，最多等一个刷新超时
func (c *Cache) pace(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, c.revalidateTimeout)
	defer cancel()
	return c.limiter.Wait(ctx, host)
}
