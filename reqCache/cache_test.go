package reqCache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jakepeg/doo-journal-sub000/ratelimit"
	"github.com/jakepeg/doo-journal-sub000/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Executor: newFakeExecutor(failing)})
	require.Error(t, err)

	_, err = New(Options{Store: store.NewMemoryStore(0, nil, zap.NewNop())})
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	require.Equal(t, "GET https://app.example/a?b=1", Key(get("https://app.example/a?b=1#top")))
}

func TestCacheFirstScenario(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/logo.png"

	// 第一次未命中，走网络并写入静态存储
	resp, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/logo.png#1", string(resp.Body))
	require.Equal(t, 1, env.exec.Calls(url))

	e, err := env.store.Get(ctx, "static-v1", "GET "+url)
	require.NoError(t, err)
	require.Equal(t, env.clock.Now(), e.CachedAt)

	// 一小时后仍然新鲜，不访问网络
	version = 2
	env.clock.Advance(time.Hour)
	resp, err = env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/logo.png#1", string(resp.Body))
	require.Equal(t, 1, env.exec.Calls(url))

	// 超过 30 天过期，重新请求
	env.clock.Advance(30 * 24 * time.Hour)
	resp, err = env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/logo.png#2", string(resp.Body))
	require.Equal(t, 2, env.exec.Calls(url))

	stats := env.cache.GetStats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 2, stats.Misses)
	require.InDelta(t, 1.0/3, stats.HitRate(), 0.001)
}

func TestCacheFirstServesStaleWhenOffline(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/app.js"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)

	env.clock.Advance(8 * 24 * time.Hour)
	env.exec.setHandler(failing)

	resp, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/app.js#1", string(resp.Body))
	require.EqualValues(t, 1, env.cache.GetStats().StaleServed)

	_, err = env.cache.Intercept(ctx, get("https://app.example/other.js"))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestNetworkFirstWritesThrough(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/journal"
	req := func() *http.Request { return get(url, "Sec-Fetch-Mode", "navigate") }

	resp, err := env.cache.Intercept(ctx, req())
	require.NoError(t, err)
	require.Equal(t, "/journal#1", string(resp.Body))

	// 网络可用时总是拿最新的内容并覆盖缓存
	version = 2
	resp, err = env.cache.Intercept(ctx, req())
	require.NoError(t, err)
	require.Equal(t, "/journal#2", string(resp.Body))
	require.Equal(t, 2, env.exec.Calls(url))

	e, err := env.store.Get(ctx, "dynamic-v1", "GET "+url)
	require.NoError(t, err)
	require.Equal(t, "/journal#2", string(e.Response.Body))

	// 离线时返回新鲜的缓存
	env.exec.setHandler(failing)
	resp, err = env.cache.Intercept(ctx, req())
	require.NoError(t, err)
	require.Equal(t, "/journal#2", string(resp.Body))
}

func TestNetworkFirstTimeoutServesFreshEntry(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnvWith(t, echo(&version), func(o *Options) {
		o.NetworkTimeout = 20 * time.Millisecond
	})
	const url = "https://app.example/journal"
	req := func() *http.Request { return get(url, "Sec-Fetch-Mode", "navigate") }

	_, err := env.cache.Intercept(ctx, req())
	require.NoError(t, err)

	// 网络一直不返回，超时后按失败处理并回落到缓存
	env.exec.setHandler(hanging)
	start := time.Now()
	resp, err := env.cache.Intercept(ctx, req())
	require.NoError(t, err)
	require.Equal(t, "/journal#1", string(resp.Body))
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, env.cache.GetStats().NetworkErrors)

	// 没有缓存时超时错误原样返回
	_, err = env.cache.Intercept(ctx, get("https://app.example/other"))
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCacheFirstTimeoutServesStaleEntry(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnvWith(t, echo(&version), func(o *Options) {
		o.NetworkTimeout = 20 * time.Millisecond
	})
	const url = "https://app.example/app.js"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)

	env.clock.Advance(8 * 24 * time.Hour)
	env.exec.setHandler(hanging)
	start := time.Now()
	resp, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/app.js#1", string(resp.Body))
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, env.cache.GetStats().StaleServed)
}

func TestNetworkFirstIgnoresStaleEntry(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/manifest.json"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)

	env.clock.Advance(25 * time.Hour)
	env.exec.setHandler(failing)

	_, err = env.cache.Intercept(ctx, get(url))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestNetworkFirstOfflineFallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, failing)

	// 应用外壳在预缓存存储里
	require.NoError(t, env.store.Put(ctx, "static-v1", "GET https://app.example/", *okResponse("shell")))

	resp, err := env.cache.Intercept(ctx, get("https://app.example/journal/42?x=1", "Sec-Fetch-Mode", "navigate"))
	require.NoError(t, err)
	require.Equal(t, "shell", string(resp.Body))
	require.EqualValues(t, 1, env.cache.GetStats().FallbackServed)

	// 只有导航请求才会用兜底页面
	_, err = env.cache.Intercept(ctx, get("https://app.example/journal/42", "Accept", "text/html"))
	require.ErrorIs(t, err, ErrNetwork)
}

func TestStaleWhileRevalidateDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://abc.supabase.co/rest/v1/entries"

	resp, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/rest/v1/entries#1", string(resp.Body))
	env.cache.Wait()

	release := make(chan struct{})
	env.exec.setHandler(func(r *http.Request) (*store.Response, error) {
		<-release
		return okResponse("/rest/v1/entries#2"), nil
	})

	// 后台刷新被阻塞，调用方仍然立即拿到缓存
	type result struct {
		resp *store.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := env.cache.Intercept(ctx, get(url))
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, "/rest/v1/entries#1", string(res.resp.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("fresh hit waited for revalidation")
	}

	close(release)
	env.cache.Wait()

	e, err := env.store.Get(ctx, "runtime-v1", "GET "+url)
	require.NoError(t, err)
	require.Equal(t, "/rest/v1/entries#2", string(e.Response.Body))
	require.Equal(t, 2, env.exec.Calls(url))
	require.EqualValues(t, 2, env.cache.GetStats().Revalidations)
}

func TestStaleWhileRevalidateStaleEntryWaitsForNetwork(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://abc.supabase.co/rest/v1/entries"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	env.cache.Wait()

	env.clock.Advance(10 * time.Minute)
	version = 2
	resp, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/rest/v1/entries#2", string(resp.Body))

	// 过期且离线: 仍然返回旧条目
	env.clock.Advance(10 * time.Minute)
	env.exec.setHandler(failing)
	resp, err = env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "/rest/v1/entries#2", string(resp.Body))
	require.EqualValues(t, 1, env.cache.GetStats().StaleServed)
}

func TestStaleWhileRevalidateEmptyAndOffline(t *testing.T) {
	env := newTestEnv(t, failing)

	resp, err := env.cache.Intercept(context.Background(), get("https://abc.supabase.co/rest/v1/entries"))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestStaleWhileRevalidateCoalescesRefreshes(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	env := newTestEnv(t, func(r *http.Request) (*store.Response, error) {
		<-release
		return okResponse("body"), nil
	})
	const url = "https://abc.supabase.co/functions/v1/summarize"

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := env.cache.Intercept(ctx, get(url))
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return env.exec.Calls(url) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
	env.cache.Wait()
	require.LessOrEqual(t, env.exec.Calls(url), 5)
	require.GreaterOrEqual(t, env.exec.Calls(url), 1)
}

func TestStaleWhileRevalidateLimiterDelaysRefreshes(t *testing.T) {
	ctx := context.Background()
	version := 1
	limiter := ratelimit.NewPerKeyLimiter(&ratelimit.Config{Rate: 20, Burst: 1}, zap.NewNop())
	t.Cleanup(limiter.Stop)
	env := newTestEnvWith(t, echo(&version), func(o *Options) {
		o.Limiter = limiter
	})
	const url = "https://abc.supabase.co/rest/v1/entries"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	env.cache.Wait()

	// 超出令牌桶的新鲜命中也会刷新，只是要排队
	for i := 0; i < 5; i++ {
		resp, err := env.cache.Intercept(ctx, get(url))
		require.NoError(t, err)
		require.Equal(t, "/rest/v1/entries#1", string(resp.Body))
		env.cache.Wait()
	}
	require.Equal(t, 6, env.exec.Calls(url))
	require.EqualValues(t, 6, env.cache.GetStats().Revalidations)
	require.Zero(t, env.cache.GetStats().RevalidationErrors)
}

func TestErrorResponsesAreNotCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(r *http.Request) (*store.Response, error) {
		return &store.Response{Status: http.StatusNotFound, Body: []byte("missing")}, nil
	})
	const url = "https://app.example/missing.png"

	for i := 0; i < 2; i++ {
		resp, err := env.cache.Intercept(ctx, get(url))
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.Status)
	}
	require.Equal(t, 2, env.exec.Calls(url))

	_, err := env.store.Get(ctx, "static-v1", "GET "+url)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBypassIneligibleRequests(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/logo.png"

	for i := 0; i < 2; i++ {
		_, err := env.cache.Intercept(ctx, newRequest(http.MethodPost, url))
		require.NoError(t, err)
	}
	require.Equal(t, 2, env.exec.Calls(url))

	names, err := env.store.StoreNames(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	require.EqualValues(t, 2, env.cache.GetStats().Bypassed)
}

// brokenStore 所有读写都失败
type brokenStore struct {
	store.Substrate
}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string, string) (*store.Entry, error) {
	return nil, errStoreDown
}

func (brokenStore) Put(context.Context, string, string, store.Response) error {
	return errStoreDown
}

func TestStoreFailuresAreInvisible(t *testing.T) {
	ctx := context.Background()
	version := 1
	exec := newFakeExecutor(echo(&version))
	c, err := New(Options{
		Store:    brokenStore{Substrate: store.NewMemoryStore(0, nil, zap.NewNop())},
		Executor: exec,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Wait)

	urls := []string{
		"https://app.example/logo.png",
		"https://app.example/page",
		"https://abc.supabase.co/rest/v1/entries",
	}
	for _, url := range urls {
		resp, err := c.Intercept(ctx, get(url))
		require.NoError(t, err, url)
		require.Equal(t, http.StatusOK, resp.Status, url)
	}
	c.Wait()
	require.Positive(t, c.GetStats().WriteErrors)
}

func TestGenerationSwitchesStores(t *testing.T) {
	ctx := context.Background()
	version := 1
	env := newTestEnv(t, echo(&version))
	const url = "https://app.example/logo.png"

	_, err := env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, "static-v1", env.cache.StoreName(ClassStatic))

	env.cache.SetGeneration("v2")
	require.Equal(t, "v2", env.cache.Generation())
	require.Equal(t, "static-v2", env.cache.StoreName(ClassStatic))

	// 新版本的存储是空的
	_, err = env.cache.Intercept(ctx, get(url))
	require.NoError(t, err)
	require.Equal(t, 2, env.exec.Calls(url))
}

func TestInterceptCanceledContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, func(r *http.Request) (*store.Response, error) {
		<-release
		return nil, fmt.Errorf("%w: aborted", ErrNetwork)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.cache.Intercept(ctx, get("https://abc.supabase.co/rest/v1/entries"))
	require.ErrorIs(t, err, context.Canceled)
}
