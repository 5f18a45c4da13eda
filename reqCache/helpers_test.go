package reqCache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jakepeg/doo-journal-sub000/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor 记录每个 URL 的调用次数
type fakeExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(r *http.Request) (*store.Response, error)
}

func newFakeExecutor(handler func(r *http.Request) (*store.Response, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int), handler: handler}
}

func (f *fakeExecutor) Execute(ctx context.Context, r *http.Request) (*store.Response, error) {
	f.mu.Lock()
	f.calls[r.URL.String()]++
	handler := f.handler
	f.mu.Unlock()
	return handler(r.WithContext(ctx))
}

func (f *fakeExecutor) setHandler(handler func(r *http.Request) (*store.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeExecutor) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeExecutor) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func okResponse(body string) *store.Response {
	return &store.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

// echo 返回请求 URL 和版本号作为响应体
func echo(version *int) func(r *http.Request) (*store.Response, error) {
	return func(r *http.Request) (*store.Response, error) {
		return okResponse(fmt.Sprintf("%s#%d", r.URL.Path, *version)), nil
	}
}

// hanging 一直阻塞到请求的 ctx 结束
func hanging(r *http.Request) (*store.Response, error) {
	<-r.Context().Done()
	return nil, fmt.Errorf("%w: %w", ErrNetwork, r.Context().Err())
}

func failing(r *http.Request) (*store.Response, error) {
	return nil, fmt.Errorf("%w: connection refused", ErrNetwork)
}

type testEnv struct {
	cache *Cache
	store *store.MemoryStore
	exec  *fakeExecutor
	clock *testClock
}

func newTestEnv(t *testing.T, handler func(r *http.Request) (*store.Response, error)) *testEnv {
	return newTestEnvWith(t, handler, nil)
}

// newTestEnvWith configure 可以在创建 Cache 前修改选项
func newTestEnvWith(t *testing.T, handler func(r *http.Request) (*store.Response, error), configure func(*Options)) *testEnv {
	t.Helper()
	clk := newTestClock()
	st := store.NewMemoryStore(0, nil, zap.NewNop(), store.WithClock(clk.Now))
	exec := newFakeExecutor(handler)

	opts := Options{
		Store:      st,
		Executor:   exec,
		Generation: "v1",
		Logger:     zap.NewNop(),
		Now:        clk.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Wait)
	openStores(t, c)
	return &testEnv{cache: c, store: st, exec: exec, clock: clk}
}

// openStores 打开当前版本下所有类别的存储
func openStores(t *testing.T, c *Cache) {
	t.Helper()
	for _, class := range c.Router().Classes() {
		require.NoError(t, c.Store().Open(context.Background(), c.StoreName(class)))
	}
}

func newRequest(method, url string, headers ...string) *http.Request {
	r, err := http.NewRequest(method, url, nil)
	if err != nil {
		panic(err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}

func get(url string, headers ...string) *http.Request {
	return newRequest(http.MethodGet, url, headers...)
}
