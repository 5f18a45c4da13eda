package store

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jakepeg/doo-journal-sub000/store/evict"
	"github.com/stretchr/testify/require"
)

// fakeClock 每次调用前进一秒
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testResponse(body string) Response {
	return Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

// exerciseSubstrate 所有底座都需要满足的行为
func exerciseSubstrate(t *testing.T, s Substrate) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, "static-v1"))
	require.NoError(t, s.Open(ctx, "static-v1"))
	require.NoError(t, s.Open(ctx, "dynamic-v1"))

	names, err := s.StoreNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"dynamic-v1", "static-v1"}, names)

	_, err = s.Get(ctx, "static-v1", "GET https://a.test/logo.png")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "static-v1", "GET https://a.test/logo.png", testResponse("v1")))
	first, err := s.Get(ctx, "static-v1", "GET https://a.test/logo.png")
	require.NoError(t, err)
	require.Equal(t, "v1", string(first.Response.Body))
	require.Equal(t, "GET https://a.test/logo.png", first.Key)
	require.Equal(t, "text/plain", first.Response.Header.Get("Content-Type"))
	require.False(t, first.CachedAt.IsZero())

	// 覆盖写入会刷新时间戳
	require.NoError(t, s.Put(ctx, "static-v1", "GET https://a.test/logo.png", testResponse("v2")))
	second, err := s.Get(ctx, "static-v1", "GET https://a.test/logo.png")
	require.NoError(t, err)
	require.Equal(t, "v2", string(second.Response.Body))
	require.True(t, second.CachedAt.After(first.CachedAt))

	keys, err := s.Keys(ctx, "static-v1")
	require.NoError(t, err)
	require.Equal(t, []string{"GET https://a.test/logo.png"}, keys)

	require.NoError(t, s.Delete(ctx, "static-v1", "GET https://a.test/logo.png"))
	require.NoError(t, s.Delete(ctx, "static-v1", "GET https://a.test/logo.png"))
	_, err = s.Get(ctx, "static-v1", "GET https://a.test/logo.png")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "dynamic-v1", "GET https://a.test/", testResponse("home")))
	require.NoError(t, s.DeleteStore(ctx, "dynamic-v1"))
	names, err = s.StoreNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"static-v1"}, names)
	_, err = s.Get(ctx, "dynamic-v1", "GET https://a.test/")
	require.ErrorIs(t, err, ErrNotFound)

	// 删除后的写入不会把存储带回来
	require.ErrorIs(t, s.Put(ctx, "dynamic-v1", "GET https://a.test/", testResponse("late")), ErrStoreNotOpen)
	require.ErrorIs(t, s.Put(ctx, "never-v1", "k", testResponse("x")), ErrStoreNotOpen)
	names, err = s.StoreNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"static-v1"}, names)
	keys, err = s.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemoryStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewMemoryStore(0, nil, nil, WithClock(clock.Now))
	exerciseSubstrate(t, s)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)
	require.NoError(t, s.Open(ctx, "static-v1"))
	resp := testResponse("hello")
	require.NoError(t, s.Put(ctx, "static-v1", "k", resp))
	resp.Body[0] = 'j'

	e, err := s.Get(ctx, "static-v1", "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(e.Response.Body))

	e.Response.Body[0] = 'y'
	again, err := s.Get(ctx, "static-v1", "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(again.Response.Body))
}

func TestMemoryStoreCapacity(t *testing.T) {
	ctx := context.Background()
	resp := Response{Status: http.StatusOK, Body: []byte("0123456789")}
	s := NewMemoryStore(int64(2*(1+len(resp.Body))), evict.NewFIFO, nil)
	require.NoError(t, s.Open(ctx, "static-v1"))

	require.NoError(t, s.Put(ctx, "static-v1", "a", resp))
	require.NoError(t, s.Put(ctx, "static-v1", "b", resp))
	require.NoError(t, s.Put(ctx, "static-v1", "c", resp))

	keys, err := s.Keys(ctx, "static-v1")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
	require.Equal(t, int64(22), s.Bytes("static-v1"))
}

func TestMemoryStoreUnknownStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)
	keys, err := s.Keys(ctx, "missing-v1")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.NoError(t, s.Delete(ctx, "missing-v1", "k"))
	require.NoError(t, s.DeleteStore(ctx, "missing-v1"))
	require.Error(t, s.Open(ctx, ""))
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)
	require.NoError(t, s.Open(ctx, "runtime-v1"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, "runtime-v1", "k", testResponse("same"))
			_, _ = s.Get(ctx, "runtime-v1", "k")
		}()
	}
	wg.Wait()
	e, err := s.Get(ctx, "runtime-v1", "k")
	require.NoError(t, err)
	require.Equal(t, "same", string(e.Response.Body))
}

func TestParseName(t *testing.T) {
	class, tag, ok := ParseName(Name("static", "v1.2-rc1"))
	require.True(t, ok)
	require.Equal(t, "static", class)
	require.Equal(t, "v1.2-rc1", tag)

	for _, bad := range []string{"", "static", "-v1", "static-"} {
		_, _, ok := ParseName(bad)
		require.False(t, ok, bad)
	}
}
