package reqCache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jakepeg/doo-journal-sub000/circuitbreaker"
	"github.com/jakepeg/doo-journal-sub000/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int64
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		switch r.URL.Path {
		case "/boom":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/request-id":
			_, _ = io.WriteString(w, r.Header.Get(RequestIDHeader))
		default:
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Connection", "keep-alive")
			_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func newProxy(t *testing.T, up *upstream) (*Cache, *httptest.Server) {
	t.Helper()
	c, err := New(Options{
		Store:    store.NewMemoryStore(0, nil, zap.NewNop()),
		Executor: NewHTTPExecutor(up.Client(), nil, zap.NewNop()),
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Wait)
	openStores(t, c)

	h, err := NewHandler(c, up.URL, zap.NewNop())
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	t.Cleanup(proxy.Close)
	return c, proxy
}

func fetchBody(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHandlerCachesAssets(t *testing.T) {
	up := newUpstream(t)
	_, proxy := newProxy(t, up)

	for i := 0; i < 3; i++ {
		status, body := fetchBody(t, http.MethodGet, proxy.URL+"/assets/app.js?v=1")
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "GET /assets/app.js?v=1", body)
	}
	require.EqualValues(t, 1, up.hits.Load())
}

func TestHandlerBypassesWrites(t *testing.T) {
	up := newUpstream(t)
	_, proxy := newProxy(t, up)

	for i := 0; i < 2; i++ {
		status, body := fetchBody(t, http.MethodPost, proxy.URL+"/assets/app.js")
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "POST /assets/app.js", body)
	}
	require.EqualValues(t, 2, up.hits.Load())
}

func TestHandlerPassesErrorStatus(t *testing.T) {
	up := newUpstream(t)
	_, proxy := newProxy(t, up)

	for i := 0; i < 2; i++ {
		status, _ := fetchBody(t, http.MethodGet, proxy.URL+"/boom")
		require.Equal(t, http.StatusInternalServerError, status)
	}
	require.EqualValues(t, 2, up.hits.Load())
}

func TestHandlerUpstreamDown(t *testing.T) {
	up := newUpstream(t)
	_, proxy := newProxy(t, up)
	up.Close()

	status, _ := fetchBody(t, http.MethodGet, proxy.URL+"/data.json")
	require.Equal(t, http.StatusBadGateway, status)
}

func TestHandlerRequestID(t *testing.T) {
	up := newUpstream(t)
	_, proxy := newProxy(t, up)

	resp, err := http.Get(proxy.URL + "/request-id")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	id := resp.Header.Get(RequestIDHeader)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, id, string(body))

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/request-id?again", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "client-chosen")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "client-chosen", resp.Header.Get(RequestIDHeader))
	require.Equal(t, "client-chosen", string(body))
}

func TestHandlerRejectsConnect(t *testing.T) {
	up := newUpstream(t)
	c, _ := newProxy(t, up)
	h, err := NewHandler(c, "", zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodConnect, "app.example:443", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// 没有 upstream 时相对路径无法转发
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewHandlerValidatesUpstream(t *testing.T) {
	_, err := NewHandler(nil, "not a url", zap.NewNop())
	require.Error(t, err)
	_, err = NewHandler(nil, "/relative", zap.NewNop())
	require.Error(t, err)
}

func TestSingleJoiningSlash(t *testing.T) {
	require.Equal(t, "/a", singleJoiningSlash("", "/a"))
	require.Equal(t, "/", singleJoiningSlash("/", ""))
	require.Equal(t, "/base/a", singleJoiningSlash("/base/", "/a"))
	require.Equal(t, "/base/a", singleJoiningSlash("/base", "a"))
	require.Equal(t, "/base/a", singleJoiningSlash("/base", "/a"))
}

func TestTransport(t *testing.T) {
	version := 1
	env := newTestEnv(t, echo(&version))
	client := &http.Client{Transport: &Transport{Cache: env.cache}}

	for i := 0; i < 2; i++ {
		resp, err := client.Get("https://app.example/logo.png")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "/logo.png#1", string(body))
		require.EqualValues(t, len(body), resp.ContentLength)
	}
	require.Equal(t, 1, env.exec.Calls("https://app.example/logo.png"))

	env.exec.setHandler(failing)
	_, err := client.Get("https://app.example/data.json")
	require.Error(t, err)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func TestTransportClosesBodyOnError(t *testing.T) {
	env := newTestEnv(t, failing)
	tr := &Transport{Cache: env.cache}

	body := &trackedBody{Reader: strings.NewReader("payload")}
	req := newRequest(http.MethodPost, "https://app.example/entries")
	req.Body = body
	_, err := tr.RoundTrip(req)
	require.ErrorIs(t, err, ErrNetwork)
	require.True(t, body.closed.Load())
}

func TestHTTPExecutorStripsHopHeaders(t *testing.T) {
	up := newUpstream(t)
	exec := NewHTTPExecutor(up.Client(), nil, zap.NewNop())

	req := get(up.URL+"/x", "Connection", "close", "Proxy-Authorization", "secret")
	resp, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "GET /x", string(resp.Body))
	require.Empty(t, resp.Header.Get("Connection"))
	require.Empty(t, resp.Header.Get("Content-Length"))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	// 调用方的请求不会被修改
	require.Equal(t, "secret", req.Header.Get("Proxy-Authorization"))
}

func TestHTTPExecutorBreaker(t *testing.T) {
	up := newUpstream(t)
	url := up.URL + "/x"
	up.Close()

	var opened atomic.Bool
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:             "test",
		MaxRequests:      1,
		Timeout:          time.Hour,
		FailureThreshold: 0.5,
		MinimumRequests:  2,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				opened.Store(true)
			}
		},
	}, zap.NewNop())
	exec := NewHTTPExecutor(up.Client(), breaker, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), get(url))
		require.ErrorIs(t, err, ErrNetwork)
	}
	require.True(t, opened.Load())

	_, err := exec.Execute(context.Background(), get(url))
	require.ErrorIs(t, err, ErrNetwork)
	require.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
}
