package reqCache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jakepeg/doo-journal-sub000/circuitbreaker"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
)

// ErrNetwork 网络失败（连接错误、超时、熔断），与非 2xx 的响应区分开
var ErrNetwork = errors.New("network failure")

// Executor 发出真实请求
type Executor interface {
	Execute(ctx context.Context, r *http.Request) (*store.Response, error)
}

// ExecutorFunc 接口型函数
type ExecutorFunc func(ctx context.Context, r *http.Request) (*store.Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, r *http.Request) (*store.Response, error) {
	return f(ctx, r)
}

// hopHeaders 逐跳头，不转发也不缓存
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// HTTPExecutor 通过 http.Client 发请求，整个响应体读入内存
type HTTPExecutor struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPExecutor 创建执行器, breaker 可以为空
func NewHTTPExecutor(client *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPExecutor{
		client:  client,
		breaker: breaker,
		logger:  logger.With(zap.String("component", "http_executor")),
	}
}

// Execute 任何 HTTP 状态码都算成功，只有传输层错误才返回 ErrNetwork
func (e *HTTPExecutor) Execute(ctx context.Context, r *http.Request) (*store.Response, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	var resp *store.Response
	do := func() error {
		res, err := e.client.Do(out)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		header := res.Header.Clone()
		removeHopHeaders(header)
		header.Del("Content-Length")
		resp = &store.Response{Status: res.StatusCode, Header: header, Body: body}
		return nil
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(do)
	} else {
		err = do()
	}
	if err != nil {
		e.logger.Debug("request failed",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, r.Method, r.URL, err)
	}
	return resp, nil
}

var _ Executor = (*HTTPExecutor)(nil)
