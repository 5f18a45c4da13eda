package reqCache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
)

// RequestIDHeader 请求 ID 头，客户端没带时由代理生成
const RequestIDHeader = "X-Request-Id"

// Handler 以 HTTP 代理的方式对外提供缓存层
// 绝对 URI 的请求原样转发（正向代理），其它请求拼到 upstream 上（反向代理）
type Handler struct {
	cache    *Cache
	upstream *url.URL
	logger   *zap.Logger
}

// NewHandler upstream 为空时只接受绝对 URI
func NewHandler(cache *Cache, upstream string, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.L()
	}
	h := &Handler{
		cache:  cache,
		logger: logger.With(zap.String("component", "proxy")),
	}
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q must be an absolute url", upstream)
		}
		h.upstream = u
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
		return
	}

	target, ok := h.target(r)
	if !ok {
		http.Error(w, "request must use an absolute url", http.StatusBadRequest)
		return
	}

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	w.Header().Set(RequestIDHeader, reqID)

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = ""
	out.RequestURI = ""
	removeHopHeaders(out.Header)
	out.Header.Set(RequestIDHeader, reqID)

	resp, err := h.cache.Intercept(r.Context(), out)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Warn("request failed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("url", target.String()),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeResponse(w, r, resp)
}

func (h *Handler) target(r *http.Request) (*url.URL, bool) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, true
	}
	if h.upstream == nil {
		return nil, false
	}
	u := *h.upstream
	u.Path = singleJoiningSlash(h.upstream.Path, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	return &u, true
}

func singleJoiningSlash(a, b string) string {
	switch {
	case a == "" || a == "/":
		if b == "" {
			return "/"
		}
		return b
	case b == "":
		return a
	case a[len(a)-1] == '/' && b[0] == '/':
		return a + b[1:]
	case a[len(a)-1] != '/' && b[0] != '/':
		return a + "/" + b
	}
	return a + b
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *store.Response) {
	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	removeHopHeaders(header)
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// Transport 让 http.Client 直接使用缓存层
// Cache 的执行器不能再使用这个 Transport，否则会递归
type Transport struct {
	Cache *Cache
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.Cache.Intercept(r.Context(), r)
	// 无论成功失败都要关闭请求体
	if r.Body != nil {
		_ = r.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}

var _ http.RoundTripper = (*Transport)(nil)
