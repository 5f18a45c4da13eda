package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound 缓存中不存在该条目
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreNotOpen 存储没有打开或已被删除，写入被拒绝
	ErrStoreNotOpen = errors.New("cache store is not open")
)

// Response 缓存的响应内容，对缓存层是不透明的
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Clone 返回一个深拷贝, 防止缓存值被外部程序修改
func (r Response) Clone() Response {
	return Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// Len 近似计算占用的字节数
func (r Response) Len() int {
	n := len(r.Body)
	for k, vs := range r.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return n
}

// Entry 一条缓存记录: 响应 + 写入时间
type Entry struct {
	Key      string    `json:"key"`
	Response Response  `json:"response"`
	CachedAt time.Time `json:"cached_at"` // 由存储层在写入时赋值
}

// Substrate 缓存存储底座
// 所有操作单条原子；同一个 key 的并发写入以最后一次为准
type Substrate interface {
	// Open 创建命名存储（已存在则什么都不做）
	Open(ctx context.Context, name string) error
	// Get 读取条目，不存在时返回 ErrNotFound
	Get(ctx context.Context, name, key string) (*Entry, error)
	// Put 写入条目，CachedAt 由存储层打上时间戳
	// 存储不存在时返回 ErrStoreNotOpen，不会重新创建已删除的存储
	Put(ctx context.Context, name, key string, resp Response) error
	// Delete 删除条目，删除不存在的 key 不是错误
	Delete(ctx context.Context, name, key string) error
	// Keys 列出存储中的所有 key
	Keys(ctx context.Context, name string) ([]string, error)
	// StoreNames 列出所有存储名
	StoreNames(ctx context.Context) ([]string, error)
	// DeleteStore 整体删除一个存储
	DeleteStore(ctx context.Context, name string) error
}

// Name 拼出 "<class>-<tag>" 形式的存储名
func Name(class, tag string) string {
	return class + "-" + tag
}

// ParseName 拆分存储名为 class 和版本号
func ParseName(name string) (class, tag string, ok bool) {
	i := strings.IndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Clock 时间来源
type Clock func() time.Time

type options struct {
	now Clock
}

// Option 存储配置项
type Option func(*options)

// WithClock 替换写入时间戳的时钟（测试用）
func WithClock(now Clock) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func requireName(name string) error {
	if name == "" {
		return fmt.Errorf("store name is required")
	}
	return nil
}
