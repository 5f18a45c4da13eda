package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoGeneration 来源里还没有发布过版本号
var ErrNoGeneration = errors.New("no generation published")

// Source 版本号来源
type Source interface {
	// Current 读取当前版本号
	Current(ctx context.Context) (string, error)
	// Watch 监听版本号变化
	// 返回的 channel 先发送当前版本号（如果有），之后每次发布新版本号都会收到通知
	// ctx 结束时 channel 关闭
	Watch(ctx context.Context) (<-chan string, error)
	// Close 关闭来源
	Close() error
}

// Publisher 可以发布新版本号的来源
type Publisher interface {
	Publish(ctx context.Context, tag string) error
}

// Config 版本来源配置
type Config struct {
	Endpoints   []string      // etcd endpoints，为空时使用固定版本号
	DialTimeout time.Duration // 连接超时时间
	Username    string        // 用户名（可选）
	Password    string        // 密码（可选）
	Key         string        // 存放版本号的 key
}

func DefaultConfig() *Config {
	return &Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Key:         "/reqcache/generation",
	}
}

func normalize(tag string) string {
	return strings.TrimSpace(tag)
}

// MemorySource 进程内的版本来源，没有配置 etcd 时使用
type MemorySource struct {
	mu       sync.Mutex
	tag      string
	watchers map[chan string]struct{}
	closed   bool
}

// NewMemorySource tag 为空表示尚未发布
func NewMemorySource(tag string) *MemorySource {
	return &MemorySource{
		tag:      normalize(tag),
		watchers: make(map[chan string]struct{}),
	}
}

func (m *MemorySource) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tag == "" {
		return "", ErrNoGeneration
	}
	return m.tag, nil
}

func (m *MemorySource) Watch(ctx context.Context) (<-chan string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("generation source closed")
	}

	ch := make(chan string, 1)
	if m.tag != "" {
		ch <- m.tag
	}
	m.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Publish 发布新版本号，慢的监听者只会收到最新的值
func (m *MemorySource) Publish(ctx context.Context, tag string) error {
	tag = normalize(tag)
	if tag == "" {
		return errors.New("generation tag is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("generation source closed")
	}
	m.tag = tag
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- tag
	}
	return nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.watchers {
		delete(m.watchers, ch)
		close(ch)
	}
	return nil
}

var (
	_ Source    = (*MemorySource)(nil)
	_ Publisher = (*MemorySource)(nil)
)
