package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jakepeg/doo-journal-sub000/store/evict"
	"go.uber.org/zap"
)

// entryValue 让 Entry 满足 evict.Value
type entryValue struct {
	entry *Entry
}

func (v entryValue) Len() int {
	return v.entry.Response.Len()
}

// MemoryStore 进程内存储，每个命名存储有自己的容量上限
type MemoryStore struct {
	mu       sync.Mutex
	stores   map[string]evict.Policy
	maxBytes int64 // 单个存储允许使用的最大内存, 0 表示不限制
	factory  evict.Factory
	opts     options
	logger   *zap.Logger
}

// NewMemoryStore 创建内存存储，factory 为空时使用 LRU
func NewMemoryStore(maxBytes int64, factory evict.Factory, logger *zap.Logger, opts ...Option) *MemoryStore {
	if factory == nil {
		factory = evict.NewLRU
	}
	if logger == nil {
		logger = zap.L()
	}
	return &MemoryStore{
		stores:   make(map[string]evict.Policy),
		maxBytes: maxBytes,
		factory:  factory,
		opts:     buildOptions(opts),
		logger:   logger.With(zap.String("component", "memory_store")),
	}
}

// policy 获取或创建命名存储，调用方需持有锁
func (m *MemoryStore) policy(name string) evict.Policy {
	p, ok := m.stores[name]
	if !ok {
		store := name
		p = m.factory(m.maxBytes, func(key string, _ evict.Value) {
			m.logger.Debug("capacity eviction",
				zap.String("store", store),
				zap.String("key", key))
		})
		m.stores[name] = p
	}
	return p
}

func (m *MemoryStore) Open(_ context.Context, name string) error {
	if err := requireName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy(name)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.stores[name]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := p.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(entryValue).entry
	return &Entry{Key: e.Key, Response: e.Response.Clone(), CachedAt: e.CachedAt}, nil
}

// Put 写入时整体替换条目，读者只会看到完整的旧值或新值
func (m *MemoryStore) Put(_ context.Context, name, key string, resp Response) error {
	if err := requireName(name); err != nil {
		return err
	}
	e := &Entry{Key: key, Response: resp.Clone(), CachedAt: m.opts.now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.stores[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotOpen, name)
	}
	p.Add(key, entryValue{entry: e})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.stores[name]; ok {
		p.Remove(key)
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.stores[name]
	if !ok {
		return nil, nil
	}
	return p.Keys(), nil
}

func (m *MemoryStore) StoreNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeleteStore(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, name)
	return nil
}

// Bytes 返回某个存储当前占用的字节数
func (m *MemoryStore) Bytes(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.stores[name]; ok {
		return p.Bytes()
	}
	return 0
}

var _ Substrate = (*MemoryStore)(nil)
