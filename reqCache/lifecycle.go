package reqCache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/jakepeg/doo-journal-sub000/generation"
	"github.com/jakepeg/doo-journal-sub000/metrics"
	"github.com/jakepeg/doo-journal-sub000/retry"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
)

// PrecacheClass 预缓存条目（应用外壳）写入的存储类别
const PrecacheClass = ClassStatic

// Lifecycle 版本生命周期: 新版本启动时建存储、预缓存；激活时删除旧版本的存储
type Lifecycle struct {
	cache    *Cache
	precache []string
	retryer  *retry.Retryer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu sync.Mutex // 同一时间只跑一次生命周期
}

// NewLifecycle 创建生命周期管理器, precache 是需要预先写入的绝对 URL
func NewLifecycle(cache *Cache, precache []string, retryer *retry.Retryer, m *metrics.Metrics, logger *zap.Logger) *Lifecycle {
	if retryer == nil {
		retryer = retry.NewRetryer(nil, logger)
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Lifecycle{
		cache:    cache,
		precache: append([]string(nil), precache...),
		retryer:  retryer,
		metrics:  m,
		logger:   logger.With(zap.String("component", "lifecycle")),
	}
}

// RequiredStores 某个版本需要的全部存储名
func (l *Lifecycle) RequiredStores(tag string) []string {
	classes := l.cache.Router().Classes()
	seen := make(map[string]bool, len(classes)+1)
	var names []string
	for _, class := range append(classes, PrecacheClass) {
		name := store.Name(class, tag)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Run 启动并激活一个版本
func (l *Lifecycle) Run(ctx context.Context, tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.start(ctx, tag); err != nil {
		return err
	}
	return l.activate(ctx, tag)
}

// Start 创建新版本的存储并预缓存
func (l *Lifecycle) Start(ctx context.Context, tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start(ctx, tag)
}

// Activate 切换到新版本并删除其它版本的存储
func (l *Lifecycle) Activate(ctx context.Context, tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activate(ctx, tag)
}

func (l *Lifecycle) start(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New("generation tag is required")
	}
	for _, name := range l.RequiredStores(tag) {
		if err := l.cache.Store().Open(ctx, name); err != nil {
			return fmt.Errorf("failed to open store %s: %w", name, err)
		}
	}

	target := store.Name(PrecacheClass, tag)
	stored := 0
	for _, rawURL := range l.precache {
		if err := l.precacheOne(ctx, target, rawURL); err != nil {
			// 单个失败不影响其它条目
			l.logger.Warn("precache failed",
				zap.String("generation", tag),
				zap.String("url", rawURL),
				zap.Error(err))
			continue
		}
		stored++
	}

	l.logger.Info("generation started",
		zap.String("generation", tag),
		zap.Int("precached", stored),
		zap.Int("precache_total", len(l.precache)))
	return nil
}

func (l *Lifecycle) precacheOne(ctx context.Context, name, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid precache url: %w", err)
	}
	key := Key(req)

	return l.retryer.Execute(ctx, func(ctx context.Context) error {
		resp, err := l.cache.fetch(ctx, req.WithContext(ctx))
		if err != nil {
			return err
		}
		if !cacheable(resp) {
			return fmt.Errorf("unexpected status %d", resp.Status)
		}
		return l.cache.Store().Put(ctx, name, key, *resp)
	})
}

func (l *Lifecycle) activate(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New("generation tag is required")
	}
	l.cache.SetGeneration(tag)

	names, err := l.cache.Store().StoreNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stores: %w", err)
	}

	var errs []error
	deleted := 0
	for _, name := range names {
		if _, t, ok := store.ParseName(name); ok && t == tag {
			continue
		}
		if err := l.cache.Store().DeleteStore(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete store %s: %w", name, err))
			continue
		}
		deleted++
		l.metrics.RecordStoreDeleted()
		l.logger.Info("deleted stale store", zap.String("store", name))
	}

	l.logger.Info("generation activated",
		zap.String("generation", tag),
		zap.Int("deleted_stores", deleted))
	return errors.Join(errs...)
}

// Follow 跟随版本来源，每次出现新的版本号就重新运行生命周期，直到 ctx 结束
func (l *Lifecycle) Follow(ctx context.Context, src generation.Source) error {
	updates, err := src.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch generation: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tag, ok := <-updates:
			if !ok {
				return nil
			}
			if tag == "" || tag == l.cache.Generation() {
				continue
			}
			l.logger.Info("new generation announced", zap.String("generation", tag))
			if err := l.Run(ctx, tag); err != nil {
				l.logger.Error("generation lifecycle failed",
					zap.String("generation", tag),
					zap.Error(err))
			}
		}
	}
}
