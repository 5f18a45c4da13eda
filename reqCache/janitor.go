package reqCache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jakepeg/doo-journal-sub000/metrics"
	"github.com/jakepeg/doo-journal-sub000/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSweepConcurrency = 4

// SweepResult 一次清理的结果
type SweepResult struct {
	Stores   int            `json:"stores"`
	Scanned  int            `json:"scanned"`
	Evicted  map[string]int `json:"evicted"` // 按类别统计
	Duration time.Duration  `json:"duration"`
}

// Janitor 定期删除过期条目，不会重新请求
// 条目按写入它的规则的缓存时间过期，而不是类别里最长的那个
// 可以并发调用，删除已经不存在的 key 不算错误
type Janitor struct {
	cache       *Cache
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewJanitor concurrency 是同时清理的存储数
func NewJanitor(cache *Cache, concurrency int, m *metrics.Metrics, logger *zap.Logger) *Janitor {
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Janitor{
		cache:       cache,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With(zap.String("component", "janitor")),
	}
}

// Sweep 清理当前版本的所有存储
// 单个存储失败不影响其它存储，所有错误合并返回
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	result := SweepResult{Evicted: make(map[string]int)}

	names, err := j.cache.Store().StoreNames(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list stores: %w", err)
	}

	generation := j.cache.Generation()
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)

	for _, name := range names {
		class, tag, ok := store.ParseName(name)
		if !ok || tag != generation {
			// 旧版本的存储由生命周期管理删除
			continue
		}
		if _, ok := j.cache.Router().ClassMaxAge(class); !ok {
			j.logger.Debug("skipping store with unknown class", zap.String("store", name))
			continue
		}

		name, class := name, class
		g.Go(func() error {
			scanned, evicted, err := j.sweepStore(gctx, name, class)

			mu.Lock()
			defer mu.Unlock()
			result.Stores++
			result.Scanned += scanned
			if evicted > 0 {
				result.Evicted[class] += evicted
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	j.metrics.RecordSweep(result.Evicted, result.Duration)

	total := 0
	for _, n := range result.Evicted {
		total += n
	}
	j.logger.Info("sweep finished",
		zap.String("generation", generation),
		zap.Int("stores", result.Stores),
		zap.Int("scanned", result.Scanned),
		zap.Int("evicted", total),
		zap.Duration("duration", result.Duration))

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

// sweepStore 每个条目按它所属规则的缓存时间判断是否过期
func (j *Janitor) sweepStore(ctx context.Context, name, class string) (int, int, error) {
	keys, err := j.cache.Store().Keys(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to list keys of %s: %w", name, err)
	}

	scanned, evicted := 0, 0
	now := j.cache.now()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return scanned, evicted, err
		}
		scanned++

		e, err := j.cache.Store().Get(ctx, name, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			j.logger.Warn("failed to read entry", zap.String("store", name), zap.String("key", key), zap.Error(err))
			continue
		}
		maxAge, _ := j.cache.Router().EntryMaxAge(class, key)
		if IsFresh(e, maxAge, now) {
			continue
		}
		if err := j.cache.Store().Delete(ctx, name, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			j.logger.Warn("failed to evict entry", zap.String("store", name), zap.String("key", key), zap.Error(err))
			continue
		}
		evicted++
	}
	return scanned, evicted, nil
}
