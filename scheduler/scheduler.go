package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job 周期任务
type Job func(ctx context.Context) error

// Scheduler 尽力而为的定时触发器
// 同一个任务上一次还没执行完时，本次触发直接跳过
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New 创建调度器, Stop 之后不能再添加任务
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Every 每隔 period 执行一次 job
func (s *Scheduler) Every(name string, period time.Duration, job Job) error {
	if period <= 0 {
		return errors.New("period must be positive")
	}
	if s.ctx.Err() != nil {
		return errors.New("scheduler stopped")
	}

	s.wg.Add(1)
	go s.loop(name, period, job)
	s.logger.Info("scheduled job", zap.String("job", name), zap.Duration("period", period))
	return nil
}

func (s *Scheduler) loop(name string, period time.Duration, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var running atomic.Bool
	var runs sync.WaitGroup
	defer runs.Wait()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				s.logger.Warn("previous run still in progress, skipping", zap.String("job", name))
				continue
			}
			runs.Add(1)
			go func() {
				defer runs.Done()
				defer running.Store(false)
				s.run(name, job)
			}()
		}
	}
}

func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := job(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// Stop 取消正在执行的任务并等待它们退出
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
