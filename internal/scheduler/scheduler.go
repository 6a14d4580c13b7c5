// 本文件用于周期任务调度 陈旧询价巡检等后台任务都注册在这里
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"quote-intake/internal/logger"
)

// DefaultSweepExpr 陈旧询价巡检的默认周期
const DefaultSweepExpr = "@every 1h"

// Job 单次执行的任务体 超时由调度器控制
type Job func(ctx context.Context) error

// Scheduler 包装 cron 同一任务上一轮未结束时跳过本轮
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// cronLogger 把 cron 内部日志接到项目日志
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: %s %v err=%v", msg, keysAndValues, err)
}

// New timeout 为单次任务的执行上限 小于等于 0 时不限制
func New(timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add 注册任务 expr 为空时使用默认周期 同名任务重复注册报错
func (s *Scheduler) Add(name, expr string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return fmt.Errorf("scheduler job name and body are required")
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSweepExpr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("scheduler job %s already registered", name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	s.entries[name] = id
	logger.Info("周期任务已注册: name=%s expr=%s", name, expr)
	return nil
}

// RunNow 立即同步执行一次已注册的任务体 用于启动时预热
func (s *Scheduler) RunNow(name string, job Job) {
	s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := job(ctx); err != nil {
		logger.Warn("周期任务失败: name=%s cost=%s err=%v", name, time.Since(start), err)
		return
	}
	logger.Debug("周期任务完成: name=%s cost=%s", name, time.Since(start))
}

// Next 返回任务下一次执行时间 未注册时返回零值
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 取消进行中的任务并等待其退出
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
