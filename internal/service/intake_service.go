package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quote-intake/internal/api"
	"quote-intake/internal/inbox"
	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/persistqueue"
	"quote-intake/internal/ratelimit"
	"quote-intake/internal/scheduler"
	"quote-intake/internal/sysinfo"
	"quote-intake/internal/worker"
)

const (
	jobTimeout        = 5 * time.Minute
	gaugeRefreshExpr  = "@every 30s"
	maxFailureReasons = 20
	systemCacheTTL    = 5 * time.Second
)

// IntakeService 报价受理守护进程
/**
字段含义：
core 持有数据库 分类器与工作流
queue 持久化尚未确认的投递文件 进程重启后由 pool 恢复
pool 串起 processor 与 coordinator 每个元素是一个投递文件路径
spool 监听投递目录 写入稳定后提交给 pool
cron 负责陈旧询价巡检与队列指标刷新
*/
type IntakeService struct {
	config    *models.Config
	core      *Core
	queue     *persistqueue.FileQueue
	pool      *worker.Pool
	processor *inbox.Processor
	spool     *inbox.Spool
	cron      *scheduler.Scheduler
	server    *api.Server
	system    *sysinfo.Collector

	queueFullTotal atomic.Uint64
	failureTotal   atomic.Uint64
	reasonMu       sync.Mutex
	failReasons    map[string]uint64

	settingsMu sync.Mutex
}

// FailureReason 失败原因计数
type FailureReason struct {
	Reason string `json:"reason"`
	Count  uint64 `json:"count"`
}

// PersistQueueHealth 持久化队列健康指标
type PersistQueueHealth struct {
	Enabled bool `json:"enabled"`
	persistqueue.HealthStats
}

// HealthSnapshot 服务健康快照
type HealthSnapshot struct {
	Queue          worker.Stats       `json:"queue"`
	QueueFullTotal uint64             `json:"queueFullTotal"`
	FailureTotal   uint64             `json:"failureTotal"`
	FailureReasons []FailureReason    `json:"failureReasons"`
	PersistQueue   PersistQueueHealth `json:"persistQueue"`
	Limits         []ratelimit.Stats  `json:"limits"`
}

// NewIntakeService 构造并连接所有组件 不启动监听
func NewIntakeService(cfg *models.Config) (*IntakeService, error) {
	core, err := NewCore(cfg)
	if err != nil {
		return nil, err
	}
	s := &IntakeService{
		config:      cfg,
		core:        core,
		failReasons: make(map[string]uint64),
		system:      sysinfo.NewCollector(sysinfo.Options{CacheTTL: systemCacheTTL, DataDir: cfg.DataDir}),
	}
	if err := s.wire(); err != nil {
		s.closeRuntime()
		core.Close()
		return nil, err
	}
	return s, nil
}

func (s *IntakeService) wire() error {
	cfg := s.config
	queue, err := persistqueue.NewFileQueue(cfg.InboxPersistFile)
	if err != nil {
		return fmt.Errorf("初始化持久化队列失败: %w", err)
	}
	s.queue = queue

	opts := inbox.Options{Dir: cfg.InboxDir, ProcessedDir: cfg.InboxProcessedDir}
	s.processor = inbox.NewProcessor(opts, s.handleEmail)

	// 恢复的条目会在 NewPool 内重新入队
	pool, err := worker.NewPool(cfg.InboxWorkers, cfg.InboxQueueSize, s.processFile, queue)
	if err != nil {
		return fmt.Errorf("初始化工作池失败: %w", err)
	}
	s.pool = pool
	if recovered := pool.Stats().Recovered; recovered > 0 {
		queue.RecordRecovered(recovered)
	}

	spool, err := inbox.NewSpool(opts, &countingSubmitter{pool: pool, svc: s})
	if err != nil {
		return fmt.Errorf("初始化投递目录监听失败: %w", err)
	}
	s.spool = spool

	s.cron = scheduler.New(jobTimeout)
	if err := s.cron.Add("rfq_sweep", cfg.RFQSweepCron, s.sweepStale); err != nil {
		return fmt.Errorf("注册陈旧询价巡检失败: %w", err)
	}
	if err := s.cron.Add("queue_gauge", gaugeRefreshExpr, s.refreshGauges); err != nil {
		return fmt.Errorf("注册队列指标刷新失败: %w", err)
	}

	s.server = api.NewServer(cfg, api.Deps{
		Workflow:  s.core.Coordinator,
		Audit:     s.core.Store,
		KB:        s.core.KB,
		Retriever: s.core.Retriever,
		Metrics:   s.core.Metrics,
		System:    s.system,
		Queue:     s.pool.Stats,
		Limits:    s.core.Limits.Stats,
		Settings:  s,
	})
	return nil
}

// Start 启动投递目录监听 周期任务与 API
func (s *IntakeService) Start() error {
	logger.Info("启动报价受理服务...")
	// 已在持久化队列里的文件不再重复提交
	if err := s.spool.Start(s.queue.Items()); err != nil {
		return fmt.Errorf("启动投递目录监听失败: %w", err)
	}
	s.cron.Start()
	s.server.Start()
	logger.Info("报价受理服务启动成功 投递目录: %s", s.config.InboxDir)
	return nil
}

// Stop 按依赖逆序关闭 先停入口再停工作池
func (s *IntakeService) Stop(ctx context.Context) error {
	logger.Info("停止报价受理服务...")
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("关闭 API 服务失败: %v", err)
	}
	s.closeRuntime()
	s.core.Close()
	logger.Info("报价受理服务已停止")
	return nil
}

func (s *IntakeService) closeRuntime() {
	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			logger.Error("关闭投递目录监听失败: %v", err)
		}
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.pool != nil {
		s.pool.Shutdown()
	}
}

// processFile 工作池回调 一个元素对应一个投递文件
func (s *IntakeService) processFile(ctx context.Context, path string) error {
	if err := s.processor.Process(ctx, path); err != nil {
		s.recordFailure(err)
		return err
	}
	return nil
}

func (s *IntakeService) handleEmail(ctx context.Context, email models.InboundEmail) error {
	out, err := s.core.Coordinator.HandleEmail(ctx, email)
	if err != nil {
		return err
	}
	if len(out.Warnings) > 0 {
		logger.Warn("邮件处理有告警: email=%s request=%s warnings=%s",
			out.EmailID, out.RequestID, strings.Join(out.Warnings, "; "))
	}
	return nil
}

func (s *IntakeService) sweepStale(ctx context.Context) error {
	report, err := s.core.Coordinator.SweepStale(ctx)
	if err != nil {
		return err
	}
	if report.Count > 0 {
		logger.Warn("陈旧询价 %d 条", report.Count)
	}
	return nil
}

func (s *IntakeService) refreshGauges(_ context.Context) error {
	s.core.Metrics.SetInboxQueueLength(s.pool.Stats().QueueLength)
	return nil
}

// GetStats 工作池状态
func (s *IntakeService) GetStats() worker.Stats {
	if s.pool != nil {
		return s.pool.Stats()
	}
	return worker.Stats{}
}

// Core 返回底层组件 供运维命令复用
func (s *IntakeService) Core() *Core {
	return s.core
}

func (s *IntakeService) recordQueueFull() {
	s.queueFullTotal.Add(1)
}

func (s *IntakeService) recordFailure(err error) {
	s.failureTotal.Add(1)
	reason := "unknown"
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if _, ok := s.failReasons[reason]; !ok && len(s.failReasons) >= maxFailureReasons {
		reason = "other"
	}
	s.failReasons[reason]++
}

// HealthSnapshot 汇总队列 失败原因与限流状态
func (s *IntakeService) HealthSnapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Queue:          s.GetStats(),
		QueueFullTotal: s.queueFullTotal.Load(),
		FailureTotal:   s.failureTotal.Load(),
	}
	s.reasonMu.Lock()
	for reason, count := range s.failReasons {
		snap.FailureReasons = append(snap.FailureReasons, FailureReason{Reason: reason, Count: count})
	}
	s.reasonMu.Unlock()
	sort.Slice(snap.FailureReasons, func(i, j int) bool {
		if snap.FailureReasons[i].Count != snap.FailureReasons[j].Count {
			return snap.FailureReasons[i].Count > snap.FailureReasons[j].Count
		}
		return snap.FailureReasons[i].Reason < snap.FailureReasons[j].Reason
	})
	if s.queue != nil {
		snap.PersistQueue = PersistQueueHealth{Enabled: true, HealthStats: s.queue.HealthStats()}
	}
	if s.core != nil && s.core.Limits != nil {
		snap.Limits = s.core.Limits.Stats()
	}
	return snap
}

// countingSubmitter 记录队列已满次数
type countingSubmitter struct {
	pool inbox.Submitter
	svc  *IntakeService
}

func (c *countingSubmitter) Add(item string) error {
	err := c.pool.Add(item)
	if errors.Is(err, worker.ErrQueueFull) {
		c.svc.recordQueueFull()
	}
	return err
}
