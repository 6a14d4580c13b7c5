// 本文件用于入站邮件的有界工作池 处理成功后才确认持久化队列中的元素
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"quote-intake/internal/logger"
)

var (
	// ErrQueueFull 内存队列已满 元素已从持久化队列回滚
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped 工作池已关闭
	ErrStopped = errors.New("worker pool stopped")
)

// QueueStore 持久化队列
type QueueStore interface {
	Enqueue(item string) error
	RemoveOne(item string) (bool, error)
	RemoveLastOne(item string) (bool, error)
	Items() []string
}

// Handler 处理单个元素 返回 nil 才会确认
type Handler func(ctx context.Context, item string) error

// Stats 工作池状态
type Stats struct {
	QueueLength int    `json:"queueLength"`
	Workers     int    `json:"workers"`
	InFlight    int    `json:"inFlight"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
	Recovered   int    `json:"recovered"`
}

// Pool 工作池
type Pool struct {
	queue   chan string
	workers int
	handler Handler
	store   QueueStore

	wg        sync.WaitGroup
	loopCtx   context.Context
	stopLoop  context.CancelFunc
	jobCtx    context.Context
	cancelJob context.CancelFunc

	mu        sync.Mutex
	stopped   bool
	inFlight  int
	recovered int
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewPool store 可为 nil 此时不做持久化 启动时恢复 store 中尚未确认的元素
func NewPool(workers, queueSize int, handler Handler, store QueueStore) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("worker handler is nil")
	}
	if workers <= 0 {
		workers = 3
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	var pending []string
	if store != nil {
		pending = store.Items()
	}
	if len(pending) > queueSize {
		queueSize = len(pending)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	jobCtx, cancelJob := context.WithCancel(context.Background())
	p := &Pool{
		queue:     make(chan string, queueSize),
		workers:   workers,
		handler:   handler,
		store:     store,
		loopCtx:   loopCtx,
		stopLoop:  stopLoop,
		jobCtx:    jobCtx,
		cancelJob: cancelJob,
		recovered: len(pending),
	}
	for _, item := range pending {
		p.queue <- item
	}
	if len(pending) > 0 {
		logger.Info("恢复未确认的入站任务: %d 个", len(pending))
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("工作池已启动 工作协程数: %d 队列大小: %d", workers, queueSize)
	return p, nil
}

// Add 先持久化再放入内存队列 队列满时撤销持久化并返回 ErrQueueFull
func (p *Pool) Add(item string) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if p.store != nil {
		if err := p.store.Enqueue(item); err != nil {
			return err
		}
	}
	select {
	case p.queue <- item:
		logger.Debug("任务已入队: %s", item)
		return nil
	default:
		if p.store != nil {
			if _, err := p.store.RemoveLastOne(item); err != nil {
				logger.Error("队列已满且回滚持久化失败: %s err=%v", item, err)
			}
		}
		logger.Warn("工作队列已满 无法添加: %s", item)
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.loopCtx.Done():
			return
		case item := <-p.queue:
			p.run(id, item)
		}
	}
}

func (p *Pool) run(id int, item string) {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	start := time.Now()
	if err := p.handler(p.jobCtx, item); err != nil {
		p.failed.Add(1)
		logger.Error("工作协程 %d 处理失败 保留在持久化队列: %s err=%v", id, item, err)
		return
	}
	p.processed.Add(1)
	if p.store != nil {
		if _, err := p.store.RemoveOne(item); err != nil {
			logger.Error("确认任务失败: %s err=%v", item, err)
		}
	}
	logger.Info("工作协程 %d 处理完成: %s 耗时: %v", id, item, time.Since(start))
}

// Stats 返回工作池状态
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueLength: len(p.queue),
		Workers:     p.workers,
		InFlight:    p.inFlight,
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Recovered:   p.recovered,
	}
}

// Shutdown 停止取新任务并等待进行中的任务完成 未处理的元素留在持久化队列
func (p *Pool) Shutdown() {
	p.stop(false)
}

// ShutdownNow 同时取消进行中的任务
func (p *Pool) ShutdownNow() {
	p.stop(true)
}

func (p *Pool) stop(cancelJobs bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	logger.Info("正在关闭工作池...")
	if cancelJobs {
		p.cancelJob()
	}
	p.stopLoop()
	p.wg.Wait()
	p.cancelJob()
	logger.Info("工作池已关闭")
}
