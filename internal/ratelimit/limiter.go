// 本文件用于外部依赖调用的限流调度 并发上限 最小间隔 与可补充的容量池共同约束调用速率
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quote-intake/internal/metrics"
)

const (
	// DefaultPriority 调用方未指定时的优先级
	DefaultPriority = 5
	minPriority     = 0
	maxPriority     = 9
)

// ErrStopped 限流器已停止
var ErrStopped = errors.New("rate limiter stopped")

// Options 单个依赖类别的限流参数 零值表示不限制该维度
type Options struct {
	MaxConcurrent    int
	MinTime          time.Duration
	ReservoirSize    int
	ReservoirRefresh time.Duration
}

// Stats 限流器运行快照
type Stats struct {
	Name       string `json:"name"`
	Queued     int    `json:"queued"`
	Running    int    `json:"running"`
	Dispatched uint64 `json:"dispatched"`
	Reservoir  int    `json:"reservoir"`
}

type job struct {
	ctx      context.Context
	fn       func(context.Context) error
	priority int
	weight   int
	seq      uint64
	enqueued time.Time
	done     chan error
	index    int
}

// Limiter 只负责整形调用速率 重试由底层客户端自行处理
type Limiter struct {
	name    string
	opts    Options
	spacing *rate.Limiter
	metrics *metrics.Collector

	mu         sync.Mutex
	queue      jobQueue
	running    int
	reservoir  int
	seq        uint64
	dispatched uint64
	stopped    bool

	wake   chan struct{}
	stopCh chan struct{}
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// New 创建并启动限流器
func New(name string, opts Options) *Limiter {
	return newLimiter(name, opts, metrics.Global())
}

func newLimiter(name string, opts Options, collector *metrics.Collector) *Limiter {
	if opts.MaxConcurrent < 0 {
		opts.MaxConcurrent = 0
	}
	if opts.ReservoirSize < 0 {
		opts.ReservoirSize = 0
	}
	limit := rate.Inf
	if opts.MinTime > 0 {
		limit = rate.Every(opts.MinTime)
	}
	l := &Limiter{
		name:      name,
		opts:      opts,
		spacing:   rate.NewLimiter(limit, 1),
		metrics:   collector,
		reservoir: opts.ReservoirSize,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	l.loopWG.Add(1)
	go l.dispatchLoop()
	return l
}

// Name 返回依赖类别名
func (l *Limiter) Name() string {
	return l.name
}

// Schedule 排队执行 fn 超载时只会排队等待 不会拒绝
// ctx 取消时若任务仍在队列中则移出队列并返回 ctx.Err()
func (l *Limiter) Schedule(ctx context.Context, priority, weight int, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("nil job")
	}
	if l == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	j := &job{
		ctx:      ctx,
		fn:       fn,
		priority: clampPriority(priority),
		weight:   l.normalizeWeight(weight),
		enqueued: time.Now(),
		done:     make(chan error, 1),
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.seq++
	j.seq = l.seq
	heap.Push(&l.queue, j)
	l.publishLocked()
	l.mu.Unlock()
	l.notify()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if j.index >= 0 {
			heap.Remove(&l.queue, j.index)
			l.publishLocked()
			l.mu.Unlock()
			l.notify()
			return ctx.Err()
		}
		l.mu.Unlock()
		// 已经派发 等待执行结果
		return <-j.done
	}
}

// Do 带返回值的调度封装
func Do[T any](ctx context.Context, l *Limiter, priority, weight int, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Schedule(ctx, priority, weight, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Stats 返回当前快照
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Name:       l.name,
		Queued:     l.queue.Len(),
		Running:    l.running,
		Dispatched: l.dispatched,
		Reservoir:  l.reservoir,
	}
}

// Stop 停止派发 排队中的任务返回 ErrStopped 等待运行中的任务结束
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	pending := make([]*job, 0, l.queue.Len())
	for l.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&l.queue).(*job))
	}
	l.publishLocked()
	l.mu.Unlock()

	close(l.stopCh)
	for _, j := range pending {
		j.done <- ErrStopped
	}
	l.loopWG.Wait()
	l.runWG.Wait()
}

func (l *Limiter) dispatchLoop() {
	defer l.loopWG.Done()

	var refill <-chan time.Time
	if l.reservoirEnabled() {
		ticker := time.NewTicker(l.opts.ReservoirRefresh)
		defer ticker.Stop()
		refill = ticker.C
	}

	for {
		j, delay := l.next(time.Now())
		if j != nil {
			l.run(j)
			continue
		}
		var timer *time.Timer
		var due <-chan time.Time
		if delay > 0 {
			timer = time.NewTimer(delay)
			due = timer.C
		}
		select {
		case <-l.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.wake:
		case <-due:
		case <-refill:
			l.mu.Lock()
			l.reservoir = l.opts.ReservoirSize
			l.publishLocked()
			l.mu.Unlock()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next 在并发槽位 容量池与最小间隔都满足时取出队首任务
// 间隔未到时返回需要等待的时长 任务留在队列中 期间到达的高优先级任务可以先行
func (l *Limiter) next(now time.Time) (*job, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.queue.Len() == 0 {
		return nil, 0
	}
	if l.opts.MaxConcurrent > 0 && l.running >= l.opts.MaxConcurrent {
		return nil, 0
	}
	head := l.queue[0]
	if l.reservoirEnabled() && l.reservoir < head.weight {
		return nil, 0
	}
	if delay := l.spacingDelay(now); delay > 0 {
		return nil, delay
	}
	// 间隔从实际派发时刻起算
	l.spacing.AllowN(now, 1)
	j := heap.Pop(&l.queue).(*job)
	l.running++
	if l.reservoirEnabled() {
		l.reservoir -= j.weight
	}
	l.publishLocked()
	return j, 0
}

func (l *Limiter) spacingDelay(now time.Time) time.Duration {
	if l.opts.MinTime <= 0 {
		return 0
	}
	tokens := l.spacing.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	delay := time.Duration((1 - tokens) / float64(l.spacing.Limit()) * float64(time.Second))
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}

func (l *Limiter) run(j *job) {
	l.mu.Lock()
	l.dispatched++
	l.mu.Unlock()
	l.metrics.ObserveDispatch(l.name, time.Since(j.enqueued))

	l.runWG.Add(1)
	go func() {
		defer l.runWG.Done()
		err := j.fn(j.ctx)
		l.mu.Lock()
		l.running--
		l.publishLocked()
		l.mu.Unlock()
		l.notify()
		j.done <- err
	}()
}

// 容量池需要同时配置大小与补充周期 否则耗尽后永远不会恢复
func (l *Limiter) reservoirEnabled() bool {
	return l.opts.ReservoirSize > 0 && l.opts.ReservoirRefresh > 0
}

func (l *Limiter) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Limiter) publishLocked() {
	l.metrics.SetLimiterStats(l.name, l.queue.Len(), l.running)
}

func (l *Limiter) normalizeWeight(weight int) int {
	if weight <= 0 {
		weight = 1
	}
	// 权重超过容量池时永远无法派发
	if l.reservoirEnabled() && weight > l.opts.ReservoirSize {
		weight = l.opts.ReservoirSize
	}
	return weight
}

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// jobQueue 优先级小的先出 同优先级按入队顺序
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, k int) bool {
	if q[i].priority != q[k].priority {
		return q[i].priority < q[k].priority
	}
	return q[i].seq < q[k].seq
}

func (q jobQueue) Swap(i, k int) {
	q[i], q[k] = q[k], q[i]
	q[i].index = i
	q[k].index = k
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}
