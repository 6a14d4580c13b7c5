package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
)

// 外部依赖类别 每个类别一个限流实例
const (
	ClassLLM       = "llm"
	ClassDirectory = "directory"
	ClassEmail     = "email"
	ClassWeb       = "web"
)

var defaultOptions = map[string]Options{
	ClassLLM:       {MaxConcurrent: 2, MinTime: 200 * time.Millisecond, ReservoirSize: 50, ReservoirRefresh: time.Minute},
	ClassDirectory: {MaxConcurrent: 2, MinTime: 100 * time.Millisecond, ReservoirSize: 100, ReservoirRefresh: time.Minute},
	ClassEmail:     {MaxConcurrent: 1, MinTime: 500 * time.Millisecond, ReservoirSize: 30, ReservoirRefresh: time.Minute},
	ClassWeb:       {MaxConcurrent: 4, MinTime: 50 * time.Millisecond},
}

// Registry 按依赖类别持有限流器
type Registry struct {
	mu       sync.Mutex
	options  map[string]Options
	limiters map[string]*Limiter
	metrics  *metrics.Collector
}

// NewRegistry 根据配置构建注册表 未配置的类别使用内置默认值
func NewRegistry(cfg map[string]models.LimitConfig, collector *metrics.Collector) (*Registry, error) {
	options := make(map[string]Options, len(defaultOptions))
	for class, opts := range defaultOptions {
		options[class] = opts
	}
	for class, lc := range cfg {
		opts, err := ParseOptions(lc)
		if err != nil {
			return nil, fmt.Errorf("限流配置 %s 解析失败: %w", class, err)
		}
		options[strings.ToLower(strings.TrimSpace(class))] = opts
	}
	return &Registry{
		options:  options,
		limiters: make(map[string]*Limiter),
		metrics:  collector,
	}, nil
}

// ParseOptions 把配置文件中的字符串时长转成 Options
func ParseOptions(lc models.LimitConfig) (Options, error) {
	opts := Options{
		MaxConcurrent: lc.MaxConcurrent,
		ReservoirSize: lc.ReservoirSize,
	}
	if s := strings.TrimSpace(lc.MinTime); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return opts, fmt.Errorf("min_time 非法: %w", err)
		}
		opts.MinTime = d
	}
	if s := strings.TrimSpace(lc.ReservoirRefresh); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return opts, fmt.Errorf("reservoir_refresh 非法: %w", err)
		}
		opts.ReservoirRefresh = d
	}
	return opts, nil
}

// Get 返回类别对应的限流器 首次访问时创建
func (r *Registry) Get(class string) *Limiter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[class]; ok {
		return l
	}
	l := newLimiter(class, r.options[class], r.metrics)
	r.limiters[class] = l
	return l
}

// Stats 返回所有已创建限流器的快照 按名称排序
func (r *Registry) Stats() []Stats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop 停止全部限流器
func (r *Registry) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	limiters := r.limiters
	r.limiters = make(map[string]*Limiter)
	r.mu.Unlock()
	for _, l := range limiters {
		l.Stop()
	}
}
