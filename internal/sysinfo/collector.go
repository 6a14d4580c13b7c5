// 本文件用于采集健康检查所需的主机与进程资源快照
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const defaultCacheTTL = 2 * time.Second

// Options 采集器参数 DataDir 为空时磁盘仪表使用当前目录
type Options struct {
	CacheTTL time.Duration
	DataDir  string
}

type cpuSample struct {
	total float64
	idle  float64
}

// Collector 带短缓存的快照采集器 频繁的健康检查不会反复采样
type Collector struct {
	mu       sync.Mutex
	cacheTTL time.Duration
	dataDir  string
	started  time.Time

	lastSnapshot   Snapshot
	lastSnapshotAt time.Time
	lastCPU        cpuSample
}

func NewCollector(opts Options) *Collector {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	dir := strings.TrimSpace(opts.DataDir)
	if dir == "" {
		dir = "."
	}
	return &Collector{cacheTTL: ttl, dataDir: dir, started: time.Now()}
}

// Snapshot 单项采集失败时填充占位值 不返回错误
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()
	c.mu.Lock()
	if !c.lastSnapshotAt.IsZero() && now.Sub(c.lastSnapshotAt) < c.cacheTTL {
		snap := c.lastSnapshot
		c.mu.Unlock()
		return snap
	}
	prevCPU := c.lastCPU
	c.mu.Unlock()

	cpuPct, currCPU := collectCPUUsage(ctx, prevCPU)
	snap := Snapshot{
		Overview: collectOverview(ctx),
		Gauges: []ResourceGauge{
			cpuGauge(cpuPct),
			collectMemoryGauge(ctx),
			collectDiskGauge(ctx, c.dataDir),
		},
		Process:     collectProcess(ctx, c.started),
		CollectedAt: now.UTC(),
	}

	c.mu.Lock()
	c.lastCPU = currCPU
	c.lastSnapshot = snap
	c.lastSnapshotAt = now
	c.mu.Unlock()
	return snap
}

func collectOverview(ctx context.Context) Overview {
	out := Overview{Host: "--", OS: runtime.GOOS, Kernel: "--", Uptime: "--", Load: "--"}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out.Host = fallbackString(info.Hostname, "--")
		if name := strings.TrimSpace(info.Platform + " " + info.PlatformVersion); name != "" {
			out.OS = name
		}
		out.Kernel = fallbackString(info.KernelVersion, "--")
		out.Uptime = formatDurationCN(time.Duration(info.Uptime) * time.Second)
	} else if name, err := os.Hostname(); err == nil {
		out.Host = name
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load = fmt.Sprintf("%.2f / %.2f / %.2f", avg.Load1, avg.Load5, avg.Load15)
	}
	return out
}

// collectCPUUsage 基于两次采样的差值计算 首次采样退化为短间隔阻塞采样
func collectCPUUsage(ctx context.Context, prev cpuSample) (float64, cpuSample) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return 0, cpuSample{}
	}
	t := times[0]
	curr := cpuSample{
		total: t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal,
		idle:  t.Idle + t.Iowait,
	}
	if prev.total <= 0 {
		if pcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pcts) > 0 {
			return clampPct(pcts[0]), curr
		}
		return 0, curr
	}
	deltaTotal := curr.total - prev.total
	if deltaTotal <= 0 {
		return 0, curr
	}
	return clampPct((deltaTotal - (curr.idle - prev.idle)) / deltaTotal * 100), curr
}

func cpuGauge(pct float64) ResourceGauge {
	return ResourceGauge{
		ID:         "cpu",
		Label:      "CPU",
		UsedPct:    pct,
		UsedLabel:  fmt.Sprintf("%.1f%%", pct),
		TotalLabel: fmt.Sprintf("%d 核", runtime.NumCPU()),
		Tone:       usageTone(pct),
	}
}

func collectMemoryGauge(ctx context.Context) ResourceGauge {
	g := ResourceGauge{ID: "memory", Label: "内存", UsedLabel: "--", TotalLabel: "总计 --"}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return g
	}
	g.UsedPct = clampPct(vm.UsedPercent)
	g.UsedLabel = formatBytes(float64(vm.Used))
	g.TotalLabel = "总计 " + formatBytes(float64(vm.Total))
	g.Tone = usageTone(g.UsedPct)
	return g
}

// collectDiskGauge 数据目录所在分区 SQLite 与队列文件都写在这里
func collectDiskGauge(ctx context.Context, dir string) ResourceGauge {
	g := ResourceGauge{ID: "disk", Label: "数据盘", UsedLabel: "--", TotalLabel: "总计 --"}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return g
	}
	g.UsedPct = clampPct(usage.UsedPercent)
	g.UsedLabel = formatBytes(float64(usage.Used))
	g.TotalLabel = "总计 " + formatBytes(float64(usage.Total))
	g.Tone = usageTone(g.UsedPct)
	return g
}

func collectProcess(ctx context.Context, started time.Time) ProcessStat {
	pid := int32(os.Getpid())
	out := ProcessStat{
		PID:        pid,
		RSS:        "--",
		Goroutines: runtime.NumGoroutine(),
		Uptime:     formatDurationCN(time.Since(started)),
		FDLimit:    openFileLimit(),
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return out
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		out.RSS = formatBytes(float64(info.RSS))
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		out.Threads = n
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		out.CPU = clampPct(pct)
	}
	return out
}
