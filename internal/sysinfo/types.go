package sysinfo

import "time"

// Overview 主机概览
type Overview struct {
	Host   string `json:"host"`
	OS     string `json:"os"`
	Kernel string `json:"kernel"`
	Uptime string `json:"uptime"`
	Load   string `json:"load"`
}

// ResourceGauge 单项资源使用率
type ResourceGauge struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	UsedPct    float64 `json:"usedPct"`
	UsedLabel  string  `json:"usedLabel"`
	TotalLabel string  `json:"totalLabel"`
	Tone       string  `json:"tone,omitempty"`
}

// ProcessStat 当前服务进程的资源占用
type ProcessStat struct {
	PID        int32   `json:"pid"`
	CPU        float64 `json:"cpu"`
	RSS        string  `json:"rss"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
	FDLimit    uint64  `json:"fdLimit,omitempty"` // 投递目录监听与 SQLite 都占用句柄
}

// Snapshot 健康检查使用的系统快照
type Snapshot struct {
	Overview    Overview        `json:"overview"`
	Gauges      []ResourceGauge `json:"gauges"`
	Process     ProcessStat     `json:"process"`
	CollectedAt time.Time       `json:"collectedAt"`
}

// Gauge 按 ID 查找仪表项
func (s Snapshot) Gauge(id string) (ResourceGauge, bool) {
	for _, g := range s.Gauges {
		if g.ID == id {
			return g, true
		}
	}
	return ResourceGauge{}, false
}
