// 本文件用于 Prometheus 指标聚合与导出 将运行时指标统一收口便于监控接入

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quote_intake"

// Collector 聚合运行期指标，注册在独立 registry 上便于测试隔离。
type Collector struct {
	registry *prometheus.Registry

	emailsTotal         *prometheus.CounterVec
	classificationTotal *prometheus.CounterVec
	transitionTotal     *prometheus.CounterVec
	outreachTotal       *prometheus.CounterVec
	rfqUpdateTotal      *prometheus.CounterVec
	retrievalTotal      *prometheus.CounterVec
	limiterQueued       *prometheus.GaugeVec
	limiterRunning      *prometheus.GaugeVec
	limiterDispatched   *prometheus.CounterVec
	limiterWait         *prometheus.HistogramVec
	staleRFQs           prometheus.Gauge
	inboxQueueLength    prometheus.Gauge
}

var (
	globalCollector = NewCollector()
)

// Global 返回进程级全局指标收集器。
func Global() *Collector {
	return globalCollector
}

// NewCollector 创建并注册全部指标
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		emailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Inbound emails processed by outcome.",
		}, []string{"outcome"}),
		classificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Guardrail decisions by decision and whether the LLM fallback ran.",
		}, []string{"decision", "fallback"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Quotation request status transitions.",
		}, []string{"from", "to"}),
		outreachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_outreach_total",
			Help:      "Provider RFQ dispatch attempts by result.",
		}, []string{"result"}),
		rfqUpdateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rfq_updates_total",
			Help:      "Operator RFQ updates by resulting status.",
		}, []string{"status"}),
		retrievalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kb_retrievals_total",
			Help:      "Knowledge retrievals by outcome.",
		}, []string{"outcome"}),
		limiterQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_queued",
			Help:      "Jobs waiting in the invocation limiter.",
		}, []string{"class"}),
		limiterRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_running",
			Help:      "Jobs running in the invocation limiter.",
		}, []string{"class"}),
		limiterDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_dispatched_total",
			Help:      "Jobs dispatched by the invocation limiter.",
		}, []string{"class"}),
		limiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limiter_wait_seconds",
			Help:      "Queueing latency before dispatch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"class"}),
		staleRFQs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rfq_stale",
			Help:      "RFQs past their expiry horizon without a reply.",
		}),
		inboxQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_queue_length",
			Help:      "Inbound email files waiting for processing.",
		}),
	}
	reg.MustRegister(
		c.emailsTotal,
		c.classificationTotal,
		c.transitionTotal,
		c.outreachTotal,
		c.rfqUpdateTotal,
		c.retrievalTotal,
		c.limiterQueued,
		c.limiterRunning,
		c.limiterDispatched,
		c.limiterWait,
		c.staleRFQs,
		c.inboxQueueLength,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 暴露底层 registry 供测试读取
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveEmail(outcome string) {
	if c == nil {
		return
	}
	c.emailsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveClassification(decision string, fallback bool) {
	if c == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	c.classificationTotal.WithLabelValues(decision, label).Inc()
}

func (c *Collector) ObserveTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitionTotal.WithLabelValues(from, to).Inc()
}

func (c *Collector) ObserveOutreach(sent bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "failed"
	}
	c.outreachTotal.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveRFQUpdate(status string) {
	if c == nil {
		return
	}
	c.rfqUpdateTotal.WithLabelValues(status).Inc()
}

func (c *Collector) ObserveRetrieval(empty bool) {
	if c == nil {
		return
	}
	outcome := "hit"
	if empty {
		outcome = "empty"
	}
	c.retrievalTotal.WithLabelValues(outcome).Inc()
}

// SetLimiterStats 记录限流器排队与运行数量
func (c *Collector) SetLimiterStats(class string, queued, running int) {
	if c == nil {
		return
	}
	c.limiterQueued.WithLabelValues(class).Set(float64(queued))
	c.limiterRunning.WithLabelValues(class).Set(float64(running))
}

// ObserveDispatch 记录一次调度及其排队时长
func (c *Collector) ObserveDispatch(class string, waited time.Duration) {
	if c == nil {
		return
	}
	c.limiterDispatched.WithLabelValues(class).Inc()
	c.limiterWait.WithLabelValues(class).Observe(waited.Seconds())
}

func (c *Collector) SetStaleRFQs(n int) {
	if c == nil {
		return
	}
	c.staleRFQs.Set(float64(n))
}

func (c *Collector) SetInboxQueueLength(n int) {
	if c == nil {
		return
	}
	c.inboxQueueLength.Set(float64(n))
}
