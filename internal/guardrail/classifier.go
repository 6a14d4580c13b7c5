// 本文件用于护栏分类决策 确定性阶段总是执行 LLM 兜底只在单独命中询价意图时触发
package guardrail

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"quote-intake/internal/kb"
	"quote-intake/internal/logger"
	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
)

const (
	// HandleFloor 低于该置信度的结果不允许自动处理
	HandleFloor = 0.75

	spamIgnoreThreshold      = 0.9
	complaintThreshold       = 0.8
	outOfScopeThreshold      = 0.7
	fallbackAcceptThreshold  = 0.7
	deterministicHandleCap   = 0.95
	deterministicHandleFloor = 0.85
	defaultEscalateConf      = 0.6
	fallbackErrorConf        = 0.5
)

// KnowledgeScope 护栏兜底检索的知识范围
var KnowledgeScope = kb.Scope{Agent: "guardrail", Category: "quotation"}

// Fallback LLM 兜底能力 可注入替身
type Fallback interface {
	Assess(ctx context.Context, email models.InboundEmail, knowledge string) (FallbackVerdict, error)
}

// FallbackVerdict 兜底判定结果
type FallbackVerdict struct {
	QuotationIntent bool                    `json:"quotation_intent"`
	Confidence      float64                 `json:"confidence"`
	MessageType     models.MessageType      `json:"message_type"`
	Reason          string                  `json:"reason"`
	Extracted       *models.ExtractedFields `json:"extracted,omitempty"`
}

// AuditSink 分类审计落盘
type AuditSink interface {
	AppendClassification(ctx context.Context, result models.ClassificationResult) error
}

// KnowledgeSource 兜底提示词的知识来源
type KnowledgeSource interface {
	Retrieve(ctx context.Context, query string, scope kb.Scope, opts kb.RetrieveOptions) (kb.Result, error)
}

// Classifier 护栏分类器
type Classifier struct {
	rules     *Ruleset
	fallback  Fallback
	audit     AuditSink
	knowledge KnowledgeSource
	metrics   *metrics.Collector
	now       func() time.Time
}

// Option 分类器可选依赖
type Option func(*Classifier)

func WithFallback(f Fallback) Option {
	return func(c *Classifier) { c.fallback = f }
}

func WithAudit(a AuditSink) Option {
	return func(c *Classifier) { c.audit = a }
}

func WithKnowledge(k KnowledgeSource) Option {
	return func(c *Classifier) { c.knowledge = k }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Classifier) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier rules 为空时使用默认规则
func NewClassifier(rules *Ruleset, opts ...Option) *Classifier {
	if rules == nil {
		rules = DefaultRuleset()
	}
	c := &Classifier{rules: rules, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify 对一封入站邮件给出 handle/escalate/ignore 决策 任何结果都会写入审计
func (c *Classifier) Classify(ctx context.Context, email models.InboundEmail) models.ClassificationResult {
	evals := EvaluateAll(c.rules, email)
	result := models.ClassificationResult{
		EmailID:  email.ID,
		ThreadID: email.ThreadID,
		Rules:    evals,
		At:       c.now().UTC(),
	}
	c.decide(ctx, email, &result)
	enforceHandleFloor(&result)

	c.metrics.ObserveClassification(string(result.Decision), result.UsedFallback)
	if c.audit != nil {
		if err := c.audit.AppendClassification(ctx, result); err != nil {
			logger.Warn("写入分类审计失败: email=%s err=%v", email.ID, err)
		}
	}
	logger.Info("邮件分类完成: email=%s decision=%s type=%s confidence=%.2f fallback=%v",
		email.ID, result.Decision, result.MessageType, result.Confidence, result.UsedFallback)
	return result
}

// decide 按顺序匹配 第一条命中的策略生效
func (c *Classifier) decide(ctx context.Context, email models.InboundEmail, result *models.ClassificationResult) {
	intent, attachment, spam, outOfScope, complaint :=
		result.Rules[0], result.Rules[1], result.Rules[2], result.Rules[3], result.Rules[4]

	switch {
	case spam.Confidence > spamIgnoreThreshold:
		result.Decision = models.DecisionIgnore
		result.MessageType = models.MessageSpam
		result.Confidence = spam.Confidence
		result.Reason = "垃圾邮件信号过多"
	case intent.Passed && attachment.Passed:
		conf := (intent.Confidence + attachment.Confidence) / 2
		conf = math.Max(math.Min(conf, deterministicHandleCap), deterministicHandleFloor)
		result.Decision = models.DecisionHandle
		result.MessageType = models.MessageQuotationRequest
		result.Confidence = conf
		result.Reason = "询价关键词与技术附件同时命中"
	case complaint.Confidence > complaintThreshold:
		result.Decision = models.DecisionEscalate
		result.MessageType = models.MessageComplaint
		result.Confidence = complaint.Confidence
		result.Reason = "疑似投诉 转人工"
	case outOfScope.Confidence > outOfScopeThreshold:
		result.Decision = models.DecisionEscalate
		result.MessageType = models.MessageOutOfScope
		result.Confidence = outOfScope.Confidence
		result.Reason = "超出报价业务范围 转人工"
	case intent.Passed:
		c.applyFallback(ctx, email, result)
	default:
		result.Decision = models.DecisionEscalate
		result.MessageType = models.MessageGeneralInquiry
		result.Confidence = defaultEscalateConf
		result.Reason = "规则无法判定 转人工"
	}
}

func (c *Classifier) applyFallback(ctx context.Context, email models.InboundEmail, result *models.ClassificationResult) {
	result.Decision = models.DecisionEscalate
	result.MessageType = models.MessageQuotationRequest
	if c.fallback == nil {
		result.Confidence = defaultEscalateConf
		result.Reason = "仅命中询价意图 未启用 LLM 兜底"
		return
	}
	result.UsedFallback = true
	verdict, err := c.fallback.Assess(ctx, email, c.lookupKnowledge(ctx, email))
	if err != nil {
		logger.Warn("LLM 兜底失败 转人工: email=%s err=%v", email.ID, err)
		result.Confidence = fallbackErrorConf
		result.Reason = "LLM 兜底失败: " + err.Error()
		return
	}
	conf := clamp01(verdict.Confidence)
	result.Confidence = conf
	result.Extracted = verdict.Extracted
	if verdict.MessageType.Valid() {
		result.MessageType = verdict.MessageType
	}
	if verdict.QuotationIntent && conf > fallbackAcceptThreshold {
		result.Decision = models.DecisionHandle
		result.MessageType = models.MessageQuotationRequest
		result.Reason = firstNonEmpty(verdict.Reason, "LLM 确认询价意图")
		return
	}
	result.Reason = firstNonEmpty(verdict.Reason, "LLM 未确认询价意图")
	if !verdict.QuotationIntent && !verdict.MessageType.Valid() {
		result.MessageType = models.MessageGeneralInquiry
	}
}

func (c *Classifier) lookupKnowledge(ctx context.Context, email models.InboundEmail) string {
	if c.knowledge == nil {
		return kb.NoKnowledgeContext
	}
	res, err := c.knowledge.Retrieve(ctx, email.Subject+"\n"+email.Body, KnowledgeScope, kb.RetrieveOptions{})
	if err != nil {
		logger.Warn("护栏知识检索失败: %v", err)
		return kb.NoKnowledgeContext
	}
	return res.Context
}

// enforceHandleFloor 置信度不足时一律转人工
func enforceHandleFloor(result *models.ClassificationResult) {
	if result.Decision == models.DecisionHandle && result.Confidence < HandleFloor {
		result.Decision = models.DecisionEscalate
		result.Reason = fmt.Sprintf("%s; 置信度 %.2f 低于 %.2f 转人工", result.Reason, result.Confidence, HandleFloor)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
