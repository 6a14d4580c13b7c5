// 本文件用于入站邮件的顶层编排 分类 建单 补充信息与外协寻源都从这里串起来
// 同一线程 同一请求的修改通过按键互斥串行执行
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"quote-intake/internal/archive"
	"quote-intake/internal/extract"
	"quote-intake/internal/logger"
	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
	"quote-intake/internal/notify"
	"quote-intake/internal/providers"
	"quote-intake/internal/quotation"
	"quote-intake/internal/store"
)

const (
	// OperatorWorkflow 自动流程写审计与交互时使用的操作人
	OperatorWorkflow = "workflow"

	defaultFanout = 3
)

// Store 编排所需的持久化能力 由 store.SQLiteStore 实现
type Store interface {
	CreateRequest(ctx context.Context, req *models.QuotationRequest) error
	UpdateRequest(ctx context.Context, req *models.QuotationRequest) error
	GetRequest(ctx context.Context, id string) (*models.QuotationRequest, error)
	FindRequestByThread(ctx context.Context, threadID string) (*models.QuotationRequest, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]models.QuotationRequest, error)
	AppendInteraction(ctx context.Context, item models.Interaction) (models.Interaction, error)
	ListInteractions(ctx context.Context, requestID string) ([]models.Interaction, error)
	InsertRFQ(ctx context.Context, q *models.ExternalQuotation) (bool, error)
	UpdateRFQ(ctx context.Context, q *models.ExternalQuotation) error
	GetRFQ(ctx context.Context, id string) (*models.ExternalQuotation, error)
	ListRFQs(ctx context.Context, filter store.RFQFilter) ([]models.ExternalQuotation, error)
	ListStaleRFQs(ctx context.Context, now time.Time) ([]models.ExternalQuotation, error)
	InsertAuditLog(ctx context.Context, entry models.AuditEntry) error
}

// Classifier 护栏分类
type Classifier interface {
	Classify(ctx context.Context, email models.InboundEmail) models.ClassificationResult
}

// Sourcer 供应商寻源
type Sourcer interface {
	FindProviders(ctx context.Context, q providers.Query) (providers.Found, error)
}

// Dispatcher 外协询价发送
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.QuotationRequest, service string, candidates []models.ProviderCandidate) []providers.Outreach
}

// Mailer 面向客户的邮件发送
type Mailer interface {
	Send(ctx context.Context, msg models.OutboundEmail) error
}

// Deps 协作方 Archiver 与 Notifier 可为空
type Deps struct {
	Store      Store
	Classifier Classifier
	Extractor  extract.Extractor
	Sourcer    Sourcer
	Dispatcher Dispatcher
	Mailer     Mailer
	Archiver   archive.Archiver
	Notifier   notify.Notifier
	Metrics    *metrics.Collector
}

// Settings 编排参数
type Settings struct {
	RequiredFields  []string
	Catalog         *extract.ServiceCatalog
	OutreachCap     int
	Fanout          int
	DefaultLocation string
	RadiusKm        float64
	AutoAdvance     bool
}

// Coordinator 工作流编排器
type Coordinator struct {
	deps     Deps
	settings Settings
	locks    *quotation.KeyedMutex
	now      func() time.Time

	tuneMu sync.RWMutex
}

// NewCoordinator 缺少必需协作方时返回错误
func NewCoordinator(deps Deps, settings Settings) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("workflow store is nil")
	case deps.Classifier == nil:
		return nil, errors.New("workflow classifier is nil")
	case deps.Mailer == nil:
		return nil, errors.New("workflow mailer is nil")
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.NewHeuristicExtractor()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Noop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if len(settings.RequiredFields) == 0 {
		settings.RequiredFields = []string{extract.FieldMaterial, extract.FieldQuantity}
	}
	if settings.Catalog == nil {
		settings.Catalog = extract.DefaultCatalog()
	}
	settings.OutreachCap = providers.ClampOutreachCap(settings.OutreachCap)
	if settings.Fanout <= 0 {
		settings.Fanout = defaultFanout
	}
	return &Coordinator{
		deps:     deps,
		settings: settings,
		locks:    quotation.NewKeyedMutex(),
		now:      time.Now,
	}, nil
}

// Tuning 运行中可调整的外联参数
type Tuning struct {
	OutreachCap int
	RadiusKm    float64
	AutoAdvance bool
}

// Tuning 返回当前外联参数
func (c *Coordinator) Tuning() Tuning {
	c.tuneMu.RLock()
	defer c.tuneMu.RUnlock()
	return Tuning{
		OutreachCap: c.settings.OutreachCap,
		RadiusKm:    c.settings.RadiusKm,
		AutoAdvance: c.settings.AutoAdvance,
	}
}

// SetTuning 替换外联参数 对之后开始的寻源与回复录入生效
func (c *Coordinator) SetTuning(t Tuning) {
	c.tuneMu.Lock()
	defer c.tuneMu.Unlock()
	c.settings.OutreachCap = providers.ClampOutreachCap(t.OutreachCap)
	c.settings.RadiusKm = t.RadiusKm
	c.settings.AutoAdvance = t.AutoAdvance
	logger.Info("外联参数已更新: outreachCap=%d radiusKm=%.1f autoAdvance=%t",
		c.settings.OutreachCap, c.settings.RadiusKm, c.settings.AutoAdvance)
}

// Outcome 单封邮件的处理结果
type Outcome struct {
	EmailID     string                       `json:"emailId"`
	RequestID   string                       `json:"requestId,omitempty"`
	Status      models.RequestStatus         `json:"status,omitempty"`
	Decision    models.Decision              `json:"decision,omitempty"`
	Created     bool                         `json:"created"`
	Continued   bool                         `json:"continued"`
	MissingInfo []string                     `json:"missingInfo,omitempty"`
	Services    []ServiceResult              `json:"services,omitempty"`
	Warnings    []string                     `json:"warnings,omitempty"`
	Result      *models.ClassificationResult `json:"classification,omitempty"`
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// HandleEmail 处理一封入站邮件
// 已有线程走更新路径 不重新分类 新线程先分类再决定建单
func (c *Coordinator) HandleEmail(ctx context.Context, email models.InboundEmail) (Outcome, error) {
	if err := validateEmail(email); err != nil {
		c.deps.Metrics.ObserveEmail("invalid")
		return Outcome{EmailID: email.ID}, err
	}
	email.ThreadID = strings.TrimSpace(email.ThreadID)
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = c.now().UTC()
	}

	unlockThread := c.locks.Lock("thread:" + email.ThreadID)
	defer unlockThread()

	out := Outcome{EmailID: email.ID}
	existing, err := c.deps.Store.FindRequestByThread(ctx, email.ThreadID)
	if err != nil {
		c.deps.Metrics.ObserveEmail("failed")
		return out, err
	}
	if existing != nil {
		err = c.continueThread(ctx, existing, email, &out)
	} else {
		err = c.intake(ctx, email, &out)
	}
	if err != nil {
		c.deps.Metrics.ObserveEmail("failed")
		return out, err
	}
	c.deps.Metrics.ObserveEmail(string(out.Status))
	return out, nil
}

func validateEmail(email models.InboundEmail) error {
	if strings.TrimSpace(email.ID) == "" {
		return models.NewValidationError("id", "is required")
	}
	if strings.TrimSpace(email.ThreadID) == "" {
		return models.NewValidationError("threadId", "is required")
	}
	if _, err := parseSender(email.From); err != nil {
		return models.NewValidationError("from", err.Error())
	}
	return nil
}

func parseSender(from string) (*mail.Address, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("is required")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, errors.New("is not a valid address")
	}
	return addr, nil
}

// intake 新线程 分类后建单
func (c *Coordinator) intake(ctx context.Context, email models.InboundEmail, out *Outcome) error {
	result := c.deps.Classifier.Classify(ctx, email)
	out.Decision = result.Decision
	out.Result = &result

	sender, _ := parseSender(email.From)
	req := &models.QuotationRequest{
		Status:      quotation.InitialStatus(result.Decision),
		Customer:    models.Customer{Email: strings.ToLower(sender.Address), Name: sender.Name},
		Subject:     strings.TrimSpace(email.Subject),
		ThreadID:    email.ThreadID,
		Confidence:  result.Confidence,
		MissingInfo: []string{},
		CreatedAt:   c.now().UTC(),
	}
	if result.Extracted != nil {
		quotation.MergeFields(req, *result.Extracted)
	}
	if err := c.deps.Store.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// 并发投递的同线程邮件已先建单
			existing, findErr := c.deps.Store.FindRequestByThread(ctx, email.ThreadID)
			if findErr != nil || existing == nil {
				return fmt.Errorf("thread %s conflict but lookup failed: %w", email.ThreadID, errors.Join(err, findErr))
			}
			return c.continueThread(ctx, existing, email, out)
		}
		return err
	}
	out.Created = true
	out.RequestID = req.ID
	out.Status = req.Status

	unlock := c.locks.Lock(req.ID)
	defer unlock()

	c.recordInbound(ctx, req.ID, email, out)
	logger.Info("新询价线程: request=%s thread=%s decision=%s status=%s", req.ID, req.ThreadID, result.Decision, req.Status)

	if result.Decision != models.DecisionHandle {
		c.recordStatusAudit(ctx, req, "", req.Status, OperatorWorkflow, result.Reason)
		if result.Decision == models.DecisionEscalate {
			c.notifyEscalation(ctx, req, email.From, email.Subject, result.Reason, result.Confidence)
		}
		return nil
	}

	// pending -> gathering_info 的进入动作是确认邮件
	c.advance(ctx, req, models.RequestGatheringInfo, OperatorWorkflow, out)
	c.sendCustomer(ctx, req, models.InteractionConfirmation, confirmationEmail(req, email), out)
	c.archiveAttachments(ctx, req.ID, email, out)
	c.gatherInfo(ctx, req, email, out)
	out.Status = req.Status
	return nil
}

// continueThread 已有线程的回复 只补充空字段并重新评估缺失信息
func (c *Coordinator) continueThread(ctx context.Context, req *models.QuotationRequest, email models.InboundEmail, out *Outcome) error {
	unlock := c.locks.Lock(req.ID)
	defer unlock()

	// 加锁后重新读取 避免覆盖操作员刚写入的状态
	fresh, err := c.deps.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	req = fresh
	out.Continued = true
	out.RequestID = req.ID
	out.Status = req.Status

	// 至少一次投递下同一封邮件可能重放 已记录过的只做恢复性处理
	seen := c.seenMessage(ctx, req.ID, email.ID)
	if !seen {
		c.recordInbound(ctx, req.ID, email, out)
	}

	switch req.Status {
	case models.RequestEscalated, models.RequestIgnored:
		logger.Info("线程处于 %s 仅记录交互: request=%s email=%s", req.Status, req.ID, email.ID)
		return nil
	case models.RequestPending:
		// 上次建单后中断 补做进入动作
		c.advance(ctx, req, models.RequestGatheringInfo, OperatorWorkflow, out)
		c.sendCustomer(ctx, req, models.InteractionConfirmation, confirmationEmail(req, email), out)
	default:
		if seen {
			logger.Info("重复投递的邮件: request=%s email=%s status=%s", req.ID, email.ID, req.Status)
			if req.Status == models.RequestWaitingProviders {
				c.resumeSourcing(ctx, req, out)
			}
			return nil
		}
	}
	c.archiveAttachments(ctx, req.ID, email, out)
	c.gatherInfo(ctx, req, email, out)
	out.Status = req.Status
	return nil
}

// advance 执行状态迁移并落库 写盘失败只记录
func (c *Coordinator) advance(ctx context.Context, req *models.QuotationRequest, to models.RequestStatus, operator string, out *Outcome) bool {
	from := req.Status
	if err := quotation.Transition(req, to, c.now()); err != nil {
		logger.Error("状态迁移被拒绝: request=%s err=%v", req.ID, err)
		if out != nil {
			out.warn("transition %s -> %s rejected", from, to)
		}
		return false
	}
	if err := c.deps.Store.UpdateRequest(ctx, req); err != nil {
		logger.Error("状态落库失败: request=%s %s -> %s err=%v", req.ID, from, to, err)
		if out != nil {
			out.warn("persist status %s: %v", to, err)
		}
	}
	c.deps.Metrics.ObserveTransition(string(from), string(to))
	if from != to {
		c.appendInteraction(ctx, req.ID, models.InteractionStatusChange, models.DirectionInternal,
			models.NewStatusChangePayload(from, to, operator))
		c.recordStatusAudit(ctx, req, from, to, operator, "")
		logger.Info("请求状态迁移: request=%s %s -> %s operator=%s", req.ID, from, to, operator)
	}
	return true
}

// persist 保存字段变更 不改变状态
func (c *Coordinator) persist(ctx context.Context, req *models.QuotationRequest, out *Outcome) {
	req.UpdatedAt = c.now().UTC()
	if err := c.deps.Store.UpdateRequest(ctx, req); err != nil {
		logger.Error("请求落库失败: request=%s err=%v", req.ID, err)
		if out != nil {
			out.warn("persist request: %v", err)
		}
	}
}

func (c *Coordinator) recordInbound(ctx context.Context, requestID string, email models.InboundEmail, out *Outcome) {
	names := make([]string, 0, len(email.Attachments))
	for _, att := range email.Attachments {
		names = append(names, att.Filename)
	}
	if err := c.appendInteraction(ctx, requestID, models.InteractionReceived, models.DirectionInbound,
		models.NewEmailPayload(models.EmailPayload{
			MessageID:   email.ID,
			From:        email.From,
			Subject:     email.Subject,
			Body:        email.Body,
			Attachments: names,
		})); err != nil && out != nil {
		out.warn("record inbound email: %v", err)
	}
}

func (c *Coordinator) seenMessage(ctx context.Context, requestID, messageID string) bool {
	items, err := c.deps.Store.ListInteractions(ctx, requestID)
	if err != nil {
		logger.Warn("读取交互记录失败: request=%s err=%v", requestID, err)
		return false
	}
	for _, it := range items {
		if it.Type == models.InteractionReceived && it.Payload.Email != nil && it.Payload.Email.MessageID == messageID {
			return true
		}
	}
	return false
}

func (c *Coordinator) appendInteraction(ctx context.Context, requestID string, typ models.InteractionType, dir models.Direction, payload models.InteractionPayload) error {
	_, err := c.deps.Store.AppendInteraction(ctx, models.Interaction{
		RequestID: requestID,
		Type:      typ,
		Direction: dir,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		logger.Warn("交互记录写入失败: request=%s type=%s err=%v", requestID, typ, err)
	}
	return err
}

func (c *Coordinator) recordStatusAudit(ctx context.Context, req *models.QuotationRequest, from, to models.RequestStatus, operator, reason string) {
	detail := map[string]any{"from": string(from), "to": string(to), "threadId": req.ThreadID}
	if reason != "" {
		detail["reason"] = reason
	}
	if err := c.deps.Store.InsertAuditLog(ctx, models.AuditEntry{
		Operator:     operator,
		Action:       store.ActionStatusChange,
		ResourceType: "request",
		ResourceID:   req.ID,
		Detail:       detail,
	}); err != nil {
		logger.Warn("状态审计写入失败: request=%s err=%v", req.ID, err)
	}
}

// sendCustomer 面向客户的邮件总是尝试发送 发送结果写入交互记录
func (c *Coordinator) sendCustomer(ctx context.Context, req *models.QuotationRequest, typ models.InteractionType, msg models.OutboundEmail, out *Outcome) error {
	msg.To = req.Customer.Email
	msg.ThreadID = req.ThreadID
	sendErr := c.deps.Mailer.Send(ctx, msg)
	payload := models.EmailPayload{To: msg.To, Subject: msg.Subject, Body: msg.Body}
	if sendErr != nil {
		payload.SendError = sendErr.Error()
		logger.Warn("客户邮件发送失败: request=%s type=%s err=%v", req.ID, typ, sendErr)
		if out != nil {
			out.warn("send %s: %v", typ, sendErr)
		}
	}
	var body models.InteractionPayload
	if typ == models.InteractionInfoRequest {
		body = models.NewInfoRequestPayload(req.MissingInfo, payload.SendError)
	} else {
		body = models.NewEmailPayload(payload)
	}
	_ = c.appendInteraction(ctx, req.ID, typ, models.DirectionOutbound, body)
	return sendErr
}

func (c *Coordinator) archiveAttachments(ctx context.Context, requestID string, email models.InboundEmail, out *Outcome) {
	if len(email.Attachments) == 0 {
		return
	}
	urls, err := c.deps.Archiver.Archive(ctx, requestID, email.Attachments)
	if err != nil {
		logger.Warn("附件归档失败: request=%s err=%v", requestID, err)
		out.warn("archive attachments: %v", err)
	}
	if len(urls) > 0 {
		logger.Info("附件已归档: request=%s count=%d", requestID, len(urls))
	}
}

func (c *Coordinator) notifyEscalation(ctx context.Context, req *models.QuotationRequest, from, subject, reason string, confidence float64) {
	err := c.deps.Notifier.NotifyEscalation(ctx, notify.Escalation{
		RequestID:  req.ID,
		ThreadID:   req.ThreadID,
		From:       from,
		Subject:    subject,
		Status:     string(req.Status),
		Reason:     reason,
		Confidence: confidence,
		At:         c.now(),
	})
	if err != nil {
		logger.Warn("转人工通知失败: request=%s err=%v", req.ID, err)
	}
}
