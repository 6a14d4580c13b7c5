package workflow

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"quote-intake/internal/extract"
	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/providers"
	"quote-intake/internal/quotation"
	"quote-intake/internal/store"
)

// ServiceResult 单项外协服务的寻源与外联结果
type ServiceResult struct {
	Service    string   `json:"service"`
	Candidates int      `json:"candidates"`
	RFQIDs     []string `json:"rfqIds,omitempty"`
	Sent       int      `json:"sent"`
	Pending    int      `json:"pending"`
	Duplicates int      `json:"duplicates"`
	Error      string   `json:"error,omitempty"`
}

// gatherInfo 合并抽取字段 缺失必填项时向客户索取 齐全后划分工序
func (c *Coordinator) gatherInfo(ctx context.Context, req *models.QuotationRequest, email models.InboundEmail, out *Outcome) {
	fields, err := c.deps.Extractor.Extract(ctx, email)
	if err != nil {
		logger.Warn("字段抽取部分失败: request=%s err=%v", req.ID, err)
	}
	filled := quotation.MergeFields(req, fields)
	if len(filled) > 0 {
		logger.Info("请求字段已补充: request=%s fields=%s", req.ID, strings.Join(filled, ","))
	}
	req.MissingInfo = extract.MissingFields(*req, c.settings.RequiredFields)
	out.MissingInfo = req.MissingInfo

	if req.Status != models.RequestGatheringInfo {
		// 已进入后续阶段 只保存补充的字段
		c.persist(ctx, req, out)
		if req.Status == models.RequestWaitingProviders {
			c.resumeSourcing(ctx, req, out)
		}
		return
	}

	if len(req.MissingInfo) > 0 {
		c.persist(ctx, req, out)
		c.sendCustomer(ctx, req, models.InteractionInfoRequest, infoRequestEmail(req), out)
		logger.Info("请求缺少必填信息: request=%s missing=%s", req.ID, strings.Join(req.MissingInfo, ","))
		return
	}

	internal, external := extract.ClassifyServices(c.serviceText(ctx, req, email), c.settings.Catalog)
	req.InternalServices = internal
	req.ExternalServices = external
	if len(external) == 0 {
		c.advance(ctx, req, models.RequestReadyForHuman, OperatorWorkflow, out)
		return
	}
	c.advance(ctx, req, models.RequestWaitingProviders, OperatorWorkflow, out)
	out.Services = c.sourceAndDispatch(ctx, req, external)
}

// resumeSourcing 外协服务中尚无询价记录的部分重新寻源
func (c *Coordinator) resumeSourcing(ctx context.Context, req *models.QuotationRequest, out *Outcome) {
	existing, err := c.deps.Store.ListRFQs(ctx, store.RFQFilter{RequestID: req.ID})
	if err != nil {
		logger.Warn("读取询价记录失败: request=%s err=%v", req.ID, err)
		return
	}
	covered := map[string]struct{}{}
	for _, q := range existing {
		covered[q.Service] = struct{}{}
	}
	var missing []string
	for _, svc := range req.ExternalServices {
		if _, ok := covered[svc]; !ok {
			missing = append(missing, svc)
		}
	}
	if len(missing) > 0 {
		out.Services = c.sourceAndDispatch(ctx, req, missing)
	}
}

// sourceAndDispatch 各服务并行寻源 单个服务失败不影响其余服务
func (c *Coordinator) sourceAndDispatch(ctx context.Context, req *models.QuotationRequest, services []string) []ServiceResult {
	if c.deps.Sourcer == nil || c.deps.Dispatcher == nil {
		logger.Warn("未配置寻源组件 跳过外协询价: request=%s", req.ID)
		results := make([]ServiceResult, len(services))
		for i, svc := range services {
			results[i] = ServiceResult{Service: svc, Error: "sourcing disabled"}
		}
		return results
	}
	snapshot := *req
	results := make([]ServiceResult, len(services))
	var g errgroup.Group
	g.SetLimit(c.settings.Fanout)
	for i, svc := range services {
		g.Go(func() error {
			results[i] = c.sourceService(ctx, snapshot, svc)
			return nil
		})
	}
	_ = g.Wait()

	var empty []string
	for _, r := range results {
		if r.Candidates == 0 {
			empty = append(empty, r.Service)
		}
	}
	if len(empty) > 0 {
		c.notifyEscalation(ctx, req, req.Customer.Email, req.Subject,
			"sin proveedores para: "+strings.Join(empty, ", "), req.Confidence)
	}
	return results
}

func (c *Coordinator) sourceService(ctx context.Context, req models.QuotationRequest, service string) ServiceResult {
	result := ServiceResult{Service: service}
	tuning := c.Tuning()
	found, err := c.deps.Sourcer.FindProviders(ctx, providers.Query{
		Service:  service,
		Material: req.Material,
		Location: c.settings.DefaultLocation,
		RadiusKm: tuning.RadiusKm,
	})
	if err != nil {
		logger.Warn("供应商寻源失败: request=%s service=%s err=%v", req.ID, service, err)
		result.Error = err.Error()
		return result
	}
	if found.DirectoryErr != nil {
		logger.Warn("目录检索失败 仅使用注册表: request=%s service=%s err=%v", req.ID, service, found.DirectoryErr)
	}
	selected := providers.SelectForOutreach(found.All(), tuning.OutreachCap)
	result.Candidates = len(selected)
	if len(selected) == 0 {
		logger.Warn("未找到可联系的供应商: request=%s service=%s", req.ID, service)
		return result
	}
	for _, o := range c.deps.Dispatcher.Dispatch(ctx, req, service, selected) {
		switch {
		case o.Duplicate:
			result.Duplicates++
		case o.Sent:
			result.Sent++
		default:
			result.Pending++
		}
		if o.RFQ.ID != "" && !o.Duplicate {
			result.RFQIDs = append(result.RFQIDs, o.RFQ.ID)
		}
	}
	logger.Info("外协询价完成: request=%s service=%s candidates=%d sent=%d pending=%d dup=%d",
		req.ID, service, result.Candidates, result.Sent, result.Pending, result.Duplicates)
	return result
}

// serviceText 汇总线程内全部入站邮件 外协需求可能只出现在较早的邮件中
func (c *Coordinator) serviceText(ctx context.Context, req *models.QuotationRequest, email models.InboundEmail) string {
	parts := []string{req.Subject, req.SurfaceFinish, email.Subject, email.Body}
	for _, att := range email.Attachments {
		parts = append(parts, att.Filename)
	}
	items, err := c.deps.Store.ListInteractions(ctx, req.ID)
	if err != nil {
		logger.Warn("读取线程邮件失败 仅按当前邮件划分工序: request=%s err=%v", req.ID, err)
		return strings.Join(parts, "\n")
	}
	for _, it := range items {
		if it.Type != models.InteractionReceived || it.Payload.Email == nil {
			continue
		}
		if email.ID != "" && it.Payload.Email.MessageID == email.ID {
			continue
		}
		parts = append(parts, it.Payload.Email.Subject, it.Payload.Email.Body)
		parts = append(parts, it.Payload.Email.Attachments...)
	}
	return strings.Join(parts, "\n")
}
