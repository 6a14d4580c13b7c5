package workflow

import (
	"context"
	"strings"
	"time"

	"quote-intake/internal/models"
	"quote-intake/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	staleSampleSize  = 5
)

// RequestDetail 请求及其交互与外部询价
type RequestDetail struct {
	Request      models.QuotationRequest    `json:"request"`
	Interactions []models.Interaction       `json:"interactions"`
	RFQs         []models.ExternalQuotation `json:"rfqs"`
}

// StaleItem 陈旧询价报告中的一行
type StaleItem struct {
	RFQID        string           `json:"rfqId"`
	RequestID    string           `json:"requestId"`
	Service      string           `json:"service"`
	ProviderName string           `json:"providerName"`
	Status       models.RFQStatus `json:"status"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	OverdueHours float64          `json:"overdueHours"`
}

// StaleReport 过期未回复的外部询价 只读
type StaleReport struct {
	GeneratedAt time.Time   `json:"generatedAt"`
	Count       int         `json:"count"`
	Items       []StaleItem `json:"items"`
}

// Sample 前几条询价 ID 用于通知摘要
func (r StaleReport) Sample() []string {
	n := len(r.Items)
	if n > staleSampleSize {
		n = staleSampleSize
	}
	out := make([]string, 0, n)
	for _, item := range r.Items[:n] {
		out = append(out, item.RFQID+" ("+item.ProviderName+", "+item.Service+")")
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListRequests status 为空时返回全部状态
func (c *Coordinator) ListRequests(ctx context.Context, status string, limit int) ([]models.QuotationRequest, error) {
	filter := store.RequestFilter{Limit: clampLimit(limit)}
	if s := strings.TrimSpace(status); s != "" {
		filter.Status = models.RequestStatus(s)
		if !filter.Status.Valid() {
			return nil, models.NewValidationError("status", "is invalid")
		}
	}
	return c.deps.Store.ListRequests(ctx, filter)
}

// GetRequestDetail 请求不存在时返回包装的 ErrNotFound
func (c *Coordinator) GetRequestDetail(ctx context.Context, id string) (RequestDetail, error) {
	req, err := c.deps.Store.GetRequest(ctx, id)
	if err != nil {
		return RequestDetail{}, err
	}
	interactions, err := c.deps.Store.ListInteractions(ctx, req.ID)
	if err != nil {
		return RequestDetail{}, err
	}
	rfqs, err := c.deps.Store.ListRFQs(ctx, store.RFQFilter{RequestID: req.ID})
	if err != nil {
		return RequestDetail{}, err
	}
	if interactions == nil {
		interactions = []models.Interaction{}
	}
	if rfqs == nil {
		rfqs = []models.ExternalQuotation{}
	}
	return RequestDetail{Request: *req, Interactions: interactions, RFQs: rfqs}, nil
}

// ListRFQs status 为空时返回全部状态
func (c *Coordinator) ListRFQs(ctx context.Context, status string, limit int) ([]models.ExternalQuotation, error) {
	filter := store.RFQFilter{Limit: clampLimit(limit)}
	if s := strings.TrimSpace(status); s != "" {
		filter.Status = models.RFQStatus(s)
		if !filter.Status.Valid() {
			return nil, models.NewValidationError("status", "is invalid")
		}
	}
	return c.deps.Store.ListRFQs(ctx, filter)
}

// StaleReport 计算过期未回复的询价 不修改任何状态
func (c *Coordinator) StaleReport(ctx context.Context, now time.Time) (StaleReport, error) {
	if now.IsZero() {
		now = c.now()
	}
	stale, err := c.deps.Store.ListStaleRFQs(ctx, now)
	if err != nil {
		return StaleReport{}, err
	}
	report := StaleReport{GeneratedAt: now.UTC(), Count: len(stale), Items: make([]StaleItem, 0, len(stale))}
	for _, q := range stale {
		item := StaleItem{
			RFQID:        q.ID,
			RequestID:    q.RequestID,
			Service:      q.Service,
			ProviderName: q.Provider.Name,
			Status:       q.Status,
			ExpiresAt:    q.ExpiresAt,
		}
		if !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt) {
			item.OverdueHours = now.Sub(q.ExpiresAt).Hours()
		}
		report.Items = append(report.Items, item)
	}
	c.deps.Metrics.SetStaleRFQs(report.Count)
	return report, nil
}

// SweepStale 生成陈旧报告并在非空时通知
func (c *Coordinator) SweepStale(ctx context.Context) (StaleReport, error) {
	report, err := c.StaleReport(ctx, time.Time{})
	if err != nil {
		return report, err
	}
	if report.Count > 0 {
		if err := c.deps.Notifier.NotifyStaleRFQs(ctx, report.Count, report.Sample()); err != nil {
			return report, err
		}
	}
	return report, nil
}
