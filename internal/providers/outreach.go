// 本文件用于外协询价的供应商筛选与发送 发送失败的询价保持 pending 不立即重试
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"quote-intake/internal/logger"
	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
	"quote-intake/internal/quotation"
)

const (
	DefaultOutreachCap = 3
	MaxOutreachCap     = 5
)

// SelectForOutreach 有邮箱的优先 其次评分高的优先 最多取 limit 家
func SelectForOutreach(candidates []models.ProviderCandidate, limit int) []models.ProviderCandidate {
	limit = ClampOutreachCap(limit)
	sorted := append([]models.ProviderCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].HasEmail() != sorted[j].HasEmail() {
			return sorted[i].HasEmail()
		}
		return sorted[i].Rating > sorted[j].Rating
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// ClampOutreachCap 外联上限限制在 1 到 MaxOutreachCap
func ClampOutreachCap(limit int) int {
	if limit <= 0 {
		return DefaultOutreachCap
	}
	if limit > MaxOutreachCap {
		return MaxOutreachCap
	}
	return limit
}

// Mailer 出站邮件能力
type Mailer interface {
	Send(ctx context.Context, msg models.OutboundEmail) error
}

// RFQStore 外部询价与交互记录的持久化能力
type RFQStore interface {
	InsertRFQ(ctx context.Context, q *models.ExternalQuotation) (bool, error)
	UpdateRFQ(ctx context.Context, q *models.ExternalQuotation) error
	AppendInteraction(ctx context.Context, item models.Interaction) (models.Interaction, error)
}

// Outreach 单个供应商的外联结果
type Outreach struct {
	RFQ       models.ExternalQuotation
	Sent      bool
	Duplicate bool
	Err       error
}

// Dispatcher 生成外协询价并发送
type Dispatcher struct {
	store   RFQStore
	mailer  Mailer
	expiry  time.Duration
	metrics *metrics.Collector
	now     func() time.Time
}

func NewDispatcher(store RFQStore, mailer Mailer, expiry time.Duration, collector *metrics.Collector) *Dispatcher {
	if expiry <= 0 {
		expiry = quotation.DefaultRFQExpiry
	}
	return &Dispatcher{store: store, mailer: mailer, expiry: expiry, metrics: collector, now: time.Now}
}

// Dispatch 为每个候选供应商创建询价并尝试发送
// 同一 (请求, 供应商, 服务) 已存在时跳过 重放不会重复外联
func (d *Dispatcher) Dispatch(ctx context.Context, req models.QuotationRequest, service string, candidates []models.ProviderCandidate) []Outreach {
	out := make([]Outreach, 0, len(candidates))
	for _, provider := range candidates {
		out = append(out, d.dispatchOne(ctx, req, service, provider))
	}
	return out
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req models.QuotationRequest, service string, provider models.ProviderCandidate) Outreach {
	now := d.now()
	rfq := quotation.NewRFQ("rfq_"+uuid.NewString(), req.ID, service, provider, RFQDetails(req, service), now, d.expiry)
	created, err := d.store.InsertRFQ(ctx, &rfq)
	if err != nil {
		logger.Error("外协询价写入失败: request=%s provider=%s err=%v", req.ID, provider.ID, err)
		return Outreach{RFQ: rfq, Err: err}
	}
	if !created {
		logger.Info("外协询价已存在 跳过: request=%s provider=%s service=%s", req.ID, provider.ID, service)
		return Outreach{RFQ: rfq, Duplicate: true}
	}

	result := Outreach{RFQ: rfq}
	sendErr := d.send(ctx, req, service, provider, rfq)
	if sendErr != nil {
		rfq.SendError = sendErr.Error()
		rfq.UpdatedAt = d.now().UTC()
		result.Err = sendErr
		logger.Warn("外协询价发送失败 保持 pending: rfq=%s provider=%s err=%v", rfq.ID, provider.Name, sendErr)
	} else if _, err := quotation.ApplyRFQStatus(&rfq, models.RFQSent, nil, d.now()); err != nil {
		result.Err = err
	} else {
		result.Sent = true
	}
	if err := d.store.UpdateRFQ(ctx, &rfq); err != nil {
		logger.Error("外协询价状态回写失败: rfq=%s err=%v", rfq.ID, err)
		if result.Err == nil {
			result.Err = err
		}
	}
	result.RFQ = rfq
	d.metrics.ObserveOutreach(result.Sent)

	contact := &models.ProviderContactPayload{
		RFQID:    rfq.ID,
		Provider: provider.Name,
		Service:  service,
		Sent:     result.Sent,
	}
	if sendErr != nil {
		contact.SendError = sendErr.Error()
	}
	if _, err := d.store.AppendInteraction(ctx, models.Interaction{
		RequestID: req.ID,
		Type:      models.InteractionProviderContacted,
		Direction: models.DirectionOutbound,
		Payload:   models.InteractionPayload{Kind: models.PayloadProviderContact, ProviderContact: contact},
	}); err != nil {
		logger.Warn("外联交互记录写入失败: rfq=%s err=%v", rfq.ID, err)
	}
	return result
}

func (d *Dispatcher) send(ctx context.Context, req models.QuotationRequest, service string, provider models.ProviderCandidate, rfq models.ExternalQuotation) error {
	if !provider.HasEmail() {
		return fmt.Errorf("proveedor sin email de contacto")
	}
	if d.mailer == nil {
		return fmt.Errorf("mailer not configured")
	}
	return d.mailer.Send(ctx, models.OutboundEmail{
		To:      provider.Email,
		Subject: fmt.Sprintf("Solicitud de presupuesto: %s [%s]", service, rfq.ID),
		Body:    RFQEmailBody(req, service, provider, rfq),
	})
}

// RFQDetails 询价快照中的技术摘要
func RFQDetails(req models.QuotationRequest, service string) string {
	parts := []string{"servicio: " + service}
	if req.Material != "" {
		parts = append(parts, "material: "+req.Material)
	}
	if req.Quantity > 0 {
		parts = append(parts, fmt.Sprintf("cantidad: %d", req.Quantity))
	}
	if len(req.Dimensions) > 0 {
		parts = append(parts, "dimensiones: "+strings.Join(req.Dimensions, ", "))
	}
	if req.SurfaceFinish != "" {
		parts = append(parts, "acabado: "+req.SurfaceFinish)
	}
	if req.Deadline != "" {
		parts = append(parts, "plazo: "+req.Deadline)
	}
	return strings.Join(parts, "; ")
}

// RFQEmailBody 面向供应商的询价正文
func RFQEmailBody(req models.QuotationRequest, service string, provider models.ProviderCandidate, rfq models.ExternalQuotation) string {
	var b strings.Builder
	name := provider.Name
	if name == "" {
		name = "equipo"
	}
	fmt.Fprintf(&b, "Estimado %s:\n\n", name)
	fmt.Fprintf(&b, "Les contactamos para solicitar presupuesto del servicio de %s para el siguiente trabajo:\n\n", service)
	if req.Material != "" {
		fmt.Fprintf(&b, "- Material: %s\n", req.Material)
	}
	if req.Quantity > 0 {
		fmt.Fprintf(&b, "- Cantidad: %d piezas\n", req.Quantity)
	}
	if len(req.Dimensions) > 0 {
		fmt.Fprintf(&b, "- Dimensiones: %s\n", strings.Join(req.Dimensions, ", "))
	}
	if len(req.Tolerances) > 0 {
		fmt.Fprintf(&b, "- Tolerancias: %s\n", strings.Join(req.Tolerances, ", "))
	}
	if req.SurfaceFinish != "" {
		fmt.Fprintf(&b, "- Acabado: %s\n", req.SurfaceFinish)
	}
	if req.Deadline != "" {
		fmt.Fprintf(&b, "- Plazo deseado: %s\n", req.Deadline)
	}
	fmt.Fprintf(&b, "\nLes agradeceríamos que nos indicaran precio y plazo de entrega antes del %s.\n", rfq.ExpiresAt.Format("02/01/2006"))
	fmt.Fprintf(&b, "Referencia: %s\n\nUn saludo cordial.\n", rfq.ID)
	return b.String()
}
