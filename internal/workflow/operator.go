package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/quotation"
	"quote-intake/internal/store"
)

// ProviderUpdate 操作员录入的供应商回复
type ProviderUpdate struct {
	RFQID    string                   `json:"rfqId"`
	Status   models.RFQStatus         `json:"status"`
	Response *models.ProviderResponse `json:"response,omitempty"`
	Operator string                   `json:"operator"`
}

// Validate 收到报价时必须带有非负的价格与交期
func (u ProviderUpdate) Validate() error {
	if strings.TrimSpace(u.RFQID) == "" {
		return models.NewValidationError("rfqId", "is required")
	}
	if !u.Status.Valid() {
		return models.NewValidationError("status", "is invalid")
	}
	if u.Status == models.RFQReceived {
		if u.Response == nil {
			return models.NewValidationError("response", "is required when status is received")
		}
		if u.Response.Price < 0 || math.IsNaN(u.Response.Price) || math.IsInf(u.Response.Price, 0) {
			return models.NewValidationError("response.price", "must be a non-negative number")
		}
		if u.Response.LeadTimeDays < 0 {
			return models.NewValidationError("response.leadTimeDays", "must be non-negative")
		}
	}
	return nil
}

// ProviderResult 录入结果
type ProviderResult struct {
	RFQ           models.ExternalQuotation `json:"rfq"`
	Changed       bool                     `json:"changed"`
	RequestStatus models.RequestStatus     `json:"requestStatus"`
	Advanced      bool                     `json:"advanced"`
}

// ApplyProviderResponse 更新外部询价状态 相同状态重复录入不产生新记录
func (c *Coordinator) ApplyProviderResponse(ctx context.Context, update ProviderUpdate) (ProviderResult, error) {
	if err := update.Validate(); err != nil {
		return ProviderResult{}, err
	}
	operator := operatorOrDefault(update.Operator)
	peek, err := c.deps.Store.GetRFQ(ctx, update.RFQID)
	if err != nil {
		return ProviderResult{}, err
	}
	unlock := c.locks.Lock(peek.RequestID)
	defer unlock()

	rfq, err := c.deps.Store.GetRFQ(ctx, update.RFQID)
	if err != nil {
		return ProviderResult{}, err
	}
	from := rfq.Status
	changed, err := quotation.ApplyRFQStatus(rfq, update.Status, update.Response, c.now())
	if err != nil {
		return ProviderResult{RFQ: *rfq}, err
	}
	result := ProviderResult{RFQ: *rfq, Changed: changed}
	if changed {
		if err := c.deps.Store.UpdateRFQ(ctx, rfq); err != nil {
			return result, err
		}
		c.deps.Metrics.ObserveRFQUpdate(string(rfq.Status))
		_ = c.appendInteraction(ctx, rfq.RequestID, models.InteractionProviderReply, models.DirectionInbound,
			models.InteractionPayload{
				Kind:          models.PayloadProviderReply,
				ProviderReply: &models.ProviderReplyPayload{RFQID: rfq.ID, Status: rfq.Status, Response: responseOrZero(rfq.Response)},
			})
		if err := c.deps.Store.InsertAuditLog(ctx, models.AuditEntry{
			Operator:     operator,
			Action:       store.ActionProviderUpdate,
			ResourceType: "rfq",
			ResourceID:   rfq.ID,
			Detail:       map[string]any{"from": string(from), "to": string(rfq.Status), "requestId": rfq.RequestID},
		}); err != nil {
			logger.Warn("询价审计写入失败: rfq=%s err=%v", rfq.ID, err)
		}
		logger.Info("外部询价已更新: rfq=%s %s -> %s operator=%s", rfq.ID, from, rfq.Status, operator)
	}

	req, err := c.deps.Store.GetRequest(ctx, rfq.RequestID)
	if err != nil {
		return result, err
	}
	result.RequestStatus = req.Status
	if c.Tuning().AutoAdvance && req.Status == models.RequestWaitingProviders {
		rfqs, err := c.deps.Store.ListRFQs(ctx, store.RFQFilter{RequestID: req.ID})
		if err != nil {
			return result, err
		}
		if quotation.AllSettled(rfqs) && c.advance(ctx, req, models.RequestReadyForHuman, operator, nil) {
			result.RequestStatus = req.Status
			result.Advanced = true
		}
	}
	return result, nil
}

func responseOrZero(resp *models.ProviderResponse) models.ProviderResponse {
	if resp == nil {
		return models.ProviderResponse{}
	}
	return *resp
}

// MarkReadyForHuman 操作员手动确认外协阶段结束
func (c *Coordinator) MarkReadyForHuman(ctx context.Context, requestID, operator string) (*models.QuotationRequest, error) {
	return c.operatorTransition(ctx, requestID, models.RequestReadyForHuman, operator)
}

// MarkQuoted 报价已发送给客户
func (c *Coordinator) MarkQuoted(ctx context.Context, requestID, operator string) (*models.QuotationRequest, error) {
	return c.operatorTransition(ctx, requestID, models.RequestQuoted, operator)
}

func (c *Coordinator) operatorTransition(ctx context.Context, requestID string, to models.RequestStatus, operator string) (*models.QuotationRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, models.NewValidationError("id", "is required")
	}
	unlock := c.locks.Lock(requestID)
	defer unlock()

	req, err := c.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == to {
		return req, nil
	}
	if !quotation.CanTransition(req.Status, to) {
		return req, fmt.Errorf("%w: %s -> %s", quotation.ErrInvalidTransition, req.Status, to)
	}
	if !c.advance(ctx, req, to, operatorOrDefault(operator), nil) {
		return req, errors.New("transition rejected")
	}
	return req, nil
}

func operatorOrDefault(operator string) string {
	if op := strings.TrimSpace(operator); op != "" {
		return op
	}
	return "operator"
}
