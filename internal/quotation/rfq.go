package quotation

import (
	"fmt"
	"time"

	"quote-intake/internal/models"
)

// DefaultRFQExpiry 外部询价默认有效期
const DefaultRFQExpiry = 7 * 24 * time.Hour

// CanTransitionRFQ 外部询价状态只前进 declined 作为人工覆盖可从任意未收到报价的状态进入
// 过期后仍可登记迟到的报价
func CanTransitionRFQ(from, to models.RFQStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case models.RFQSent:
		return from == models.RFQPending
	case models.RFQReceived:
		return from == models.RFQPending || from == models.RFQSent || from == models.RFQExpired
	case models.RFQExpired:
		return from == models.RFQPending || from == models.RFQSent
	case models.RFQDeclined:
		return from != models.RFQReceived
	default:
		return false
	}
}

// ApplyRFQStatus 修改外部询价状态 相同状态重复应用视为幂等 返回是否发生变化
func ApplyRFQStatus(q *models.ExternalQuotation, to models.RFQStatus, resp *models.ProviderResponse, now time.Time) (bool, error) {
	if q == nil {
		return false, fmt.Errorf("%w: nil rfq", ErrInvalidTransition)
	}
	if !CanTransitionRFQ(q.Status, to) {
		return false, fmt.Errorf("%w: rfq %s %s -> %s", ErrInvalidTransition, q.ID, q.Status, to)
	}
	if q.Status == to {
		if to == models.RFQReceived && resp != nil && !sameResponse(q.Response, resp) {
			return false, fmt.Errorf("%w: rfq %s already received with a different response", ErrInvalidTransition, q.ID)
		}
		return false, nil
	}
	q.Status = to
	if resp != nil {
		copied := *resp
		q.Response = &copied
	}
	if to == models.RFQSent && q.SentAt == nil {
		sent := now.UTC()
		q.SentAt = &sent
	}
	q.UpdatedAt = now.UTC()
	return true, nil
}

// NewRFQ 构造待发送的外部询价记录
func NewRFQ(id, requestID, service string, provider models.ProviderCandidate, details string, now time.Time, expiry time.Duration) models.ExternalQuotation {
	if expiry <= 0 {
		expiry = DefaultRFQExpiry
	}
	now = now.UTC()
	return models.ExternalQuotation{
		ID:         id,
		RequestID:  requestID,
		ProviderID: provider.ID,
		Service:    service,
		Status:     models.RFQPending,
		Provider: models.ProviderSnapshot{
			ProviderID: provider.ID,
			Name:       provider.Name,
			Email:      provider.Email,
			Phone:      provider.Phone,
			Website:    provider.Website,
		},
		Details:   details,
		ExpiresAt: now.Add(expiry),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AllSettled 全部外部询价都已收到报价或被拒绝
func AllSettled(rfqs []models.ExternalQuotation) bool {
	if len(rfqs) == 0 {
		return false
	}
	for _, q := range rfqs {
		if q.Status != models.RFQReceived && q.Status != models.RFQDeclined {
			return false
		}
	}
	return true
}

func sameResponse(a, b *models.ProviderResponse) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
