// 本文件用于询价请求的生命周期状态机 迁移表固定 状态只前进不回退
package quotation

import (
	"errors"
	"fmt"
	"time"

	"quote-intake/internal/models"
)

var (
	// ErrInvalidTransition 不在迁移表内或发生回退
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions 合法迁移表 gathering_info 自环表示等待客户补充信息
var transitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestPending:          {models.RequestGatheringInfo},
	models.RequestGatheringInfo:    {models.RequestGatheringInfo, models.RequestWaitingProviders, models.RequestReadyForHuman},
	models.RequestWaitingProviders: {models.RequestReadyForHuman, models.RequestQuoted},
	models.RequestReadyForHuman:    {models.RequestQuoted},
}

// rank 主干上的先后次序 侧边终态不参与排序
var rank = map[models.RequestStatus]int{
	models.RequestPending:          0,
	models.RequestGatheringInfo:    1,
	models.RequestWaitingProviders: 2,
	models.RequestReadyForHuman:    3,
	models.RequestQuoted:           4,
}

// InitialStatus 根据护栏决策确定新请求的初始状态
// escalated 与 ignored 只能在分类时直接写入
func InitialStatus(decision models.Decision) models.RequestStatus {
	switch decision {
	case models.DecisionHandle:
		return models.RequestPending
	case models.DecisionIgnore:
		return models.RequestIgnored
	default:
		return models.RequestEscalated
	}
}

// IsTerminal 终态不再接受自动迁移
func IsTerminal(status models.RequestStatus) bool {
	switch status {
	case models.RequestQuoted, models.RequestEscalated, models.RequestIgnored:
		return true
	default:
		return false
	}
}

// IsActive 处于自动化流程中的请求
func IsActive(status models.RequestStatus) bool {
	_, ok := rank[status]
	return ok && !IsTerminal(status)
}

// CanTransition 判断 from 到 to 是否合法
func CanTransition(from, to models.RequestStatus) bool {
	fromRank, okFrom := rank[from]
	toRank, okTo := rank[to]
	if !okFrom || !okTo || toRank < fromRank {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 原地修改请求状态 非法迁移时请求保持不变
func Transition(req *models.QuotationRequest, to models.RequestStatus, now time.Time) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidTransition)
	}
	if !CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s (request=%s)", ErrInvalidTransition, req.Status, to, req.ID)
	}
	req.Status = to
	req.UpdatedAt = now.UTC()
	return nil
}

// Successors 返回某状态允许的后继 供 API 与 CLI 展示
func Successors(from models.RequestStatus) []models.RequestStatus {
	return append([]models.RequestStatus(nil), transitions[from]...)
}
