package workflow

import (
	"context"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

// ItemResult 批处理中单封邮件的结果
type ItemResult struct {
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
	Err     string  `json:"error,omitempty"`
}

// BatchReport 批处理汇总 单封失败不影响其余邮件
type BatchReport struct {
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// HandleBatch 顺序处理一批邮件 ctx 取消后剩余邮件记为失败
func (c *Coordinator) HandleBatch(ctx context.Context, emails []models.InboundEmail) BatchReport {
	report := BatchReport{Items: make([]ItemResult, 0, len(emails))}
	for _, email := range emails {
		item := ItemResult{Key: email.ID}
		if err := ctx.Err(); err != nil {
			item.Err = err.Error()
			report.Failed++
			report.Items = append(report.Items, item)
			continue
		}
		out, err := c.HandleEmail(ctx, email)
		item.Outcome = out
		if err != nil {
			logger.Warn("批处理邮件失败: email=%s err=%v", email.ID, err)
			item.Err = err.Error()
			report.Failed++
		} else {
			report.Succeeded++
		}
		report.Items = append(report.Items, item)
	}
	logger.Info("批处理完成: total=%d ok=%d failed=%d", len(emails), report.Succeeded, report.Failed)
	return report
}
