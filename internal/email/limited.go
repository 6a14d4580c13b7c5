package email

import (
	"context"
	"fmt"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/ratelimit"
)

// LimitedMailer 所有发送都经过 email 限流器
type LimitedMailer struct {
	inner    Mailer
	limiter  *ratelimit.Limiter
	priority int
}

// NewLimitedMailer priority 越小越先发送
func NewLimitedMailer(inner Mailer, limiter *ratelimit.Limiter, priority int) *LimitedMailer {
	return &LimitedMailer{inner: inner, limiter: limiter, priority: priority}
}

func (m *LimitedMailer) Send(ctx context.Context, msg models.OutboundEmail) error {
	if m == nil || m.inner == nil {
		return models.NewExternalError(dependency, "send", fmt.Errorf("mailer not configured"))
	}
	return m.limiter.Schedule(ctx, m.priority, 1, func(ctx context.Context) error {
		return m.inner.Send(ctx, msg)
	})
}

// LogMailer 未配置 SMTP 时只记录日志 便于本地联调
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg models.OutboundEmail) error {
	logger.Info("模拟发送邮件: to=%s subject=%s thread=%s", msg.To, msg.Subject, msg.ThreadID)
	return nil
}
