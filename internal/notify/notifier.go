// 本文件用于转人工与陈旧外部询价的运营通知
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quote-intake/internal/logger"
)

// Escalation 需要人工跟进的事件
type Escalation struct {
	RequestID  string
	ThreadID   string
	From       string
	Subject    string
	Status     string
	Reason     string
	Confidence float64
	At         time.Time
}

// Notifier 运营通知渠道
type Notifier interface {
	NotifyEscalation(ctx context.Context, e Escalation) error
	NotifyStaleRFQs(ctx context.Context, count int, sample []string) error
}

// LogNotifier 未配置机器人时写日志
type LogNotifier struct{}

func (LogNotifier) NotifyEscalation(_ context.Context, e Escalation) error {
	logger.Warn("需要人工处理: request=%s thread=%s from=%s reason=%s", e.RequestID, e.ThreadID, e.From, e.Reason)
	return nil
}

func (LogNotifier) NotifyStaleRFQs(_ context.Context, count int, sample []string) error {
	logger.Warn("存在 %d 个过期外部询价: %s", count, strings.Join(sample, ","))
	return nil
}

func escalationMarkdown(e Escalation) (string, string) {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	title := "Solicitud para revisión manual"
	lines := []string{
		"### " + title,
		"",
		fmt.Sprintf("- estado: `%s`", defaultValue(e.Status, "escalated")),
		fmt.Sprintf("- remitente: %s", defaultValue(e.From, "desconocido")),
		fmt.Sprintf("- asunto: %s", defaultValue(e.Subject, "(sin asunto)")),
	}
	if e.RequestID != "" {
		lines = append(lines, fmt.Sprintf("- solicitud: `%s`", e.RequestID))
	}
	if e.ThreadID != "" {
		lines = append(lines, fmt.Sprintf("- hilo: `%s`", e.ThreadID))
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		lines = append(lines, fmt.Sprintf("- motivo: %s (confianza %.2f)", reason, e.Confidence))
	}
	lines = append(lines, "- hora: "+at.Format("2006-01-02 15:04:05"))
	return title, strings.Join(lines, "\n")
}

func staleMarkdown(count int, sample []string) (string, string) {
	title := "Cotizaciones externas vencidas"
	text := fmt.Sprintf("### %s\n\n- total: %d", title, count)
	if len(sample) > 0 {
		text += "\n- ejemplos: `" + strings.Join(sample, "`, `") + "`"
	}
	return title, text
}

func defaultValue(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
