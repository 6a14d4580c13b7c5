package guardrail

import (
	"context"
	"fmt"
	"strings"

	"quote-intake/internal/llm"
	"quote-intake/internal/models"
)

const fallbackSystemPrompt = `
你是机加工车间的邮件分诊助手 客户主要使用西班牙语
请判断邮件是否为零件加工询价 并抽取技术字段 输出 JSON 对象 禁止使用 Markdown
字段值保持邮件原文语言 无法确定的字段留空
参考知识如下 若为 NO_RELEVANT_KNOWLEDGE 表示没有可用知识
`

const fallbackSchemaHint = `{
  "quotation_intent": true,
  "confidence": 0.0,
  "message_type": "quotation_request|general_inquiry|complaint|out_of_scope|spam",
  "reason": "string",
  "material": "string",
  "quantity": 0,
  "dimensions": ["string"],
  "tolerances": ["string"],
  "surface_finish": "string",
  "deadline": "string"
}`

const maxFallbackBody = 4000

type fallbackResponse struct {
	QuotationIntent bool     `json:"quotation_intent"`
	Confidence      float64  `json:"confidence"`
	MessageType     string   `json:"message_type"`
	Reason          string   `json:"reason"`
	Material        string   `json:"material"`
	Quantity        int      `json:"quantity"`
	Dimensions      []string `json:"dimensions"`
	Tolerances      []string `json:"tolerances"`
	SurfaceFinish   string   `json:"surface_finish"`
	Deadline        string   `json:"deadline"`
}

// LLMFallback 基于补全接口的兜底判定
type LLMFallback struct {
	completer llm.Completer
}

func NewLLMFallback(completer llm.Completer) *LLMFallback {
	return &LLMFallback{completer: completer}
}

func (f *LLMFallback) Assess(ctx context.Context, email models.InboundEmail, knowledge string) (FallbackVerdict, error) {
	if f == nil || f.completer == nil {
		return FallbackVerdict{}, fmt.Errorf("LLM 兜底未配置")
	}
	system := strings.TrimSpace(fallbackSystemPrompt) + "\n" + knowledge
	var resp fallbackResponse
	if err := f.completer.CompleteJSON(ctx, system, buildFallbackUserContent(email), fallbackSchemaHint, &resp); err != nil {
		return FallbackVerdict{}, err
	}
	verdict := FallbackVerdict{
		QuotationIntent: resp.QuotationIntent,
		Confidence:      clamp01(resp.Confidence),
		MessageType:     models.MessageType(strings.TrimSpace(resp.MessageType)),
		Reason:          strings.TrimSpace(resp.Reason),
	}
	if resp.Material != "" || resp.Quantity > 0 || len(resp.Dimensions) > 0 ||
		len(resp.Tolerances) > 0 || resp.SurfaceFinish != "" || resp.Deadline != "" {
		verdict.Extracted = &models.ExtractedFields{
			Material:      strings.TrimSpace(resp.Material),
			Quantity:      resp.Quantity,
			Dimensions:    resp.Dimensions,
			Tolerances:    resp.Tolerances,
			SurfaceFinish: strings.TrimSpace(resp.SurfaceFinish),
			Deadline:      strings.TrimSpace(resp.Deadline),
			Confidence:    verdict.Confidence,
		}
	}
	return verdict, nil
}

func buildFallbackUserContent(email models.InboundEmail) string {
	var b strings.Builder
	b.WriteString("From: " + email.From + "\n")
	b.WriteString("Subject: " + email.Subject + "\n")
	if len(email.Attachments) > 0 {
		names := make([]string, 0, len(email.Attachments))
		for _, att := range email.Attachments {
			names = append(names, att.Filename)
		}
		b.WriteString("Attachments: " + strings.Join(names, ", ") + "\n")
	}
	body := email.Body
	if r := []rune(body); len(r) > maxFallbackBody {
		body = string(r[:maxFallbackBody])
	}
	b.WriteString("\n" + body)
	return b.String()
}
