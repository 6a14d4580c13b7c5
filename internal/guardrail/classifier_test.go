package guardrail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"quote-intake/internal/kb"
	"quote-intake/internal/models"
)

type fakeFallback struct {
	verdict   FallbackVerdict
	err       error
	calls     int
	knowledge string
}

func (f *fakeFallback) Assess(_ context.Context, _ models.InboundEmail, knowledge string) (FallbackVerdict, error) {
	f.calls++
	f.knowledge = knowledge
	return f.verdict, f.err
}

type recordingAudit struct {
	results []models.ClassificationResult
	err     error
}

func (r *recordingAudit) AppendClassification(_ context.Context, result models.ClassificationResult) error {
	r.results = append(r.results, result)
	return r.err
}

type stubKnowledge struct {
	scope kb.Scope
}

func (s *stubKnowledge) Retrieve(_ context.Context, _ string, scope kb.Scope, _ kb.RetrieveOptions) (kb.Result, error) {
	s.scope = scope
	return kb.Result{Context: "### Servicios\nAnodizado externo", TokenCount: 9}, nil
}

func quotationEmail() models.InboundEmail {
	return models.InboundEmail{
		ID:          "m1",
		ThreadID:    "t1",
		From:        "compras@cliente.example",
		Subject:     "Presupuesto piezas",
		Body:        "Hola, necesitamos 100 piezas aluminio según plano adjunto.",
		Attachments: []models.Attachment{{Filename: "soporte.step"}},
	}
}

func TestSpamScenarioIsIgnored(t *testing.T) {
	audit := &recordingAudit{}
	fb := &fakeFallback{}
	c := NewClassifier(nil, WithAudit(audit), WithFallback(fb))

	res := c.Classify(context.Background(), models.InboundEmail{
		ID:      "spam-1",
		From:    "spam@free-mail.example",
		Subject: "FREE MONEY!!!",
		Body:    "CLICK HERE to claim your prize",
	})
	if res.Decision != models.DecisionIgnore {
		t.Fatalf("期望 ignore, 实际 %s (%s)", res.Decision, res.Reason)
	}
	if res.Confidence <= 0.9 {
		t.Fatalf("垃圾邮件置信度应大于 0.9, 实际 %.2f", res.Confidence)
	}
	if res.MessageType != models.MessageSpam {
		t.Fatalf("期望 spam 类型, 实际 %s", res.MessageType)
	}
	if fb.calls != 0 {
		t.Fatalf("垃圾邮件不应触发 LLM 兜底")
	}
	if len(audit.results) != 1 || len(audit.results[0].Rules) != 5 {
		t.Fatalf("审计应记录完整规则轨迹: %+v", audit.results)
	}
}

func TestQuotationWithAttachmentIsHandledWithoutFallback(t *testing.T) {
	fb := &fakeFallback{}
	c := NewClassifier(nil, WithFallback(fb))

	res := c.Classify(context.Background(), quotationEmail())
	if res.Decision != models.DecisionHandle {
		t.Fatalf("期望 handle, 实际 %s (%s)", res.Decision, res.Reason)
	}
	if res.MessageType != models.MessageQuotationRequest {
		t.Fatalf("期望 quotation_request, 实际 %s", res.MessageType)
	}
	if res.Confidence < 0.85 || res.Confidence > 0.95 {
		t.Fatalf("置信度应在 [0.85,0.95], 实际 %.2f", res.Confidence)
	}
	if fb.calls != 0 || res.UsedFallback {
		t.Fatalf("确定性命中不应调用 LLM")
	}
}

func TestTwoKeywordsAndAttachmentMeetsHandleFloor(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), models.InboundEmail{
		ID:          "m2",
		Subject:     "Presupuesto",
		Body:        "Adjunto plano",
		Attachments: []models.Attachment{{Filename: "brida.DXF"}},
	})
	if res.Decision != models.DecisionHandle || res.Confidence < 0.85 {
		t.Fatalf("两个关键词加附件应自动处理: %s %.2f", res.Decision, res.Confidence)
	}
}

func TestComplaintEscalates(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), models.InboundEmail{
		ID:      "m3",
		Subject: "Queja pedido 123",
		Body:    "Las piezas llegaron con defectos, es inaceptable.",
	})
	if res.Decision != models.DecisionEscalate || res.MessageType != models.MessageComplaint {
		t.Fatalf("投诉应转人工: %s %s", res.Decision, res.MessageType)
	}
}

func TestOutOfScopeEscalates(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), models.InboundEmail{
		ID:      "m4",
		Subject: "Oferta de empleo",
		Body:    "Adjunto mi curriculum para la vacante publicada.",
	})
	if res.Decision != models.DecisionEscalate || res.MessageType != models.MessageOutOfScope {
		t.Fatalf("范围外邮件应转人工: %s %s", res.Decision, res.MessageType)
	}
}

func TestIntentAloneUsesFallback(t *testing.T) {
	knowledge := &stubKnowledge{}
	cases := []struct {
		name     string
		verdict  FallbackVerdict
		err      error
		decision models.Decision
	}{
		{name: "确认意图", verdict: FallbackVerdict{QuotationIntent: true, Confidence: 0.9}, decision: models.DecisionHandle},
		{name: "置信度不足", verdict: FallbackVerdict{QuotationIntent: true, Confidence: 0.72}, decision: models.DecisionEscalate},
		{name: "否认意图", verdict: FallbackVerdict{QuotationIntent: false, Confidence: 0.95}, decision: models.DecisionEscalate},
		{name: "调用失败", err: errors.New("timeout"), decision: models.DecisionEscalate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fakeFallback{verdict: tc.verdict, err: tc.err}
			c := NewClassifier(nil, WithFallback(fb), WithKnowledge(knowledge))
			res := c.Classify(context.Background(), models.InboundEmail{
				ID:      "m5",
				Subject: "Presupuesto",
				Body:    "Necesitamos precio para 50 piezas",
			})
			if fb.calls != 1 || !res.UsedFallback {
				t.Fatalf("仅命中意图时应调用一次兜底")
			}
			if res.Decision != tc.decision {
				t.Fatalf("期望 %s, 实际 %s (%s)", tc.decision, res.Decision, res.Reason)
			}
			if res.Decision == models.DecisionHandle && res.Confidence < HandleFloor {
				t.Fatalf("低置信度不能自动处理")
			}
			if fb.knowledge == kb.NoKnowledgeContext || knowledge.scope != KnowledgeScope {
				t.Fatalf("兜底应携带护栏范围的知识上下文")
			}
		})
	}
}

func TestIntentAloneWithoutFallbackEscalates(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), models.InboundEmail{
		ID:      "m6",
		Subject: "Presupuesto",
		Body:    "Precio para 20 piezas",
	})
	if res.Decision != models.DecisionEscalate {
		t.Fatalf("未启用兜底时应转人工, 实际 %s", res.Decision)
	}
}

func TestNoSignalsEscalatesAtFixedConfidence(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), models.InboundEmail{ID: "m7", Subject: "Hola", Body: "¿Qué tal?"})
	if res.Decision != models.DecisionEscalate || res.Confidence != 0.6 {
		t.Fatalf("期望 escalate@0.6, 实际 %s@%.2f", res.Decision, res.Confidence)
	}
	if res.MessageType != models.MessageGeneralInquiry {
		t.Fatalf("期望 general_inquiry, 实际 %s", res.MessageType)
	}
}

func TestAuditFailureDoesNotChangeDecision(t *testing.T) {
	audit := &recordingAudit{err: errors.New("disk full")}
	c := NewClassifier(nil, WithAudit(audit))
	res := c.Classify(context.Background(), quotationEmail())
	if res.Decision != models.DecisionHandle {
		t.Fatalf("审计失败不应影响决策: %s", res.Decision)
	}
	if len(audit.results) != 1 {
		t.Fatalf("审计应被调用")
	}
}

// 任何路径下 置信度低于阈值都不能自动处理
func TestHandleFloorAcrossCorpus(t *testing.T) {
	emails := []models.InboundEmail{
		quotationEmail(),
		{Subject: "Presupuesto", Body: "piezas"},
		{Subject: "RFQ", Body: "quote for parts", Attachments: []models.Attachment{{Filename: "a.pdf"}}},
		{Subject: "FREE MONEY", Body: "click here!!!"},
		{Subject: "Factura", Body: "adjunto factura newsletter"},
		{Subject: "", Body: ""},
	}
	verdicts := []FallbackVerdict{
		{QuotationIntent: true, Confidence: 0.71},
		{QuotationIntent: true, Confidence: 0.74},
		{QuotationIntent: true, Confidence: 0.99},
	}
	for _, v := range verdicts {
		c := NewClassifier(nil, WithFallback(&fakeFallback{verdict: v}))
		for _, e := range emails {
			res := c.Classify(context.Background(), e)
			if res.Confidence < HandleFloor && res.Decision == models.DecisionHandle {
				t.Fatalf("违反置信度下限: %+v", res)
			}
		}
	}
}

func TestLoadRulesOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	content := `
version: 2
complaint:
  keywords: ["  Garantía ", "garantía"]
technical_extensions: ["step", ".3MF"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入规则失败: %v", err)
	}
	rs, err := LoadRules(path)
	if err != nil {
		t.Fatalf("加载规则失败: %v", err)
	}
	if rs.Version != 2 {
		t.Fatalf("版本号未覆盖: %d", rs.Version)
	}
	if len(rs.Complaint.Keywords) != 1 || rs.Complaint.Keywords[0] != "garantía" {
		t.Fatalf("投诉关键词应去重并小写: %v", rs.Complaint.Keywords)
	}
	if rs.TechnicalExtensions[0] != ".step" || rs.TechnicalExtensions[1] != ".3mf" {
		t.Fatalf("扩展名应补点并小写: %v", rs.TechnicalExtensions)
	}
	if len(rs.Quotation.Keywords) == 0 {
		t.Fatalf("未覆盖的部分应沿用默认值")
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("文件不存在应报错")
	}
}
