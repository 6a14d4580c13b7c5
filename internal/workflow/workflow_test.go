package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-intake/internal/guardrail"
	"quote-intake/internal/models"
	"quote-intake/internal/notify"
	"quote-intake/internal/providers"
	"quote-intake/internal/quotation"
	"quote-intake/internal/store"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []models.OutboundEmail
	fail map[string]bool
}

func (m *recordingMailer) Send(_ context.Context, msg models.OutboundEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[msg.To] {
		return models.NewExternalError("smtp", "send", errors.New("connection refused"))
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) to(addr string) []models.OutboundEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboundEmail
	for _, msg := range m.sent {
		if msg.To == addr {
			out = append(out, msg)
		}
	}
	return out
}

type fakeSourcer struct {
	mu         sync.Mutex
	candidates []models.ProviderCandidate
	err        error
	queries    []providers.Query
}

func (f *fakeSourcer) FindProviders(_ context.Context, q providers.Query) (providers.Found, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return providers.Found{}, f.err
	}
	return providers.Found{FromRegistry: f.candidates}, nil
}

type recordingNotifier struct {
	mu          sync.Mutex
	escalations []notify.Escalation
	staleCounts []int
}

func (n *recordingNotifier) NotifyEscalation(_ context.Context, e notify.Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, e)
	return nil
}

func (n *recordingNotifier) NotifyStaleRFQs(_ context.Context, count int, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.staleCounts = append(n.staleCounts, count)
	return nil
}

type harness struct {
	store    *store.SQLiteStore
	mailer   *recordingMailer
	sourcer  *fakeSourcer
	notifier *recordingNotifier
	coord    *Coordinator
}

const customerAddr = "compras@cliente.es"

func anodizers(n int) []models.ProviderCandidate {
	out := make([]models.ProviderCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.ProviderCandidate{
			ID:     fmt.Sprintf("prov_%d", i),
			Name:   fmt.Sprintf("Anodizados %d", i),
			Email:  fmt.Sprintf("ventas%d@anodizados.es", i),
			Rating: float64(5 - i),
			Active: true,
			Source: models.SourceRegistry,
		})
	}
	return out
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:    st,
		mailer:   &recordingMailer{fail: map[string]bool{}},
		sourcer:  &fakeSourcer{candidates: anodizers(2)},
		notifier: &recordingNotifier{},
	}
	coord, err := NewCoordinator(Deps{
		Store:      st,
		Classifier: guardrail.NewClassifier(nil, guardrail.WithAudit(st)),
		Sourcer:    h.sourcer,
		Dispatcher: providers.NewDispatcher(st, h.mailer, 0, nil),
		Mailer:     h.mailer,
		Notifier:   h.notifier,
	}, settings)
	require.NoError(t, err)
	h.coord = coord
	return h
}

func incompleteEmail() models.InboundEmail {
	return models.InboundEmail{
		ID:          "msg-1",
		ThreadID:    "thread-1",
		From:        "Compras Talleres <Compras@Cliente.es>",
		Subject:     "Presupuesto mecanizado",
		Body:        "Hola, adjuntamos el plano para que nos preparen presupuesto.",
		Attachments: []models.Attachment{{Filename: "brida.dxf", Size: 10}},
	}
}

func anodizedEmail() models.InboundEmail {
	return models.InboundEmail{
		ID:          "msg-2",
		ThreadID:    "thread-2",
		From:        customerAddr,
		Subject:     "Presupuesto piezas",
		Body:        "Necesitamos 100 piezas de aluminio 6082 con anodizado negro. Adjunto plano.",
		Attachments: []models.Attachment{{Filename: "soporte.step", Size: 10}},
	}
}

func interactionTypes(t *testing.T, h *harness, requestID string) []models.InteractionType {
	t.Helper()
	items, err := h.store.ListInteractions(context.Background(), requestID)
	require.NoError(t, err)
	out := make([]models.InteractionType, 0, len(items))
	for _, it := range items {
		out = append(out, it.Type)
	}
	return out
}

func TestMissingInfoKeepsGatheringAndAsksCustomer(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	out, err := h.coord.HandleEmail(ctx, incompleteEmail())
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, models.DecisionHandle, out.Decision)
	assert.Equal(t, models.RequestGatheringInfo, out.Status)
	assert.Equal(t, []string{"material", "quantity"}, out.MissingInfo)

	req, err := h.store.GetRequest(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, customerAddr, req.Customer.Email, "客户地址应小写")
	assert.Equal(t, "Compras Talleres", req.Customer.Name)
	assert.Equal(t, []string{"material", "quantity"}, req.MissingInfo)

	sent := h.mailer.to(customerAddr)
	require.Len(t, sent, 2, "确认邮件与补充信息邮件各一封")
	assert.Contains(t, sent[0].Body, "Hemos recibido su solicitud")
	assert.Contains(t, sent[1].Body, "Material de las piezas")
	assert.Contains(t, sent[1].Body, "Cantidad de piezas")
	assert.Equal(t, "thread-1", sent[1].ThreadID)

	assert.Equal(t, []models.InteractionType{
		models.InteractionReceived,
		models.InteractionStatusChange,
		models.InteractionConfirmation,
		models.InteractionInfoRequest,
	}, interactionTypes(t, h, out.RequestID))
	assert.Empty(t, h.sourcer.queries, "信息不全时不应寻源")
}

func TestFollowUpCompletesRequestWithoutReclassifying(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	first, err := h.coord.HandleEmail(ctx, incompleteEmail())
	require.NoError(t, err)

	reply := models.InboundEmail{
		ID:       "msg-1b",
		ThreadID: "thread-1",
		From:     customerAddr,
		Subject:  "Re: Presupuesto mecanizado",
		Body:     "Serían 200 piezas de acero inoxidable.",
	}
	out, err := h.coord.HandleEmail(ctx, reply)
	require.NoError(t, err)
	assert.True(t, out.Continued)
	assert.False(t, out.Created)
	assert.Equal(t, first.RequestID, out.RequestID)
	assert.Empty(t, out.Decision, "已有线程不重新分类")
	assert.Equal(t, models.RequestReadyForHuman, out.Status)

	req, err := h.store.GetRequest(ctx, first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "acero inoxidable", req.Material)
	assert.Equal(t, 200, req.Quantity)
	assert.Empty(t, req.MissingInfo)
	assert.Empty(t, req.ExternalServices)
	assert.Equal(t, []string{"mecanizado"}, req.InternalServices)

	// 只分类过一次
	logs, err := h.store.ListAuditLogs(ctx, store.AuditFilter{Action: store.ActionClassify})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestExternalNeedFromEarlierEmailSurvivesFollowUp(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	first, err := h.coord.HandleEmail(ctx, models.InboundEmail{
		ID:          "msg-3",
		ThreadID:    "thread-3",
		From:        customerAddr,
		Subject:     "Presupuesto ejes",
		Body:        "100 piezas según plano, con temple y revenido.",
		Attachments: []models.Attachment{{Filename: "eje.step", Size: 10}},
	})
	require.NoError(t, err)
	require.Equal(t, models.RequestGatheringInfo, first.Status)
	require.Equal(t, []string{"material"}, first.MissingInfo)

	out, err := h.coord.HandleEmail(ctx, models.InboundEmail{
		ID:       "msg-3b",
		ThreadID: "thread-3",
		From:     customerAddr,
		Subject:  "Re: Presupuesto ejes",
		Body:     "El material es acero.",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestWaitingProviders, out.Status)

	req, err := h.store.GetRequest(ctx, first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "acero", req.Material)
	assert.Equal(t, []string{"tratamiento térmico"}, req.ExternalServices)
	require.Len(t, out.Services, 1)
	assert.Equal(t, "tratamiento térmico", out.Services[0].Service)
}

func TestExternalServiceDispatchesRFQs(t *testing.T) {
	h := newHarness(t, Settings{})
	h.mailer.fail["ventas1@anodizados.es"] = true
	ctx := context.Background()

	out, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)
	assert.Equal(t, models.RequestWaitingProviders, out.Status)
	require.Len(t, out.Services, 1)
	assert.Equal(t, "anodizado", out.Services[0].Service)
	assert.Equal(t, 1, out.Services[0].Sent)
	assert.Equal(t, 1, out.Services[0].Pending)

	require.Len(t, h.sourcer.queries, 1)
	assert.Equal(t, "aluminio 6082", h.sourcer.queries[0].Material)

	rfqs, err := h.store.ListRFQs(ctx, store.RFQFilter{RequestID: out.RequestID})
	require.NoError(t, err)
	require.Len(t, rfqs, 2)
	statuses := map[string]models.RFQStatus{}
	for _, q := range rfqs {
		statuses[q.Provider.Email] = q.Status
	}
	assert.Equal(t, models.RFQSent, statuses["ventas0@anodizados.es"])
	assert.Equal(t, models.RFQPending, statuses["ventas1@anodizados.es"], "发送失败的询价保持 pending")

	req, err := h.store.GetRequest(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, []string{"anodizado"}, req.ExternalServices)
	assert.Empty(t, h.notifier.escalations)
}

func TestReplayDoesNotDuplicateRecordsOrOutreach(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	first, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)
	second, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.True(t, second.Continued)
	assert.Empty(t, second.Services, "已有询价的服务不再寻源")

	all, err := h.store.ListRequests(ctx, store.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	rfqs, err := h.store.ListRFQs(ctx, store.RFQFilter{RequestID: first.RequestID})
	require.NoError(t, err)
	assert.Len(t, rfqs, 2)
	assert.Len(t, h.sourcer.queries, 1)
	assert.Len(t, h.mailer.to(customerAddr), 1, "重放不重复发送确认邮件")

	received := 0
	for _, typ := range interactionTypes(t, h, first.RequestID) {
		if typ == models.InteractionReceived {
			received++
		}
	}
	assert.Equal(t, 1, received, "同一封邮件只记录一次")
}

func TestReplayOfIncompleteEmailDoesNotResendInfoRequest(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	_, err := h.coord.HandleEmail(ctx, incompleteEmail())
	require.NoError(t, err)
	out, err := h.coord.HandleEmail(ctx, incompleteEmail())
	require.NoError(t, err)
	assert.Equal(t, models.RequestGatheringInfo, out.Status)
	assert.Len(t, h.mailer.to(customerAddr), 2)
}

func TestOutreachCapLimitsRFQs(t *testing.T) {
	h := newHarness(t, Settings{OutreachCap: 2})
	h.sourcer.candidates = anodizers(8)

	out, err := h.coord.HandleEmail(context.Background(), anodizedEmail())
	require.NoError(t, err)
	require.Len(t, out.Services, 1)
	assert.Equal(t, 2, out.Services[0].Candidates)
	assert.Equal(t, 2, out.Services[0].Sent)
	assert.ElementsMatch(t, []string{"ventas0@anodizados.es", "ventas1@anodizados.es"},
		[]string{h.mailer.sent[1].To, h.mailer.sent[2].To}, "按评分选取前两名")
}

func TestSourcingFailureKeepsWaitingAndNotifies(t *testing.T) {
	h := newHarness(t, Settings{})
	h.sourcer.candidates = nil

	out, err := h.coord.HandleEmail(context.Background(), anodizedEmail())
	require.NoError(t, err)
	assert.Equal(t, models.RequestWaitingProviders, out.Status)
	require.Len(t, h.notifier.escalations, 1)
	assert.Contains(t, h.notifier.escalations[0].Reason, "anodizado")
}

func TestEscalateAndIgnoreCreateSideStateRecords(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	complaint := models.InboundEmail{
		ID: "c-1", ThreadID: "thread-c", From: customerAddr,
		Subject: "Queja pedido 123", Body: "Las piezas llegaron con defectos, es inaceptable.",
	}
	out, err := h.coord.HandleEmail(ctx, complaint)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionEscalate, out.Decision)
	assert.Equal(t, models.RequestEscalated, out.Status)
	require.Len(t, h.notifier.escalations, 1)
	assert.Equal(t, out.RequestID, h.notifier.escalations[0].RequestID)

	spam := models.InboundEmail{
		ID: "s-1", ThreadID: "thread-s", From: "spam@free-mail.example",
		Subject: "FREE MONEY!!!", Body: "CLICK HERE to claim your prize",
	}
	ignored, err := h.coord.HandleEmail(ctx, spam)
	require.NoError(t, err)
	assert.Equal(t, models.RequestIgnored, ignored.Status)
	assert.Len(t, h.notifier.escalations, 1, "忽略不通知")
	assert.Empty(t, h.mailer.sent, "转人工与忽略都不自动回复")

	followUp := complaint
	followUp.ID = "c-2"
	followUp.Body = "¿Alguna novedad?"
	again, err := h.coord.HandleEmail(ctx, followUp)
	require.NoError(t, err)
	assert.True(t, again.Continued)
	assert.Equal(t, models.RequestEscalated, again.Status)
	assert.Equal(t, []models.InteractionType{models.InteractionReceived, models.InteractionReceived},
		interactionTypes(t, h, out.RequestID))
}

func TestInvalidEmailHasNoSideEffects(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	for _, email := range []models.InboundEmail{
		{ThreadID: "t", From: customerAddr},
		{ID: "x", From: customerAddr},
		{ID: "x", ThreadID: "t", From: "no es un correo"},
	} {
		_, err := h.coord.HandleEmail(ctx, email)
		require.Error(t, err)
		assert.True(t, models.IsValidation(err))
	}
	all, err := h.store.ListRequests(ctx, store.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.mailer.sent)
}

func TestApplyProviderResponseIsIdempotentAndAutoAdvances(t *testing.T) {
	h := newHarness(t, Settings{AutoAdvance: true})
	ctx := context.Background()

	out, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)
	rfqs, err := h.store.ListRFQs(ctx, store.RFQFilter{RequestID: out.RequestID})
	require.NoError(t, err)
	require.Len(t, rfqs, 2)

	_, err = h.coord.ApplyProviderResponse(ctx, ProviderUpdate{RFQID: rfqs[0].ID, Status: models.RFQReceived})
	assert.True(t, models.IsValidation(err), "收到报价必须带回复内容")

	resp := &models.ProviderResponse{Price: 120.5, LeadTimeDays: 5, Notes: "incluye transporte"}
	res, err := h.coord.ApplyProviderResponse(ctx, ProviderUpdate{RFQID: rfqs[0].ID, Status: models.RFQReceived, Response: resp, Operator: "ana"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Advanced)
	assert.Equal(t, models.RequestWaitingProviders, res.RequestStatus)

	again, err := h.coord.ApplyProviderResponse(ctx, ProviderUpdate{RFQID: rfqs[0].ID, Status: models.RFQReceived, Response: resp, Operator: "ana"})
	require.NoError(t, err)
	assert.False(t, again.Changed, "相同回复重复录入是幂等的")

	_, err = h.coord.ApplyProviderResponse(ctx, ProviderUpdate{RFQID: rfqs[0].ID, Status: models.RFQReceived,
		Response: &models.ProviderResponse{Price: 99}})
	assert.ErrorIs(t, err, quotation.ErrInvalidTransition)

	last, err := h.coord.ApplyProviderResponse(ctx, ProviderUpdate{RFQID: rfqs[1].ID, Status: models.RFQDeclined, Operator: "ana"})
	require.NoError(t, err)
	assert.True(t, last.Advanced)
	assert.Equal(t, models.RequestReadyForHuman, last.RequestStatus)

	types := interactionTypes(t, h, out.RequestID)
	replies := 0
	for _, typ := range types {
		if typ == models.InteractionProviderReply {
			replies++
		}
	}
	assert.Equal(t, 2, replies)

	logs, err := h.store.ListAuditLogs(ctx, store.AuditFilter{Action: store.ActionProviderUpdate})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestApplyProviderResponseUnknownRFQ(t *testing.T) {
	h := newHarness(t, Settings{})
	_, err := h.coord.ApplyProviderResponse(context.Background(), ProviderUpdate{RFQID: "rfq_missing", Status: models.RFQDeclined})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOperatorTransitions(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	out, err := h.coord.HandleEmail(ctx, incompleteEmail())
	require.NoError(t, err)

	_, err = h.coord.MarkQuoted(ctx, out.RequestID, "ana")
	assert.ErrorIs(t, err, quotation.ErrInvalidTransition, "信息收集中不能直接标记已报价")

	out2, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)
	req, err := h.coord.MarkReadyForHuman(ctx, out2.RequestID, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.RequestReadyForHuman, req.Status)

	req, err = h.coord.MarkQuoted(ctx, out2.RequestID, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.RequestQuoted, req.Status)

	req, err = h.coord.MarkQuoted(ctx, out2.RequestID, "ana")
	require.NoError(t, err, "重复标记是幂等的")
	assert.Equal(t, models.RequestQuoted, req.Status)

	_, err = h.coord.MarkQuoted(ctx, "req_missing", "ana")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReadModelsAndStaleReport(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	out, err := h.coord.HandleEmail(ctx, anodizedEmail())
	require.NoError(t, err)

	detail, err := h.coord.GetRequestDetail(ctx, out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, out.RequestID, detail.Request.ID)
	assert.Len(t, detail.RFQs, 2)
	assert.NotEmpty(t, detail.Interactions)

	_, err = h.coord.ListRequests(ctx, "bogus", 0)
	assert.True(t, models.IsValidation(err))
	waiting, err := h.coord.ListRequests(ctx, string(models.RequestWaitingProviders), 0)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	sent, err := h.coord.ListRFQs(ctx, string(models.RFQSent), 10)
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	fresh, err := h.coord.StaleReport(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, fresh.Count)

	h.coord.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	report, err := h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.Greater(t, report.Items[0].OverdueHours, 0.0)
	assert.Equal(t, []int{2}, h.notifier.staleCounts)

	// 报告只读 询价状态不变
	after, err := h.coord.ListRFQs(ctx, string(models.RFQSent), 10)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestHandleBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, Settings{})
	report := h.coord.HandleBatch(context.Background(), []models.InboundEmail{
		incompleteEmail(),
		{ID: "bad", From: customerAddr},
		anodizedEmail(),
	})
	require.Len(t, report.Items, 3)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "bad", report.Items[1].Key)
	assert.NotEmpty(t, report.Items[1].Err)
}

func TestConcurrentSameThreadCreatesOneRequest(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := incompleteEmail()
			email.ID = fmt.Sprintf("dup-%d", i)
			_, err := h.coord.HandleEmail(ctx, email)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := h.store.ListRequests(ctx, store.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
