package providers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-intake/internal/models"
)

func TestSelectForOutreachOrderingAndCap(t *testing.T) {
	var candidates []models.ProviderCandidate
	for i := 0; i < 10; i++ {
		c := models.ProviderCandidate{ID: fmt.Sprintf("p%d", i), Rating: float64(i) / 2}
		if i%3 == 0 {
			c.Email = fmt.Sprintf("p%d@taller.es", i)
		}
		candidates = append(candidates, c)
	}
	selected := SelectForOutreach(candidates, 3)
	require.Len(t, selected, 3)
	assert.Equal(t, []string{"p9", "p6", "p3"}, []string{selected[0].ID, selected[1].ID, selected[2].ID})

	assert.Len(t, SelectForOutreach(candidates, 50), MaxOutreachCap, "上限不能超过最大值")
	assert.Len(t, SelectForOutreach(candidates, 0), DefaultOutreachCap)
	assert.Len(t, SelectForOutreach(candidates[:2], 5), 2)
}

func testRequest() models.QuotationRequest {
	return models.QuotationRequest{
		ID:            "req_1",
		Material:      "aluminio 6082",
		Quantity:      100,
		SurfaceFinish: "anodizado",
	}
}

func TestDispatchSendFailureLeavesPending(t *testing.T) {
	store := newMemoryRFQStore()
	mailer := &fakeMailer{fail: map[string]bool{"caido@anodizados.es": true}}
	d := NewDispatcher(store, mailer, 0, nil)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	candidates := []models.ProviderCandidate{
		{ID: "ok", Name: "Anodizados OK", Email: "ventas@anodizados.es"},
		{ID: "down", Name: "Anodizados Caído", Email: "caido@anodizados.es"},
		{ID: "phone", Name: "Solo Teléfono", Phone: "960"},
	}
	results := d.Dispatch(context.Background(), testRequest(), "anodizado", candidates)
	require.Len(t, results, 3)

	assert.True(t, results[0].Sent)
	assert.Equal(t, models.RFQSent, results[0].RFQ.Status)
	require.NotNil(t, results[0].RFQ.SentAt)
	assert.Equal(t, now.Add(7*24*time.Hour), results[0].RFQ.ExpiresAt)

	assert.False(t, results[1].Sent)
	assert.Error(t, results[1].Err)
	assert.Equal(t, models.RFQPending, results[1].RFQ.Status, "发送失败的询价保持 pending")
	assert.NotEmpty(t, results[1].RFQ.SendError)
	assert.Equal(t, models.RFQPending, results[2].RFQ.Status)

	assert.Equal(t, 1, store.byStatus(models.RFQSent))
	assert.Equal(t, 2, store.byStatus(models.RFQPending))
	assert.Len(t, mailer.sent, 1, "失败的发送不应立即重试")
	assert.Len(t, store.interactions, 3)
	assert.Equal(t, models.PayloadProviderContact, store.interactions[1].Payload.Kind)
	assert.False(t, store.interactions[1].Payload.ProviderContact.Sent)

	msg := mailer.sent[0]
	assert.Contains(t, msg.Subject, "anodizado")
	assert.Contains(t, msg.Body, "Material: aluminio 6082")
	assert.Contains(t, msg.Body, results[0].RFQ.ID)
}

func TestDispatchReplayDoesNotDuplicate(t *testing.T) {
	store := newMemoryRFQStore()
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, 48*time.Hour, nil)
	candidates := []models.ProviderCandidate{{ID: "ok", Name: "Cromados", Email: "rfq@cromados.es"}}

	first := d.Dispatch(context.Background(), testRequest(), "cromado", candidates)
	second := d.Dispatch(context.Background(), testRequest(), "cromado", candidates)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].Sent)
	assert.True(t, second[0].Duplicate)
	assert.Len(t, mailer.sent, 1)
	assert.Len(t, store.rfqs, 1)
}
