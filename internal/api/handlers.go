// 本文件用于询价请求 外部询价与审计日志的 HTTP 处理器
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/store"
	"quote-intake/internal/workflow"
)

func (h *handler) workflowReady(w http.ResponseWriter) bool {
	if h.deps.Workflow == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "workflow is not ready"})
		return false
	}
	return true
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	if !h.workflowReady(w) {
		return
	}
	q := r.URL.Query()
	items, err := h.deps.Workflow.ListRequests(r.Context(), q.Get("status"), parsePositiveInt(q.Get("limit"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QuotationRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items, "total": len(items)})
}

func (h *handler) requestDetail(w http.ResponseWriter, r *http.Request) {
	if !h.workflowReady(w) {
		return
	}
	detail, err := h.deps.Workflow.GetRequestDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "detail": detail})
}

func (h *handler) markReady(w http.ResponseWriter, r *http.Request) {
	h.requestTransition(w, r, models.RequestReadyForHuman)
}

func (h *handler) markQuoted(w http.ResponseWriter, r *http.Request) {
	h.requestTransition(w, r, models.RequestQuoted)
}

// requestTransition 请求体可为空 操作人取自 X-Operator 或 body.operator
func (h *handler) requestTransition(w http.ResponseWriter, r *http.Request, to models.RequestStatus) {
	if !h.workflowReady(w) {
		return
	}
	var body struct {
		Operator string `json:"operator"`
	}
	if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, err)
		return
	}
	operator := operatorFrom(r, body.Operator)
	id := r.PathValue("id")

	var (
		req *models.QuotationRequest
		err error
	)
	if to == models.RequestQuoted {
		req, err = h.deps.Workflow.MarkQuoted(r.Context(), id, operator)
	} else {
		req, err = h.deps.Workflow.MarkReadyForHuman(r.Context(), id, operator)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("操作员更新请求状态: request=%s to=%s operator=%s", id, to, operator)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": req})
}

func (h *handler) listRFQs(w http.ResponseWriter, r *http.Request) {
	if !h.workflowReady(w) {
		return
	}
	q := r.URL.Query()
	items, err := h.deps.Workflow.ListRFQs(r.Context(), q.Get("status"), parsePositiveInt(q.Get("limit"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.ExternalQuotation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items, "total": len(items)})
}

func (h *handler) staleRFQs(w http.ResponseWriter, r *http.Request) {
	if !h.workflowReady(w) {
		return
	}
	report, err := h.deps.Workflow.StaleReport(r.Context(), h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

// providerResponse 操作员录入供应商回复 重复提交相同内容返回 changed=false
func (h *handler) providerResponse(w http.ResponseWriter, r *http.Request) {
	if !h.workflowReady(w) {
		return
	}
	var body struct {
		Status           models.RFQStatus         `json:"status"`
		ProviderResponse *models.ProviderResponse `json:"providerResponse"`
		Operator         string                   `json:"operator"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.deps.Workflow.ApplyProviderResponse(r.Context(), workflow.ProviderUpdate{
		RFQID:    r.PathValue("id"),
		Status:   body.Status,
		Response: body.ProviderResponse,
		Operator: operatorFrom(r, body.Operator),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (h *handler) auditLogs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit store is not ready"})
		return
	}
	q := r.URL.Query()
	filter := store.AuditFilter{
		ResourceType: strings.TrimSpace(q.Get("resourceType")),
		ResourceID:   strings.TrimSpace(q.Get("resourceId")),
		Operator:     strings.TrimSpace(q.Get("operator")),
		Action:       strings.TrimSpace(q.Get("action")),
		Limit:        parsePositiveInt(q.Get("limit"), 100),
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, models.NewValidationError(key, "must be RFC3339"))
			return
		}
		*dst = t
	}
	items, err := h.deps.Audit.ListAuditLogs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items, "total": len(items)})
}
