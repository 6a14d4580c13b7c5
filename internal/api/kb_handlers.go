// 本文件用于知识库 HTTP 处理器 供控制台维护护栏兜底与寻源使用的知识文档
package api

import (
	"net/http"
	"strings"

	"quote-intake/internal/kb"
	"quote-intake/internal/logger"
)

func (h *handler) kbReady(w http.ResponseWriter) bool {
	if h.deps.KB == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "knowledge base is not ready"})
		return false
	}
	return true
}

func scopeFromQuery(r *http.Request) kb.Scope {
	q := r.URL.Query()
	return kb.Scope{
		Agent:    strings.TrimSpace(q.Get("agent")),
		Category: strings.TrimSpace(q.Get("category")),
	}
}

func (h *handler) kbDocuments(w http.ResponseWriter, r *http.Request) {
	if !h.kbReady(w) {
		return
	}
	items, err := h.deps.KB.ListDocuments(r.Context(), scopeFromQuery(r), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items, "total": len(items)})
}

func (h *handler) kbCreateDocument(w http.ResponseWriter, r *http.Request) {
	if !h.kbReady(w) {
		return
	}
	var body struct {
		Agent     string `json:"agent"`
		Category  string `json:"category"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		SourceRef string `json:"sourceRef"`
		CreatedBy string `json:"createdBy"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.deps.KB.CreateDocument(r.Context(), kb.CreateInput{
		Scope:     kb.Scope{Agent: body.Agent, Category: body.Category},
		Title:     body.Title,
		Content:   body.Content,
		SourceRef: body.SourceRef,
		CreatedBy: operatorFrom(r, body.CreatedBy),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("知识文档已创建: id=%s scope=%s/%s", doc.ID, doc.Agent, doc.Category)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "document": doc})
}

func (h *handler) kbDocumentByID(w http.ResponseWriter, r *http.Request) {
	if !h.kbReady(w) {
		return
	}
	doc, err := h.deps.KB.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "document": doc})
}

// kbVerifyDocument 校验后的文档不可再修改
func (h *handler) kbVerifyDocument(w http.ResponseWriter, r *http.Request) {
	if !h.kbReady(w) {
		return
	}
	doc, err := h.deps.KB.VerifyDocument(r.Context(), r.PathValue("id"), operatorFrom(r, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "document": doc})
}

// kbSearch 与护栏兜底使用同一检索器 便于排查提示词中的知识上下文
func (h *handler) kbSearch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Retriever == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "knowledge retriever is not ready"})
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	res, err := h.deps.Retriever.Retrieve(r.Context(), query, scopeFromQuery(r), kb.RetrieveOptions{
		Limit: parsePositiveInt(q.Get("limit"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}
