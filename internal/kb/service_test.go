package kb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"quote-intake/internal/cache"
	"quote-intake/internal/metrics"
)

// keywordEmbedder 每个关键词一个维度 便于构造确定的相似度
type keywordEmbedder struct {
	keywords []string
	calls    atomic.Int32
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.calls.Add(1)
	lower := strings.ToLower(text)
	vec := make([]float32, len(k.keywords))
	for i, kw := range k.keywords {
		vec[i] = float32(strings.Count(lower, kw))
	}
	return vec, nil
}

func newTestService(t *testing.T, embedder Embedder) *Service {
	t.Helper()
	s, err := NewService(t.TempDir(), embedder)
	if err != nil {
		t.Fatalf("new kb service failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentLifecycle(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"aluminio", "acero"}}
	s := newTestService(t, emb)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, CreateInput{
		Scope:     Scope{Agent: "guardrail", Category: "quotation"},
		Title:     "Materiales",
		Content:   "Trabajamos aluminio",
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	if doc.Status != StatusDraft || doc.Agent != "guardrail" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Embedding[0] != 1 || doc.Embedding[1] != 0 {
		t.Fatalf("unexpected embedding: %v", doc.Embedding)
	}

	updated, err := s.UpdateDocument(ctx, doc.ID, UpdateInput{Content: "Trabajamos acero", UpdatedBy: "tester"})
	if err != nil {
		t.Fatalf("update document failed: %v", err)
	}
	if updated.Embedding[0] != 0 || updated.Embedding[1] != 1 {
		t.Fatalf("content update should re-embed, got %v", updated.Embedding)
	}

	verified, err := s.VerifyDocument(ctx, doc.ID, "reviewer")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if verified.Status != StatusVerified {
		t.Fatalf("status should be verified, got %s", verified.Status)
	}
	if _, err := s.UpdateDocument(ctx, doc.ID, UpdateInput{Content: "otro"}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("verified document must be immutable, got %v", err)
	}
	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.CreateDocument(ctx, CreateInput{Title: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestImportDocsDeduplicatesBySource(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()
	root := t.TempDir()
	writeDoc(t, filepath.Join(root, "tolerancias.md"), "# Tolerancias\n\nISO 2768-m por defecto")
	writeDoc(t, filepath.Join(root, "nested", "acabados.md"), "# Acabados\n\nAnodizado lo hace un proveedor externo")
	writeDoc(t, filepath.Join(root, "ignore.txt"), "no markdown")

	scope := Scope{Agent: "guardrail", Category: "quotation"}
	first, err := s.ImportDocs(ctx, root, scope, "importer")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if first.Imported != 2 || first.Updated != 0 {
		t.Fatalf("unexpected first import: %+v", first)
	}

	writeDoc(t, filepath.Join(root, "tolerancias.md"), "# Tolerancias\n\nISO 2768-f para piezas de precisión")
	second, err := s.ImportDocs(ctx, root, scope, "importer")
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if second.Imported != 0 || second.Updated != 2 {
		t.Fatalf("unexpected second import: %+v", second)
	}
	docs, err := s.ListDocuments(ctx, scope, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestRetrieveEmptySentinel(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"aluminio", "acero", "anodizado"}}
	s := newTestService(t, emb)
	ctx := context.Background()
	mustCreate(t, s, Scope{Agent: "guardrail", Category: "quotation"}, "Acero", "acero inoxidable")

	r := NewRetriever(s, emb, RetrieveOptions{Threshold: 0.5}, metrics.NewCollector())
	res, err := r.Retrieve(ctx, "anodizado", Scope{Agent: "guardrail"}, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if !res.Empty || res.Context != NoKnowledgeContext || len(res.Documents) != 0 {
		t.Fatalf("expected sentinel result, got %+v", res)
	}
	if res.TokenCount > EstimateTokens(NoKnowledgeContext) {
		t.Fatalf("sentinel token count too large: %d", res.TokenCount)
	}
}

func TestRetrieveScopeAndThreshold(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"aluminio", "acero", "anodizado"}}
	s := newTestService(t, emb)
	ctx := context.Background()
	guard := Scope{Agent: "guardrail", Category: "quotation"}
	target := mustCreate(t, s, guard, "Anodizado", "anodizado externo")
	mustCreate(t, s, guard, "Acero", "acero inoxidable")
	mustCreate(t, s, Scope{Agent: "sourcing", Category: "providers"}, "Proveedores anodizado", "anodizado en Madrid")

	r := NewRetriever(s, emb, RetrieveOptions{Threshold: 0.5}, nil)
	res, err := r.Retrieve(ctx, "necesitamos anodizado", guard, RetrieveOptions{})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if res.Empty || len(res.Documents) != 1 || res.Documents[0].ID != target.ID {
		t.Fatalf("expected only scoped anodizado doc, got %+v", res.Documents)
	}
	if !strings.Contains(res.Context, "### Anodizado") {
		t.Fatalf("context missing title: %q", res.Context)
	}
}

func TestRetrievePacksWithinBudget(t *testing.T) {
	emb := &keywordEmbedder{keywords: []string{"aluminio"}}
	s := newTestService(t, emb)
	ctx := context.Background()
	scope := Scope{Agent: "guardrail", Category: "quotation"}
	mustCreate(t, s, scope, "Largo", "aluminio "+strings.Repeat("x", 400))
	mustCreate(t, s, scope, "Corto", "aluminio breve")

	r := NewRetriever(s, emb, RetrieveOptions{Threshold: 0.1}, nil)
	res, err := r.Retrieve(ctx, "aluminio", scope, RetrieveOptions{TokenBudget: 20})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if res.TokenCount > 20 {
		t.Fatalf("token budget exceeded: %d", res.TokenCount)
	}
	if len(res.Documents) == 0 {
		t.Fatalf("expected at least one packed document")
	}
	for _, doc := range res.Documents[1:] {
		if doc.Truncated {
			t.Fatalf("only the first document may be truncated: %+v", doc)
		}
	}
}

func TestPackDropsOverflowingLaterDocuments(t *testing.T) {
	docs := []RetrievedDocument{
		{ID: "a", Title: "A", Content: "corto"},
		{ID: "b", Title: "B", Content: strings.Repeat("y", 200)},
		{ID: "c", Title: "C", Content: "fin"},
	}
	packed, text := pack(docs, 10)
	if len(packed) != 2 || packed[0].ID != "a" || packed[1].ID != "c" {
		t.Fatalf("expected a and c, got %+v", packed)
	}
	if strings.Contains(text, "yyy") {
		t.Fatalf("overflowing document must not be partially included")
	}

	first, _ := pack([]RetrievedDocument{{ID: "long", Title: "L", Content: strings.Repeat("z", 200)}}, 10)
	if len(first) != 1 || !first[0].Truncated {
		t.Fatalf("first document should be truncated, got %+v", first)
	}
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	inner := &keywordEmbedder{keywords: []string{"aluminio"}}
	store := cache.NewMemoryStore(0)
	defer store.Close()
	emb := NewCachedEmbedder(inner, store, time.Hour)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := emb.Embed(ctx, "aluminio 6082"); err != nil {
			t.Fatalf("embed failed: %v", err)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
	if _, err := emb.Embed(ctx, "aluminio 7075"); err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("different text must miss cache, calls=%d", got)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, _ := h.Embed(context.Background(), "piezas de aluminio")
	b, _ := h.Embed(context.Background(), "piezas de aluminio")
	if CosineSimilarity(a, b) < 0.999 {
		t.Fatalf("same text should embed identically")
	}
}

func mustCreate(t *testing.T, s *Service, scope Scope, title, content string) *Document {
	t.Helper()
	doc, err := s.CreateDocument(context.Background(), CreateInput{Scope: scope, Title: title, Content: content})
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return doc
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc failed: %v", err)
	}
}
