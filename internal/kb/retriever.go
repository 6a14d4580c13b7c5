// 本文件用于范围化相似度检索与按 token 预算拼装上下文
package kb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"quote-intake/internal/metrics"
)

const charsPerToken = 4

// Retriever 检索器 嵌入器通常是带缓存的实现
type Retriever struct {
	service  *Service
	embedder Embedder
	defaults RetrieveOptions
	metrics  *metrics.Collector
}

func NewRetriever(service *Service, embedder Embedder, defaults RetrieveOptions, collector *metrics.Collector) *Retriever {
	if embedder == nil && service != nil {
		embedder = service.embedder
	}
	if defaults.Limit <= 0 {
		defaults.Limit = 5
	}
	if defaults.TokenBudget <= 0 {
		defaults.TokenBudget = 1500
	}
	return &Retriever{service: service, embedder: embedder, defaults: defaults, metrics: collector}
}

// Retrieve 没有文档超过阈值时返回 Empty 结果而不是错误
func (r *Retriever) Retrieve(ctx context.Context, query string, scope Scope, opts RetrieveOptions) (Result, error) {
	opts = r.withDefaults(opts)
	if strings.TrimSpace(query) == "" {
		return r.empty(), nil
	}
	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("embed query failed: %w", err)
	}
	docs, err := r.service.ListDocuments(ctx, scope, "")
	if err != nil {
		return Result{}, err
	}

	scored := make([]RetrievedDocument, 0, len(docs))
	for _, doc := range docs {
		sim := CosineSimilarity(qvec, doc.Embedding)
		if sim < opts.Threshold {
			continue
		}
		scored = append(scored, RetrievedDocument{
			ID:         doc.ID,
			Title:      doc.Title,
			Similarity: sim,
			Content:    doc.Content,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}

	packed, text := pack(scored, opts.TokenBudget)
	if len(packed) == 0 {
		return r.empty(), nil
	}
	r.metrics.ObserveRetrieval(false)
	return Result{
		Documents:  packed,
		Context:    text,
		TokenCount: EstimateTokens(text),
	}, nil
}

func (r *Retriever) withDefaults(opts RetrieveOptions) RetrieveOptions {
	if opts.Limit <= 0 {
		opts.Limit = r.defaults.Limit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = r.defaults.Threshold
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = r.defaults.TokenBudget
	}
	return opts
}

func (r *Retriever) empty() Result {
	r.metrics.ObserveRetrieval(true)
	return Result{
		Documents:  []RetrievedDocument{},
		Context:    NoKnowledgeContext,
		TokenCount: EstimateTokens(NoKnowledgeContext),
		Empty:      true,
	}
}

// pack 贪心装入预算 首篇可截断 之后放不下的整篇丢弃
func pack(docs []RetrievedDocument, budgetTokens int) ([]RetrievedDocument, string) {
	budget := budgetTokens * charsPerToken
	var b strings.Builder
	used := 0
	out := make([]RetrievedDocument, 0, len(docs))
	for i, doc := range docs {
		header := "### " + doc.Title + "\n"
		block := header + doc.Content + "\n\n"
		size := runeLen(block)
		if used+size <= budget {
			b.WriteString(block)
			used += size
			out = append(out, doc)
			continue
		}
		if i > 0 {
			continue
		}
		room := budget - used - runeLen(header) - 2
		if room <= 0 {
			continue
		}
		doc.Content = string([]rune(doc.Content)[:room])
		doc.Truncated = true
		b.WriteString(header + doc.Content + "\n\n")
		used += runeLen(header) + room + 2
		out = append(out, doc)
	}
	return out, strings.TrimSpace(b.String())
}

// EstimateTokens 约 4 字符一个 token
func EstimateTokens(text string) int {
	n := runeLen(text)
	return (n + charsPerToken - 1) / charsPerToken
}

func runeLen(s string) int {
	return len([]rune(s))
}
