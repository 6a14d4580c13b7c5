// 本文件用于知识库领域类型定义 统一约束文档 检索范围与检索结果结构

package kb

import "errors"

const (
	StatusDraft    = "draft"
	StatusVerified = "verified"
)

// NoKnowledgeContext 没有文档超过阈值时返回的空上下文标记
const NoKnowledgeContext = "NO_RELEVANT_KNOWLEDGE"

var (
	ErrNotFound     = errors.New("knowledge document not found")
	ErrInvalidInput = errors.New("invalid knowledge input")
	ErrImmutable    = errors.New("verified knowledge document is immutable")
)

// Scope 检索范围 空字段表示不过滤
type Scope struct {
	Agent    string `json:"agent"`
	Category string `json:"category"`
}

type Document struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	SourceRef string    `json:"sourceRef,omitempty"`
	Embedding []float32 `json:"-"`
	CreatedBy string    `json:"createdBy"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
}

type CreateInput struct {
	Scope     Scope
	Title     string
	Content   string
	SourceRef string
	CreatedBy string
}

type UpdateInput struct {
	Title     string
	Content   string
	UpdatedBy string
}

type ImportResult struct {
	Imported int      `json:"imported"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Files    []string `json:"files,omitempty"`
}

// RetrieveOptions 零值字段使用检索器默认值
type RetrieveOptions struct {
	Limit       int
	Threshold   float64
	TokenBudget int
}

type RetrievedDocument struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// Result 检索结果 Empty 为真时 Context 为 NoKnowledgeContext
type Result struct {
	Documents  []RetrievedDocument `json:"documents"`
	Context    string              `json:"context"`
	TokenCount int                 `json:"tokenCount"`
	Empty      bool                `json:"empty"`
}
