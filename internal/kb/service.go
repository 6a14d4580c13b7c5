// 本文件用于知识库服务实现 将文档生命周期 向量化与导入集中在服务层管理

package kb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultDataDir = "data/kb"

// Embedder 文本向量化能力
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Service struct {
	mu       sync.Mutex
	db       *sql.DB
	dbPath   string
	embedder Embedder
}

// NewService 统一负责知识库存储初始化
// 目录创建 打开数据库 设置 WAL 和迁移收敛在一个入口
func NewService(dataDir string, embedder Embedder) (*Service, error) {
	root := strings.TrimSpace(dataDir)
	if root == "" {
		root = defaultDataDir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create kb data dir failed: %w", err)
	}
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	dbPath := filepath.Join(root, "knowledge.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kb sqlite failed: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set kb sqlite wal failed: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Service{db: db, dbPath: dbPath, embedder: embedder}, nil
}

func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Service) DBPath() string {
	if s == nil {
		return ""
	}
	return s.dbPath
}

// CreateDocument 写入草稿文档并同步计算向量
func (s *Service) CreateDocument(ctx context.Context, input CreateInput) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("kb service not ready")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	agent := normalizeScopeValue(input.Scope.Agent, "general")
	category := normalizeScopeValue(input.Scope.Category, "general")
	vec, err := s.embedder.Embed(ctx, embeddingText(title, content))
	if err != nil {
		return nil, fmt.Errorf("embed kb document failed: %w", err)
	}
	id := newID("kb")
	operator := normalizeOperator(input.CreatedBy)
	now := nowRFC3339()

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kb_documents (
			id, agent, category, title, content, status, source_ref, embedding,
			created_by, updated_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, agent, category, title, content, StatusDraft, strings.TrimSpace(input.SourceRef),
		encodeVector(vec), operator, operator, now, now)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create kb document failed: %w", err)
	}
	return s.GetDocument(ctx, id)
}

// UpdateDocument 内容变化时重新计算向量 已校验文档不可修改
func (s *Service) UpdateDocument(ctx context.Context, id string, input UpdateInput) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("kb service not ready")
	}
	current, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusVerified {
		return nil, ErrImmutable
	}
	title := firstNonEmpty(input.Title, current.Title)
	content := firstNonEmpty(input.Content, current.Content)
	embedding := current.Embedding
	if title != current.Title || content != current.Content || len(embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, embeddingText(title, content))
		if err != nil {
			return nil, fmt.Errorf("embed kb document failed: %w", err)
		}
		embedding = vec
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE kb_documents
		SET title = ?, content = ?, embedding = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, title, content, encodeVector(embedding), normalizeOperator(input.UpdatedBy), nowRFC3339(), current.ID, StatusDraft)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update kb document failed: %w", err)
	}
	return s.GetDocument(ctx, id)
}

// VerifyDocument 校验后文档冻结 重复校验是幂等的
func (s *Service) VerifyDocument(ctx context.Context, id, operator string) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("kb service not ready")
	}
	current, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusVerified {
		return current, nil
	}
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE kb_documents SET status = ?, updated_by = ?, updated_at = ? WHERE id = ?
	`, StatusVerified, normalizeOperator(operator), nowRFC3339(), current.ID)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("verify kb document failed: %w", err)
	}
	return s.GetDocument(ctx, id)
}

func (s *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("kb service not ready")
	}
	docID := strings.TrimSpace(id)
	if docID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM kb_documents WHERE id = ?`, docID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query kb document failed: %w", err)
	}
	return doc, nil
}

// ListDocuments 按范围与状态列出文档 status 为空时不过滤
func (s *Service) ListDocuments(ctx context.Context, scope Scope, status string) ([]Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("kb service not ready")
	}
	where, args := buildScopeWhere(scope)
	if st := strings.TrimSpace(status); st != "" {
		where = append(where, "status = ?")
		args = append(args, st)
	}
	query := `SELECT ` + documentColumns + ` FROM kb_documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list kb documents failed: %w", err)
	}
	defer rows.Close()
	out := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// ImportDocs 把目录中的 Markdown 导入到指定范围
// 按来源路径去重 已存在的草稿增量更新 已校验的跳过
func (s *Service) ImportDocs(ctx context.Context, rootPath string, scope Scope, operator string) (ImportResult, error) {
	if s == nil || s.db == nil {
		return ImportResult{}, fmt.Errorf("kb service not ready")
	}
	root := strings.TrimSpace(rootPath)
	if root == "" {
		root = "docs"
	}
	result := ImportResult{Files: []string{}}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.ToLower(filepath.Ext(path)) != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			result.Skipped++
			return nil
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			result.Skipped++
			return nil
		}
		title := parseTitle(content, filepath.Base(path))
		refPath := filepath.ToSlash(path)

		existing, err := s.findBySourceRef(ctx, refPath)
		if err != nil {
			result.Skipped++
			return nil
		}
		if existing != nil {
			if existing.Status == StatusVerified {
				result.Skipped++
				return nil
			}
			if _, err := s.UpdateDocument(ctx, existing.ID, UpdateInput{Title: title, Content: content, UpdatedBy: operator}); err != nil {
				result.Skipped++
				return nil
			}
			result.Updated++
			result.Files = append(result.Files, refPath)
			return nil
		}
		if _, err := s.CreateDocument(ctx, CreateInput{
			Scope:     scope,
			Title:     title,
			Content:   content,
			SourceRef: refPath,
			CreatedBy: operator,
		}); err != nil {
			result.Skipped++
			return nil
		}
		result.Imported++
		result.Files = append(result.Files, refPath)
		return nil
	})
	if err != nil {
		return result, err
	}
	sort.Strings(result.Files)
	return result, nil
}

func (s *Service) findBySourceRef(ctx context.Context, ref string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM kb_documents WHERE source_ref = ? LIMIT 1`, ref)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// migrate 只做幂等结构迁移 不掺杂业务写入逻辑
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kb_documents (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL DEFAULT 'general',
			category TEXT NOT NULL DEFAULT 'general',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			source_ref TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			created_by TEXT NOT NULL DEFAULT 'system',
			updated_by TEXT NOT NULL DEFAULT 'system',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kb_documents_scope ON kb_documents(agent, category);`,
		`CREATE INDEX IF NOT EXISTS idx_kb_documents_source ON kb_documents(source_ref);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("kb migrate failed: %w", err)
		}
	}
	return nil
}

const documentColumns = `id, agent, category, title, content, status, source_ref, embedding,
	created_by, updated_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var raw []byte
	if err := row.Scan(&doc.ID, &doc.Agent, &doc.Category, &doc.Title, &doc.Content, &doc.Status,
		&doc.SourceRef, &raw, &doc.CreatedBy, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Embedding = decodeVector(raw)
	return &doc, nil
}

func buildScopeWhere(scope Scope) ([]string, []any) {
	where := []string{}
	args := []any{}
	if agent := strings.TrimSpace(scope.Agent); agent != "" {
		where = append(where, "agent = ?")
		args = append(args, agent)
	}
	if category := strings.TrimSpace(scope.Category); category != "" {
		where = append(where, "category = ?")
		args = append(args, category)
	}
	return where, args
}

// 向量按小端 float32 序列化
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	if len(raw) < 4 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func embeddingText(title, content string) string {
	return title + "\n" + content
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func normalizeScopeValue(raw, fallback string) string {
	val := strings.ToLower(strings.TrimSpace(raw))
	if val == "" {
		return fallback
	}
	return val
}

func normalizeOperator(raw string) string {
	val := strings.TrimSpace(raw)
	if val == "" {
		return "system"
	}
	return val
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func parseTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				return title
			}
		}
	}
	name := strings.TrimSpace(strings.TrimSuffix(fallback, filepath.Ext(fallback)))
	if name == "" {
		return "Untitled"
	}
	return name
}
