package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quote-intake/internal/models"
)

// 审计动作
const (
	ActionClassify       = "classify"
	ActionStatusChange   = "status_change"
	ActionProviderUpdate = "provider_update"
)

// AuditFilter 审计日志过滤条件
type AuditFilter struct {
	ResourceType string
	ResourceID   string
	Operator     string
	Action       string
	From         time.Time
	To           time.Time
	Limit        int
}

// InsertAuditLog 写入一条审计日志
func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry models.AuditEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	action := strings.TrimSpace(entry.Action)
	resourceType := strings.TrimSpace(entry.ResourceType)
	if action == "" || resourceType == "" {
		return models.NewValidationError("audit", "action or resource_type is empty")
	}
	detailJSON, err := marshalDetail(entry.Detail)
	if err != nil {
		return err
	}
	at := entry.CreatedAt
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (operator, action, resource_type, resource_id, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(entry.Operator), action, resourceType, strings.TrimSpace(entry.ResourceID), detailJSON, formatTime(at))
	if err != nil {
		return models.NewPersistenceError("insert audit log", err)
	}
	return nil
}

// AppendClassification 护栏分类结果只通过审计日志持久化
func (s *SQLiteStore) AppendClassification(ctx context.Context, result models.ClassificationResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal classification failed: %w", err)
	}
	detail := map[string]any{}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Errorf("unmarshal classification failed: %w", err)
	}
	return s.InsertAuditLog(ctx, models.AuditEntry{
		Operator:     "guardrail",
		Action:       ActionClassify,
		ResourceType: "email",
		ResourceID:   result.EmailID,
		Detail:       detail,
		CreatedAt:    result.At,
	})
}

// ListAuditLogs 支持按资源 操作人 动作和时间窗口组合过滤
func (s *SQLiteStore) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	builder := strings.Builder{}
	builder.WriteString(`
		SELECT id, operator, action, resource_type, resource_id, detail_json, created_at
		FROM audit_logs
		WHERE 1 = 1
	`)
	args := make([]any, 0, 8)
	if val := strings.TrimSpace(filter.ResourceType); val != "" {
		builder.WriteString(` AND resource_type = ?`)
		args = append(args, val)
	}
	if val := strings.TrimSpace(filter.ResourceID); val != "" {
		builder.WriteString(` AND resource_id = ?`)
		args = append(args, val)
	}
	if val := strings.TrimSpace(filter.Operator); val != "" {
		builder.WriteString(` AND operator = ?`)
		args = append(args, val)
	}
	if val := strings.TrimSpace(filter.Action); val != "" {
		builder.WriteString(` AND action = ?`)
		args = append(args, val)
	}
	builder.WriteString(` ORDER BY id DESC LIMIT ?`)
	args = append(args, clampLimit(filter.Limit, 200, 2000))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		var (
			item               models.AuditEntry
			detailRaw, created string
		)
		if err := rows.Scan(&item.ID, &item.Operator, &item.Action, &item.ResourceType, &item.ResourceID, &detailRaw, &created); err != nil {
			return nil, err
		}
		item.CreatedAt = parseTime(created)
		// 时间窗口在内存中过滤 避免文本时间比较的精度问题
		if !filter.From.IsZero() && item.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && item.CreatedAt.After(filter.To) {
			continue
		}
		if strings.TrimSpace(detailRaw) != "" {
			detail := map[string]any{}
			if err := json.Unmarshal([]byte(detailRaw), &detail); err == nil && len(detail) > 0 {
				item.Detail = detail
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal audit detail failed: %w", err)
	}
	return string(data), nil
}
