package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"quote-intake/internal/models"
)

// RFQFilter 外部询价列表过滤条件
type RFQFilter struct {
	RequestID string
	Status    models.RFQStatus
	Limit     int
}

const rfqColumns = `
	id, request_id, provider_id, service, status, provider_json, details, response_json,
	send_error, sent_at, expires_at, created_at, updated_at`

// InsertRFQ 按 (request, provider, service) 去重写入 已存在时返回 false
func (s *SQLiteStore) InsertRFQ(ctx context.Context, q *models.ExternalQuotation) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not ready")
	}
	if q == nil || q.RequestID == "" || q.ProviderID == "" || q.Service == "" {
		return false, models.NewValidationError("rfq", "requestId, providerId and service are required")
	}
	if q.ID == "" {
		q.ID = newID("rfq")
	}
	args, err := rfqArgs(q)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO external_quotations (`+rfqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id, provider_id, service) DO NOTHING`, args...)
	if err != nil {
		return false, models.NewPersistenceError("insert rfq", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateRFQ 覆盖写入外部询价状态与回复
func (s *SQLiteStore) UpdateRFQ(ctx context.Context, q *models.ExternalQuotation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	if q == nil || q.ID == "" {
		return models.NewValidationError("id", "is required")
	}
	responseJSON, err := encodeResponse(q.Response)
	if err != nil {
		return err
	}
	sentAt := ""
	if q.SentAt != nil {
		sentAt = formatTime(*q.SentAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_quotations SET
			status = ?, response_json = ?, send_error = ?, sent_at = ?, updated_at = ?
		WHERE id = ?
	`, string(q.Status), responseJSON, q.SendError, sentAt, formatTime(q.UpdatedAt), q.ID)
	if err != nil {
		return models.NewPersistenceError("update rfq", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: rfq %s", models.ErrNotFound, q.ID)
	}
	return nil
}

// GetRFQ 按 ID 读取外部询价
func (s *SQLiteStore) GetRFQ(ctx context.Context, id string) (*models.ExternalQuotation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+rfqColumns+` FROM external_quotations WHERE id = ?`, strings.TrimSpace(id))
	q, err := scanRFQ(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rfq %s", models.ErrNotFound, id)
	}
	return q, err
}

// ListRFQs 支持按请求与状态组合过滤
func (s *SQLiteStore) ListRFQs(ctx context.Context, filter RFQFilter) ([]models.ExternalQuotation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + rfqColumns + ` FROM external_quotations WHERE 1 = 1`)
	args := make([]any, 0, 3)
	if val := strings.TrimSpace(filter.RequestID); val != "" {
		builder.WriteString(` AND request_id = ?`)
		args = append(args, val)
	}
	if filter.Status != "" {
		builder.WriteString(` AND status = ?`)
		args = append(args, string(filter.Status))
	}
	builder.WriteString(` ORDER BY created_at ASC, id ASC LIMIT ?`)
	args = append(args, clampLimit(filter.Limit, 500, 5000))
	return s.queryRFQs(ctx, builder.String(), args...)
}

// ListStaleRFQs 已过期但仍未收到回复的外部询价 只读 不修改状态
// RFC3339Nano 文本不能按字典序比较时间 过期判断在内存中完成
func (s *SQLiteStore) ListStaleRFQs(ctx context.Context, now time.Time) ([]models.ExternalQuotation, error) {
	open, err := s.queryRFQs(ctx, `SELECT `+rfqColumns+` FROM external_quotations
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`,
		string(models.RFQPending), string(models.RFQSent), string(models.RFQExpired))
	if err != nil {
		return nil, err
	}
	out := make([]models.ExternalQuotation, 0, len(open))
	for _, q := range open {
		if q.IsExpired(now) {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

func (s *SQLiteStore) queryRFQs(ctx context.Context, query string, args ...any) ([]models.ExternalQuotation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ExternalQuotation, 0)
	for rows.Next() {
		q, err := scanRFQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func scanRFQ(row rowScanner) (*models.ExternalQuotation, error) {
	var (
		q                                       models.ExternalQuotation
		status, providerRaw, responseRaw        string
		sentAt, expiresAt, createdAt, updatedAt string
	)
	if err := row.Scan(
		&q.ID, &q.RequestID, &q.ProviderID, &q.Service, &status, &providerRaw, &q.Details,
		&responseRaw, &q.SendError, &sentAt, &expiresAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	q.Status = models.RFQStatus(status)
	if strings.TrimSpace(providerRaw) != "" {
		_ = json.Unmarshal([]byte(providerRaw), &q.Provider)
	}
	if strings.TrimSpace(responseRaw) != "" {
		var resp models.ProviderResponse
		if err := json.Unmarshal([]byte(responseRaw), &resp); err == nil {
			q.Response = &resp
		}
	}
	if t := parseTime(sentAt); !t.IsZero() {
		q.SentAt = &t
	}
	q.ExpiresAt = parseTime(expiresAt)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

func rfqArgs(q *models.ExternalQuotation) ([]any, error) {
	providerJSON, err := json.Marshal(q.Provider)
	if err != nil {
		return nil, fmt.Errorf("marshal provider snapshot failed: %w", err)
	}
	responseJSON, err := encodeResponse(q.Response)
	if err != nil {
		return nil, err
	}
	sentAt := ""
	if q.SentAt != nil {
		sentAt = formatTime(*q.SentAt)
	}
	return []any{
		q.ID, q.RequestID, q.ProviderID, q.Service, string(q.Status), string(providerJSON), q.Details,
		responseJSON, q.SendError, sentAt, formatTime(q.ExpiresAt), formatTime(q.CreatedAt), formatTime(q.UpdatedAt),
	}, nil
}

func encodeResponse(resp *models.ProviderResponse) (string, error) {
	if resp == nil {
		return "", nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal provider response failed: %w", err)
	}
	return string(data), nil
}
