package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quote-intake/internal/models"
)

// RequestFilter 请求列表过滤条件
type RequestFilter struct {
	Status models.RequestStatus
	Limit  int
}

const requestColumns = `
	id, thread_id, status, customer_email, customer_name, customer_company, subject,
	material, quantity, dimensions_json, tolerances_json, surface_finish, deadline,
	missing_info_json, internal_services_json, external_services_json, confidence,
	created_at, updated_at`

// CreateRequest 新建请求 同一 thread_id 只允许一条记录 冲突时返回 models.ErrConflict
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *models.QuotationRequest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	if req == nil || strings.TrimSpace(req.ThreadID) == "" {
		return models.NewValidationError("threadId", "is required")
	}
	if !req.Status.Valid() {
		return models.NewValidationError("status", "is invalid")
	}
	if req.ID == "" {
		req.ID = newID("req")
	}
	now := s.now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		requestArgs(req)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: thread %s", models.ErrConflict, req.ThreadID)
	}
	if err != nil {
		return models.NewPersistenceError("create request", err)
	}
	return nil
}

// UpdateRequest 覆盖写入请求可变字段 thread_id 与创建时间不变
func (s *SQLiteStore) UpdateRequest(ctx context.Context, req *models.QuotationRequest) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	if req == nil || req.ID == "" {
		return models.NewValidationError("id", "is required")
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			status = ?, customer_email = ?, customer_name = ?, customer_company = ?, subject = ?,
			material = ?, quantity = ?, dimensions_json = ?, tolerances_json = ?, surface_finish = ?,
			deadline = ?, missing_info_json = ?, internal_services_json = ?, external_services_json = ?,
			confidence = ?, updated_at = ?
		WHERE id = ?
	`,
		string(req.Status), req.Customer.Email, req.Customer.Name, req.Customer.Company, req.Subject,
		req.Material, req.Quantity, encodeList(req.Dimensions), encodeList(req.Tolerances), req.SurfaceFinish,
		req.Deadline, encodeList(req.MissingInfo), encodeList(req.InternalServices), encodeList(req.ExternalServices),
		req.Confidence, formatTime(req.UpdatedAt), req.ID,
	)
	if err != nil {
		return models.NewPersistenceError("update request", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %s", models.ErrNotFound, req.ID)
	}
	return nil
}

// GetRequest 按 ID 读取请求
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*models.QuotationRequest, error) {
	return s.queryOneRequest(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, strings.TrimSpace(id))
}

// FindRequestByThread 线程对应的请求 不存在时返回 nil
func (s *SQLiteStore) FindRequestByThread(ctx context.Context, threadID string) (*models.QuotationRequest, error) {
	req, err := s.queryOneRequest(ctx, `SELECT `+requestColumns+` FROM requests WHERE thread_id = ?`, strings.TrimSpace(threadID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return req, err
}

// ListRequests 按状态过滤 最近更新的在前
func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]models.QuotationRequest, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1 = 1`
	args := make([]any, 0, 2)
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit, 200, 2000))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.QuotationRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// CountRequestsByStatus 各状态请求数量
func (s *SQLiteStore) CountRequestsByStatus(ctx context.Context) (map[models.RequestStatus]int, error) {
	out := map[models.RequestStatus]int{}
	if s == nil || s.db == nil {
		return out, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[models.RequestStatus(status)] = count
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryOneRequest(ctx context.Context, query string, arg string) (*models.QuotationRequest, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, query, arg)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, arg)
	}
	return req, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.QuotationRequest, error) {
	var (
		req                                models.QuotationRequest
		status                             string
		dimensions, tolerances, missing    string
		internalServices, externalServices string
		createdAt, updatedAt               string
	)
	if err := row.Scan(
		&req.ID, &req.ThreadID, &status, &req.Customer.Email, &req.Customer.Name, &req.Customer.Company,
		&req.Subject, &req.Material, &req.Quantity, &dimensions, &tolerances, &req.SurfaceFinish,
		&req.Deadline, &missing, &internalServices, &externalServices, &req.Confidence,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	req.Status = models.RequestStatus(status)
	req.Dimensions = decodeList(dimensions)
	req.Tolerances = decodeList(tolerances)
	req.MissingInfo = decodeList(missing)
	req.InternalServices = decodeList(internalServices)
	req.ExternalServices = decodeList(externalServices)
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	return &req, nil
}

func requestArgs(req *models.QuotationRequest) []any {
	return []any{
		req.ID, req.ThreadID, string(req.Status), req.Customer.Email, req.Customer.Name, req.Customer.Company,
		req.Subject, req.Material, req.Quantity, encodeList(req.Dimensions), encodeList(req.Tolerances),
		req.SurfaceFinish, req.Deadline, encodeList(req.MissingInfo), encodeList(req.InternalServices),
		encodeList(req.ExternalServices), req.Confidence, formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
	}
}
