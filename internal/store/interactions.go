package store

import (
	"context"
	"fmt"
	"strings"

	"quote-intake/internal/models"
)

// AppendInteraction 追加交互记录 seq 由数据库分配 只增不改
func (s *SQLiteStore) AppendInteraction(ctx context.Context, item models.Interaction) (models.Interaction, error) {
	if s == nil || s.db == nil {
		return item, fmt.Errorf("store not ready")
	}
	if strings.TrimSpace(item.RequestID) == "" {
		return item, models.NewValidationError("requestId", "is required")
	}
	payload, err := models.EncodePayload(item.Payload)
	if err != nil {
		return item, models.NewValidationError("payload", err.Error())
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (request_id, type, direction, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, item.RequestID, string(item.Type), string(item.Direction), payload, formatTime(item.CreatedAt))
	if err != nil {
		return item, models.NewPersistenceError("append interaction", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		item.Seq = seq
	}
	return item, nil
}

// ListInteractions 按写入顺序返回请求的交互记录
func (s *SQLiteStore) ListInteractions(ctx context.Context, requestID string) ([]models.Interaction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, type, direction, payload_json, created_at
		FROM interactions
		WHERE request_id = ?
		ORDER BY seq ASC
	`, strings.TrimSpace(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Interaction, 0)
	for rows.Next() {
		var (
			item                models.Interaction
			typ, direction      string
			payloadRaw, created string
		)
		if err := rows.Scan(&item.Seq, &item.RequestID, &typ, &direction, &payloadRaw, &created); err != nil {
			return nil, err
		}
		item.Type = models.InteractionType(typ)
		item.Direction = models.Direction(direction)
		item.CreatedAt = parseTime(created)
		// 历史负载无法解析时保留原文 避免整条时间线不可读
		payload, err := models.DecodePayload(payloadRaw)
		if err != nil {
			payload = models.InteractionPayload{Notes: map[string]string{"raw": payloadRaw}}
		}
		item.Payload = payload
		out = append(out, item)
	}
	return out, rows.Err()
}
