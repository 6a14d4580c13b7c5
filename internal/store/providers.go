package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"quote-intake/internal/models"
)

const providerColumns = `
	id, external_id, name, email, phone, website, address, lat, lng,
	capabilities_json, rating, reliability, source, active, updated_at`

// UpsertProvider 按外部 ID 幂等写入供应商 并发发现同一供应商只保留一行
// 已有的联系方式不会被空值覆盖 能力列表取并集
func (s *SQLiteStore) UpsertProvider(ctx context.Context, p models.ProviderCandidate) (models.ProviderCandidate, error) {
	if s == nil || s.db == nil {
		return p, fmt.Errorf("store not ready")
	}
	if strings.TrimSpace(p.Name) == "" {
		return p, models.NewValidationError("name", "is required")
	}
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return p, models.NewPersistenceError("upsert provider", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *models.ProviderCandidate
	switch {
	case p.ExternalID != "":
		existing, err = scanProviderRow(tx.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE external_id = ?`, p.ExternalID))
	case p.ID != "":
		existing, err = scanProviderRow(tx.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, p.ID))
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return p, models.NewPersistenceError("upsert provider", err)
	}
	if existing != nil {
		p = mergeProvider(*existing, p)
	} else {
		if p.ID == "" {
			p.ID = newID("prv")
		}
		if p.Source == "" {
			p.Source = models.SourceDirectory
		}
		if p.Reliability == 0 {
			p.Reliability = 0.5
		}
		p.Active = true
	}

	var externalID any
	if p.ExternalID != "" {
		externalID = p.ExternalID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO providers (`+providerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			website = excluded.website,
			address = excluded.address,
			lat = excluded.lat,
			lng = excluded.lng,
			capabilities_json = excluded.capabilities_json,
			rating = excluded.rating,
			reliability = excluded.reliability,
			source = excluded.source,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		p.ID, externalID, p.Name, p.Email, p.Phone, p.Website, p.Address, p.Location.Lat, p.Location.Lng,
		encodeList(p.Capabilities), p.Rating, p.Reliability, string(p.Source), boolToInt(p.Active), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return p, models.NewPersistenceError("upsert provider", err)
	}
	if err := tx.Commit(); err != nil {
		return p, models.NewPersistenceError("upsert provider", err)
	}
	return p, nil
}

// FindProvidersByCapability 活跃且具备该能力的供应商 按可靠度降序
func (s *SQLiteStore) FindProvidersByCapability(ctx context.Context, service string, limit int) ([]models.ProviderCandidate, error) {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return nil, models.NewValidationError("service", "is required")
	}
	all, err := s.queryProviders(ctx, `SELECT `+providerColumns+` FROM providers WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	out := make([]models.ProviderCandidate, 0)
	for _, p := range all {
		for _, capability := range p.Capabilities {
			if strings.ToLower(strings.TrimSpace(capability)) == service {
				out = append(out, p)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Reliability != out[j].Reliability {
			return out[i].Reliability > out[j].Reliability
		}
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Source = models.SourceRegistry
	}
	return out, nil
}

// ListProviders 全部供应商 名称排序
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]models.ProviderCandidate, error) {
	return s.queryProviders(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name ASC`)
}

// SetProviderActive 停用或启用供应商
func (s *SQLiteStore) SetProviderActive(ctx context.Context, id string, active bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(s.now()), strings.TrimSpace(id))
	if err != nil {
		return models.NewPersistenceError("set provider active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: provider %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) queryProviders(ctx context.Context, query string, args ...any) ([]models.ProviderCandidate, error) {
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
	out := make([]models.ProviderCandidate, 0)
	for rows.Next() {
		p, err := scanProviderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProviderRow(row rowScanner) (*models.ProviderCandidate, error) {
	var (
		p                    models.ProviderCandidate
		externalID           sql.NullString
		capabilities, source string
		active               int
		updatedAt            string
	)
	if err := row.Scan(
		&p.ID, &externalID, &p.Name, &p.Email, &p.Phone, &p.Website, &p.Address,
		&p.Location.Lat, &p.Location.Lng, &capabilities, &p.Rating, &p.Reliability,
		&source, &active, &updatedAt,
	); err != nil {
		return nil, err
	}
	p.ExternalID = externalID.String
	p.Capabilities = decodeList(capabilities)
	p.Source = models.ProviderSource(source)
	p.Active = active == 1
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// mergeProvider 新值优先 空值沿用旧值 保留旧行的 ID 与人工设置的启停状态
func mergeProvider(old, incoming models.ProviderCandidate) models.ProviderCandidate {
	out := old
	out.Name = pick(incoming.Name, old.Name)
	out.Email = pick(incoming.Email, old.Email)
	out.Phone = pick(incoming.Phone, old.Phone)
	out.Website = pick(incoming.Website, old.Website)
	out.Address = pick(incoming.Address, old.Address)
	if incoming.Location != (models.GeoPoint{}) {
		out.Location = incoming.Location
	}
	if incoming.Rating > 0 {
		out.Rating = incoming.Rating
	}
	if incoming.Reliability > 0 {
		out.Reliability = incoming.Reliability
	}
	out.Capabilities = unionCapabilities(old.Capabilities, incoming.Capabilities)
	out.UpdatedAt = incoming.UpdatedAt
	return out
}

func unionCapabilities(a, b []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			key := strings.ToLower(strings.TrimSpace(item))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

func pick(preferred, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return strings.TrimSpace(preferred)
	}
	return fallback
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
