// 本文件用于外协供应商寻源 先查本地注册表 不足时再走目录检索
package providers

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

const (
	// MinRegistryResults 注册表结果少于该数量时补充目录检索
	MinRegistryResults = 3

	defaultRadiusKm      = 50
	defaultFanout        = 4
	registryLookupLimit  = 20
	genericWorkshopTerms = "taller industrial"
)

// DefaultFallbackPoint 地理编码失败时使用的固定坐标
var DefaultFallbackPoint = models.GeoPoint{Lat: 40.4168, Lng: -3.7038}

// Query 寻源条件
type Query struct {
	Service  string
	Material string
	Location string
	RadiusKm float64
}

// Found 寻源结果 目录检索失败时 DirectoryErr 非空 注册表结果仍然可用
type Found struct {
	FromRegistry  []models.ProviderCandidate
	FromDirectory []models.ProviderCandidate
	DirectoryErr  error
}

// All 注册表结果在前 按 ID 去重
func (f Found) All() []models.ProviderCandidate {
	seen := map[string]struct{}{}
	out := make([]models.ProviderCandidate, 0, len(f.FromRegistry)+len(f.FromDirectory))
	for _, list := range [][]models.ProviderCandidate{f.FromRegistry, f.FromDirectory} {
		for _, p := range list {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// SourcerOptions 寻源参数
type SourcerOptions struct {
	DefaultLocation string
	RadiusKm        float64
	FallbackPoint   *models.GeoPoint
	Fanout          int
}

// Sourcer 供应商寻源
type Sourcer struct {
	registry  *Registry
	directory Directory
	emails    EmailFinder
	opts      SourcerOptions
}

// NewSourcer directory 或 emails 为空时跳过对应步骤
func NewSourcer(registry *Registry, directory Directory, emails EmailFinder, opts SourcerOptions) *Sourcer {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = defaultRadiusKm
	}
	if opts.FallbackPoint == nil {
		point := DefaultFallbackPoint
		opts.FallbackPoint = &point
	}
	if opts.Fanout <= 0 {
		opts.Fanout = defaultFanout
	}
	return &Sourcer{registry: registry, directory: directory, emails: emails, opts: opts}
}

// FindProviders 注册表不足 3 家时走目录检索 单个候选失败不影响其余候选
func (s *Sourcer) FindProviders(ctx context.Context, q Query) (Found, error) {
	service := strings.ToLower(strings.TrimSpace(q.Service))
	if service == "" {
		return Found{}, models.NewValidationError("service", "is required")
	}
	var found Found
	fromRegistry, err := s.registry.FindByCapability(ctx, service, registryLookupLimit)
	if err != nil {
		return found, err
	}
	found.FromRegistry = fromRegistry
	if len(fromRegistry) >= MinRegistryResults || s.directory == nil {
		return found, nil
	}

	location := firstNonEmpty(q.Location, s.opts.DefaultLocation)
	radius := q.RadiusKm
	if radius <= 0 {
		radius = s.opts.RadiusKm
	}
	point := *s.opts.FallbackPoint
	if location != "" {
		if geo, err := s.directory.Geocode(ctx, location); err != nil {
			logger.Warn("地理编码失败 使用默认坐标: location=%s err=%v", location, err)
		} else {
			point = geo
		}
	}

	places, err := s.directory.SearchNearby(ctx, CompositeQuery(service, q.Material, location), point, radius)
	if err != nil {
		logger.Warn("目录检索失败: service=%s err=%v", service, err)
		found.DirectoryErr = err
		return found, nil
	}
	found.FromDirectory = s.resolve(ctx, service, places)
	logger.Info("供应商寻源完成: service=%s registry=%d directory=%d", service, len(found.FromRegistry), len(found.FromDirectory))
	return found, nil
}

// resolve 并发补全详情与邮箱 数量受 Fanout 约束 结果保持目录顺序
func (s *Sourcer) resolve(ctx context.Context, service string, places []Place) []models.ProviderCandidate {
	results := make([]*models.ProviderCandidate, len(places))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Fanout)
	for i, place := range places {
		i, place := i, place
		g.Go(func() error {
			cand, ok := s.resolveOne(gctx, service, place)
			if ok {
				mu.Lock()
				results[i] = &cand
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.ProviderCandidate, 0, len(places))
	for _, cand := range results {
		if cand != nil {
			out = append(out, *cand)
		}
	}
	return out
}

func (s *Sourcer) resolveOne(ctx context.Context, service string, place Place) (models.ProviderCandidate, bool) {
	if place.Phone == "" || place.Website == "" {
		details, err := s.directory.Details(ctx, place.PlaceID)
		if err != nil {
			logger.Warn("供应商详情补全失败: place=%s err=%v", place.PlaceID, err)
		} else {
			place.Phone = firstNonEmpty(place.Phone, details.Phone)
			place.Website = firstNonEmpty(place.Website, details.Website)
		}
	}
	cand := models.ProviderCandidate{
		ExternalID:   place.PlaceID,
		Name:         place.Name,
		Phone:        place.Phone,
		Website:      place.Website,
		Address:      place.Address,
		Location:     place.Location,
		Capabilities: []string{service},
		Rating:       place.Rating,
		Source:       models.SourceDirectory,
	}
	if s.emails != nil && place.Website != "" {
		email, err := s.emails.FindEmail(ctx, place.Website)
		if err != nil {
			logger.Debug("官网邮箱抓取失败: site=%s err=%v", place.Website, err)
		}
		cand.Email = email
	}
	stored, err := s.registry.Upsert(ctx, cand)
	if err != nil {
		logger.Warn("供应商写入注册表失败: place=%s err=%v", place.PlaceID, err)
		return cand, false
	}
	stored.Source = models.SourceDirectory
	return stored, true
}

// CompositeQuery 服务 材料 通用车间词与地点拼成检索词
func CompositeQuery(service, material, location string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{service, material, genericWorkshopTerms, location} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
