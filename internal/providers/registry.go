package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

// RegistryStore 供应商注册表的持久化能力
type RegistryStore interface {
	FindProvidersByCapability(ctx context.Context, service string, limit int) ([]models.ProviderCandidate, error)
	UpsertProvider(ctx context.Context, p models.ProviderCandidate) (models.ProviderCandidate, error)
}

// Registry 本地供应商注册表 外部发现的供应商按外部 ID 收敛到这里
type Registry struct {
	store RegistryStore
}

func NewRegistry(store RegistryStore) *Registry {
	return &Registry{store: store}
}

// FindByCapability 活跃且具备该能力的供应商 按可靠度排序
func (r *Registry) FindByCapability(ctx context.Context, service string, limit int) ([]models.ProviderCandidate, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.FindProvidersByCapability(ctx, strings.ToLower(strings.TrimSpace(service)), limit)
}

// Upsert 按外部 ID 幂等写入
func (r *Registry) Upsert(ctx context.Context, p models.ProviderCandidate) (models.ProviderCandidate, error) {
	if r == nil || r.store == nil {
		return p, fmt.Errorf("provider registry not configured")
	}
	return r.store.UpsertProvider(ctx, p)
}

type seedFile struct {
	Providers []seedProvider `yaml:"providers"`
}

type seedProvider struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Email        string   `yaml:"email"`
	Phone        string   `yaml:"phone"`
	Website      string   `yaml:"website"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities"`
	Rating       float64  `yaml:"rating"`
	Reliability  float64  `yaml:"reliability"`
}

// LoadSeed 从 YAML 导入长期合作的供应商 重复导入按 ID 覆盖
func (r *Registry) LoadSeed(ctx context.Context, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("读取供应商种子文件失败: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("解析供应商种子文件失败: %w", err)
	}
	count := 0
	for _, p := range seed.Providers {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
			logger.Warn("跳过缺少 id 或 name 的供应商种子: %+v", p)
			continue
		}
		if _, err := r.Upsert(ctx, models.ProviderCandidate{
			ID:           "seed_" + strings.TrimSpace(p.ID),
			Name:         p.Name,
			Email:        strings.ToLower(strings.TrimSpace(p.Email)),
			Phone:        p.Phone,
			Website:      p.Website,
			Address:      p.Address,
			Capabilities: p.Capabilities,
			Rating:       p.Rating,
			Reliability:  p.Reliability,
			Source:       models.SourceRegistry,
			Active:       true,
		}); err != nil {
			return count, err
		}
		count++
	}
	logger.Info("供应商种子导入完成: %d 条", count)
	return count, nil
}
