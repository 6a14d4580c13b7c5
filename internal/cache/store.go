// 本文件用于可注入后端的缓存抽象 带显式 TTL 淘汰 替代模块级全局缓存
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quote-intake/internal/models"
)

// Store 缓存后端
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON 读取并反序列化 未命中返回 false
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	if s == nil {
		return out, false, nil
	}
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("解析缓存值失败: %s: %w", key, err)
	}
	return out, true, nil
}

// SetJSON 序列化后写入
func SetJSON[T any](ctx context.Context, s Store, key string, value T, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败: %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// NewFromConfig 按配置选择缓存后端
func NewFromConfig(cfg *models.Config) (Store, time.Duration, error) {
	ttl := 24 * time.Hour
	if cfg == nil {
		return NewMemoryStore(time.Minute), ttl, nil
	}
	if cfg.CacheTTL != "" {
		d, err := time.ParseDuration(cfg.CacheTTL)
		if err != nil {
			return nil, 0, fmt.Errorf("cache_ttl 非法: %w", err)
		}
		ttl = d
	}
	switch cfg.CacheBackend {
	case "", "memory":
		return NewMemoryStore(time.Minute), ttl, nil
	case "redis":
		store, err := NewRedisStore(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "quote-intake:",
		})
		if err != nil {
			return nil, 0, err
		}
		return store, ttl, nil
	default:
		return nil, 0, fmt.Errorf("未知缓存后端: %s", cfg.CacheBackend)
	}
}
