// 本文件用于运营可调参数的运行时配置读取与持久化
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"quote-intake/internal/models"
)

type runtimeConfig struct {
	OutreachCap        *int     `yaml:"outreach_cap"`
	SearchRadiusKm     *float64 `yaml:"search_radius_km"`
	RFQExpiryDays      *int     `yaml:"rfq_expiry_days"`
	GuardrailRulesFile *string  `yaml:"guardrail_rules_file"`
	LLMFallbackEnabled *bool    `yaml:"llm_fallback_enabled"`
	AutoAdvanceReplies *bool    `yaml:"auto_advance_on_replies"`
}

func runtimeConfigPath(configPath string) string {
	cleaned := strings.TrimSpace(configPath)
	if cleaned == "" {
		return ""
	}
	ext := filepath.Ext(cleaned)
	if ext == "" {
		return cleaned + ".runtime.yaml"
	}
	return strings.TrimSuffix(cleaned, ext) + ".runtime" + ext
}

func loadRuntimeConfig(configPath string) (*runtimeConfig, error) {
	path := runtimeConfigPath(configPath)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取运行时配置文件失败: %s: %w", path, err)
	}
	var cfg runtimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析运行时配置文件失败: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyRuntimeConfig(cfg *models.Config, runtime *runtimeConfig) {
	if cfg == nil || runtime == nil {
		return
	}
	if runtime.OutreachCap != nil {
		cfg.OutreachCap = *runtime.OutreachCap
	}
	if runtime.SearchRadiusKm != nil {
		cfg.SearchRadiusKm = *runtime.SearchRadiusKm
	}
	if runtime.RFQExpiryDays != nil {
		cfg.RFQExpiryDays = *runtime.RFQExpiryDays
	}
	if runtime.GuardrailRulesFile != nil {
		cfg.GuardrailRulesFile = strings.TrimSpace(*runtime.GuardrailRulesFile)
	}
	if runtime.LLMFallbackEnabled != nil {
		cfg.LLMFallbackEnabled = boolPtr(*runtime.LLMFallbackEnabled)
	}
	if runtime.AutoAdvanceReplies != nil {
		cfg.AutoAdvanceReplies = *runtime.AutoAdvanceReplies
	}
}

// SaveRuntimeConfig 把运营可调参数写入运行时覆盖文件
func SaveRuntimeConfig(configPath string, cfg *models.Config) error {
	if cfg == nil {
		return nil
	}
	path := runtimeConfigPath(configPath)
	if path == "" {
		return nil
	}
	runtime := buildRuntimeConfig(cfg)
	data, err := yaml.Marshal(runtime)
	if err != nil {
		return fmt.Errorf("序列化运行时配置失败: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("写入运行时配置文件失败: %s: %w", path, err)
	}
	return nil
}

func buildRuntimeConfig(cfg *models.Config) *runtimeConfig {
	if cfg == nil {
		return nil
	}
	return &runtimeConfig{
		OutreachCap:        intPtr(cfg.OutreachCap),
		SearchRadiusKm:     &cfg.SearchRadiusKm,
		RFQExpiryDays:      intPtr(cfg.RFQExpiryDays),
		GuardrailRulesFile: stringPtr(strings.TrimSpace(cfg.GuardrailRulesFile)),
		LLMFallbackEnabled: boolPtr(LLMFallbackEnabled(cfg)),
		AutoAdvanceReplies: boolPtr(cfg.AutoAdvanceReplies),
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "quote-config-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}
