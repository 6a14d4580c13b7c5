// 本文件用于运营可调参数的在线更新 外联参数即时生效 其余字段保存后重启生效
package service

import (
	"fmt"

	"quote-intake/internal/api"
	"quote-intake/internal/config"
	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/providers"
	"quote-intake/internal/workflow"
)

const maxSearchRadiusKm = 500

// RuntimeSettings 返回当前生效的运营参数
func (s *IntakeService) RuntimeSettings() api.RuntimeSettings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return runtimeSettingsOf(s.config)
}

// UpdateRuntimeSettings 校验后写入运行时覆盖文件 写入成功才修改内存中的配置
func (s *IntakeService) UpdateRuntimeSettings(update api.RuntimeUpdate) (api.RuntimeSettings, []string, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	next := *s.config
	var restart []string
	if update.OutreachCap != nil {
		if *update.OutreachCap < 1 || *update.OutreachCap > providers.MaxOutreachCap {
			return api.RuntimeSettings{}, nil, models.NewValidationError("outreachCap",
				fmt.Sprintf("must be between 1 and %d", providers.MaxOutreachCap))
		}
		next.OutreachCap = *update.OutreachCap
	}
	if update.SearchRadiusKm != nil {
		if *update.SearchRadiusKm <= 0 || *update.SearchRadiusKm > maxSearchRadiusKm {
			return api.RuntimeSettings{}, nil, models.NewValidationError("searchRadiusKm",
				fmt.Sprintf("must be in (0, %d]", maxSearchRadiusKm))
		}
		next.SearchRadiusKm = *update.SearchRadiusKm
	}
	if update.RFQExpiryDays != nil {
		if *update.RFQExpiryDays < 1 {
			return api.RuntimeSettings{}, nil, models.NewValidationError("rfqExpiryDays", "must be at least 1")
		}
		if *update.RFQExpiryDays != next.RFQExpiryDays {
			restart = append(restart, "rfqExpiryDays")
		}
		next.RFQExpiryDays = *update.RFQExpiryDays
	}
	if update.LLMFallbackEnabled != nil {
		if *update.LLMFallbackEnabled && !next.AIEnabled {
			return api.RuntimeSettings{}, nil, models.NewValidationError("llmFallbackEnabled", "requires ai_enabled")
		}
		if *update.LLMFallbackEnabled != config.LLMFallbackEnabled(&next) {
			restart = append(restart, "llmFallbackEnabled")
		}
		enabled := *update.LLMFallbackEnabled
		next.LLMFallbackEnabled = &enabled
	}
	if update.AutoAdvanceOnReplies != nil {
		next.AutoAdvanceReplies = *update.AutoAdvanceOnReplies
	}

	if err := config.SaveRuntimeConfig(next.ConfigPath, &next); err != nil {
		return api.RuntimeSettings{}, nil, models.NewPersistenceError("save runtime config", err)
	}
	s.config.OutreachCap = next.OutreachCap
	s.config.SearchRadiusKm = next.SearchRadiusKm
	s.config.RFQExpiryDays = next.RFQExpiryDays
	s.config.LLMFallbackEnabled = next.LLMFallbackEnabled
	s.config.AutoAdvanceReplies = next.AutoAdvanceReplies

	s.core.Coordinator.SetTuning(workflow.Tuning{
		OutreachCap: next.OutreachCap,
		RadiusKm:    next.SearchRadiusKm,
		AutoAdvance: next.AutoAdvanceReplies,
	})
	logger.Info("运行时配置已保存: file=%s restartRequired=%v", next.ConfigPath, restart)
	return runtimeSettingsOf(s.config), restart, nil
}

func runtimeSettingsOf(cfg *models.Config) api.RuntimeSettings {
	return api.RuntimeSettings{
		OutreachCap:          cfg.OutreachCap,
		SearchRadiusKm:       cfg.SearchRadiusKm,
		RFQExpiryDays:        cfg.RFQExpiryDays,
		LLMFallbackEnabled:   config.LLMFallbackEnabled(cfg),
		AutoAdvanceOnReplies: cfg.AutoAdvanceReplies,
	}
}
