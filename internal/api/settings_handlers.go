// 本文件用于运营可调参数的查看与更新 更新结果写入运行时覆盖文件
package api

import (
	"net/http"
)

// RuntimeSettings 运营可调参数
type RuntimeSettings struct {
	OutreachCap          int     `json:"outreachCap"`
	SearchRadiusKm       float64 `json:"searchRadiusKm"`
	RFQExpiryDays        int     `json:"rfqExpiryDays"`
	LLMFallbackEnabled   bool    `json:"llmFallbackEnabled"`
	AutoAdvanceOnReplies bool    `json:"autoAdvanceOnReplies"`
}

// RuntimeUpdate 只更新非空字段
type RuntimeUpdate struct {
	OutreachCap          *int     `json:"outreachCap"`
	SearchRadiusKm       *float64 `json:"searchRadiusKm"`
	RFQExpiryDays        *int     `json:"rfqExpiryDays"`
	LLMFallbackEnabled   *bool    `json:"llmFallbackEnabled"`
	AutoAdvanceOnReplies *bool    `json:"autoAdvanceOnReplies"`
}

// Settings 运行时参数读写 由 service.IntakeService 实现
// restartRequired 列出已保存但需要重启才生效的字段
type Settings interface {
	RuntimeSettings() RuntimeSettings
	UpdateRuntimeSettings(update RuntimeUpdate) (settings RuntimeSettings, restartRequired []string, err error)
}

func (h *handler) settingsReady(w http.ResponseWriter) bool {
	if h.deps.Settings == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runtime settings are not ready"})
		return false
	}
	return true
}

func (h *handler) runtimeSettings(w http.ResponseWriter, _ *http.Request) {
	if !h.settingsReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": h.deps.Settings.RuntimeSettings()})
}

func (h *handler) updateRuntimeSettings(w http.ResponseWriter, r *http.Request) {
	if !h.settingsReady(w) {
		return
	}
	var update RuntimeUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, err)
		return
	}
	settings, restart, err := h.deps.Settings.UpdateRuntimeSettings(update)
	if err != nil {
		writeError(w, err)
		return
	}
	if restart == nil {
		restart = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"config":          settings,
		"restartRequired": restart,
	})
}
