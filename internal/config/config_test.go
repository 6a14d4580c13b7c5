package config

import (
	"os"
	"path/filepath"
	"testing"

	"quote-intake/internal/models"
)

// 覆盖配置加载流程
func TestLoadConfig(t *testing.T) {
	tempConfig := `
log_level: "debug"
log_file: "/var/log/intake.log"
log_show_caller: true
api_bind: ":9000"
data_dir: "/srv/intake"
inbox_dir: "/srv/inbox"
inbox_workers: 5
smtp_host: "smtp.example.com"
smtp_port: 465
smtp_user: "ventas@taller.example"
smtp_from: "ventas@taller.example"
smtp_use_tls: true
ai_enabled: true
ai_base_url: "https://llm.example/v1"
ai_model: "gpt-4o-mini"
outreach_cap: 4
limits:
  llm:
    max_concurrent: 2
    min_time: "200ms"
    reservoir_size: 50
    reservoir_refresh: "1m"
`
	configPath := writeTempConfig(t, tempConfig)

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if config.LogLevel != "debug" {
		t.Errorf("LogLevel 期望 debug, 实际 %s", config.LogLevel)
	}
	if config.APIBind != ":9000" {
		t.Errorf("APIBind 期望 :9000, 实际 %s", config.APIBind)
	}
	if config.InboxWorkers != 5 {
		t.Errorf("InboxWorkers 期望 5, 实际 %d", config.InboxWorkers)
	}
	if config.SMTPPort != 465 || !config.SMTPUseTLS {
		t.Errorf("SMTP 配置解析错误: %+v", config)
	}
	if config.OutreachCap != 4 {
		t.Errorf("OutreachCap 期望 4, 实际 %d", config.OutreachCap)
	}
	if config.InboxPersistFile != filepath.Join("/srv/intake", "inbox-queue.json") {
		t.Errorf("InboxPersistFile 默认值错误: %s", config.InboxPersistFile)
	}
	if config.InboxProcessedDir != filepath.Join("/srv/inbox", "processed") {
		t.Errorf("InboxProcessedDir 默认值错误: %s", config.InboxProcessedDir)
	}
	llm, ok := config.Limits["llm"]
	if !ok || llm.MaxConcurrent != 2 || llm.MinTime != "200ms" || llm.ReservoirSize != 50 {
		t.Errorf("限流配置解析错误: %+v", config.Limits)
	}
	if !LLMFallbackEnabled(config) {
		t.Errorf("ai_enabled 时默认启用 LLM 兜底")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configPath := writeTempConfig(t, "inbox_dir: \"/tmp/inbox\"\n")

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if config.LogLevel != "info" {
		t.Errorf("LogLevel 默认值期望 info, 实际 %s", config.LogLevel)
	}
	if config.OutreachCap != defaultOutreachCap {
		t.Errorf("OutreachCap 默认值期望 %d, 实际 %d", defaultOutreachCap, config.OutreachCap)
	}
	if config.RFQExpiryDays != 7 {
		t.Errorf("RFQExpiryDays 默认值期望 7, 实际 %d", config.RFQExpiryDays)
	}
	if len(config.RequiredFields) != 2 || config.RequiredFields[0] != "material" {
		t.Errorf("RequiredFields 默认值错误: %v", config.RequiredFields)
	}
	if config.FallbackLatitude == 0 {
		t.Errorf("兜底坐标未设置")
	}
	if config.CacheBackend != "memory" {
		t.Errorf("CacheBackend 默认值期望 memory, 实际 %s", config.CacheBackend)
	}
	if LLMFallbackEnabled(config) {
		t.Errorf("未启用 AI 时不应启用 LLM 兜底")
	}
}

func TestOutreachCapIsClamped(t *testing.T) {
	configPath := writeTempConfig(t, "outreach_cap: 40\n")
	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if config.OutreachCap != maxOutreachCap {
		t.Fatalf("OutreachCap 应被限制为 %d, 实际 %d", maxOutreachCap, config.OutreachCap)
	}
}

func TestDotEnvSecretsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("smtp_pass: \"from-file\"\n"), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SMTP_PASS=from-env\n"), 0o644); err != nil {
		t.Fatalf("写入 .env 失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SMTP_PASS") })

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if config.SMTPPass != "from-env" {
		t.Fatalf("SMTPPass 期望 from-env, 实际 %s", config.SMTPPass)
	}
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("outreach_cap: 3\nai_enabled: true\n"), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	cfg.OutreachCap = 5
	cfg.AutoAdvanceReplies = true
	cfg.LLMFallbackEnabled = boolPtr(false)
	if err := SaveRuntimeConfig(configPath, cfg); err != nil {
		t.Fatalf("保存运行时配置失败: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.runtime.yaml")); err != nil {
		t.Fatalf("运行时配置文件不存在: %v", err)
	}

	reloaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("重新加载配置失败: %v", err)
	}
	if reloaded.OutreachCap != 5 || !reloaded.AutoAdvanceReplies {
		t.Fatalf("运行时覆盖未生效: %+v", reloaded)
	}
	if LLMFallbackEnabled(reloaded) {
		t.Fatalf("运行时关闭的 LLM 兜底应保持关闭")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     models.Config
		wantErr bool
	}{
		{name: "缺少入站目录", cfg: models.Config{SMTPHost: "h", SMTPFrom: "f", CacheBackend: "memory"}, wantErr: true},
		{name: "缺少 SMTP", cfg: models.Config{InboxDir: "/in", CacheBackend: "memory"}, wantErr: true},
		{name: "redis 缺地址", cfg: models.Config{InboxDir: "/in", SMTPHost: "h", SMTPFrom: "f", CacheBackend: "redis"}, wantErr: true},
		{name: "OSS 缺凭据", cfg: models.Config{InboxDir: "/in", SMTPHost: "h", SMTPFrom: "f", CacheBackend: "memory", OSSEnabled: true, OSSBucket: "b", OSSEndpoint: "e"}, wantErr: true},
		{name: "合法", cfg: models.Config{InboxDir: "/in", SMTPHost: "h", SMTPFrom: "f", CacheBackend: "memory"}, wantErr: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConfig(&tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("期望错误=%v, 实际 %v", tc.wantErr, err)
			}
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	return path
}
