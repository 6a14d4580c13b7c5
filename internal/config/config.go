package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"quote-intake/internal/models"
)

const (
	defaultInboxWorkers   = 3
	defaultInboxQueueSize = 100
	defaultOutreachCap    = 3
	maxOutreachCap        = 5
	defaultRFQExpiryDays  = 7
	defaultRadiusKm       = 50
	defaultSourcingFanout = 2
	defaultKBTokenBudget  = 1500
	defaultKBThreshold    = 0.35
	defaultKBLimit        = 5
	defaultRFQSweepCron   = "@every 1h"
)

// 敏感字段允许通过 .env 或进程环境变量覆盖 避免明文写入配置文件
var secretEnv = map[string]func(cfg *models.Config, val string){
	"SMTP_PASS":      func(cfg *models.Config, val string) { cfg.SMTPPass = val },
	"AI_API_KEY":     func(cfg *models.Config, val string) { cfg.AIAPIKey = val },
	"PLACES_API_KEY": func(cfg *models.Config, val string) { cfg.PlacesAPIKey = val },
	"OSS_AK":         func(cfg *models.Config, val string) { cfg.OSSAK = val },
	"OSS_SK":         func(cfg *models.Config, val string) { cfg.OSSSK = val },
	"REDIS_PASSWORD": func(cfg *models.Config, val string) { cfg.RedisPassword = val },
	"API_AUTH_TOKEN": func(cfg *models.Config, val string) { cfg.APIAuthToken = val },
}

// LoadConfig 加载配置文件
func LoadConfig(configFile string) (*models.Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	var config models.Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := loadDotEnv(configFile); err != nil {
		return nil, err
	}
	applySecretEnv(&config)

	runtime, err := loadRuntimeConfig(configFile)
	if err != nil {
		return nil, err
	}
	applyRuntimeConfig(&config, runtime)

	applyDefaults(&config)
	config.ConfigPath = configFile
	return &config, nil
}

// loadDotEnv 读取配置文件同目录下的 .env 已存在的环境变量优先
func loadDotEnv(configFile string) error {
	path := filepath.Join(filepath.Dir(configFile), ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("解析 .env 失败: %w", err)
	}
	return nil
}

func applySecretEnv(cfg *models.Config) {
	for key, apply := range secretEnv {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			apply(cfg, val)
		}
	}
}

func applyDefaults(config *models.Config) {
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.APIBind == "" {
		config.APIBind = ":8080"
	}
	if config.DataDir == "" {
		config.DataDir = "data"
	}
	if config.InboxWorkers <= 0 {
		config.InboxWorkers = defaultInboxWorkers
	}
	if config.InboxQueueSize <= 0 {
		config.InboxQueueSize = defaultInboxQueueSize
	}
	if config.InboxPersistFile == "" {
		config.InboxPersistFile = filepath.Join(config.DataDir, "inbox-queue.json")
	}
	if config.InboxProcessedDir == "" && config.InboxDir != "" {
		config.InboxProcessedDir = filepath.Join(config.InboxDir, "processed")
	}
	if config.SMTPPort <= 0 {
		config.SMTPPort = 587
	}
	if config.OutreachCap <= 0 {
		config.OutreachCap = defaultOutreachCap
	}
	// 外联数量硬上限 防止单个服务批量骚扰供应商
	if config.OutreachCap > maxOutreachCap {
		config.OutreachCap = maxOutreachCap
	}
	if config.RFQExpiryDays <= 0 {
		config.RFQExpiryDays = defaultRFQExpiryDays
	}
	if config.SearchRadiusKm <= 0 {
		config.SearchRadiusKm = defaultRadiusKm
	}
	if config.SourcingFanout <= 0 {
		config.SourcingFanout = defaultSourcingFanout
	}
	if config.FallbackLatitude == 0 && config.FallbackLongitude == 0 {
		// Madrid 作为地理编码失败时的兜底坐标
		config.FallbackLatitude = 40.4168
		config.FallbackLongitude = -3.7038
	}
	if len(config.RequiredFields) == 0 {
		config.RequiredFields = []string{"material", "quantity"}
	}
	if config.KBTokenBudget <= 0 {
		config.KBTokenBudget = defaultKBTokenBudget
	}
	if config.KBThreshold <= 0 {
		config.KBThreshold = defaultKBThreshold
	}
	if config.KBLimit <= 0 {
		config.KBLimit = defaultKBLimit
	}
	if config.CacheBackend == "" {
		config.CacheBackend = "memory"
	}
	if config.CacheTTL == "" {
		config.CacheTTL = "24h"
	}
	if config.RFQSweepCron == "" {
		config.RFQSweepCron = defaultRFQSweepCron
	}
	if config.AITimeout == "" {
		config.AITimeout = "20s"
	}
}

// ValidateConfig 验证配置
func ValidateConfig(config *models.Config) error {
	if config.InboxDir == "" {
		return fmt.Errorf("入站邮件目录不能为空")
	}
	if config.SMTPHost == "" {
		return fmt.Errorf("SMTP Host不能为空")
	}
	if config.SMTPFrom == "" {
		return fmt.Errorf("SMTP 发件人不能为空")
	}
	if config.AIEnabled && config.AIBaseURL == "" {
		return fmt.Errorf("启用 AI 时 AI Base URL不能为空")
	}
	if config.CacheBackend != "memory" && config.CacheBackend != "redis" {
		return fmt.Errorf("缓存后端只能是 memory 或 redis: %s", config.CacheBackend)
	}
	if config.CacheBackend == "redis" && config.RedisAddr == "" {
		return fmt.Errorf("redis 缓存需要配置 redis_addr")
	}
	if config.OSSEnabled {
		if config.OSSBucket == "" || config.OSSEndpoint == "" {
			return fmt.Errorf("OSS Bucket 与 Endpoint 不能为空")
		}
		if config.OSSAK == "" || config.OSSSK == "" {
			return fmt.Errorf("OSS认证信息不能为空")
		}
	}
	for name, limit := range config.Limits {
		if limit.MaxConcurrent < 0 || limit.ReservoirSize < 0 {
			return fmt.Errorf("限流配置 %s 不能为负数", name)
		}
	}
	return nil
}

// LLMFallbackEnabled 返回是否启用 LLM 兜底 默认跟随 ai_enabled
func LLMFallbackEnabled(cfg *models.Config) bool {
	if cfg == nil {
		return false
	}
	if cfg.LLMFallbackEnabled != nil {
		return *cfg.LLMFallbackEnabled && cfg.AIEnabled
	}
	return cfg.AIEnabled
}
