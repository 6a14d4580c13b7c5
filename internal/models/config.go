// 本文件用于定义服务配置结构
package models

// Config 配置结构体
type Config struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogToStd      *bool  `yaml:"log_to_std"`
	LogShowCaller bool   `yaml:"log_show_caller"`

	APIBind        string `yaml:"api_bind"` // API 服务监听地址
	APICORSOrigins string `yaml:"api_cors_origins"`
	APIAuthToken   string `yaml:"api_auth_token"` // 为空时不校验

	DataDir string `yaml:"data_dir"` // SQLite 与持久化队列所在目录

	// 入站邮件投递目录
	InboxDir          string `yaml:"inbox_dir"`
	InboxWorkers      int    `yaml:"inbox_workers"`
	InboxQueueSize    int    `yaml:"inbox_queue_size"`
	InboxPersistFile  string `yaml:"inbox_persist_file"`
	InboxProcessedDir string `yaml:"inbox_processed_dir"`

	SMTPHost   string `yaml:"smtp_host"`
	SMTPPort   int    `yaml:"smtp_port"`
	SMTPUser   string `yaml:"smtp_user"`
	SMTPPass   string `yaml:"smtp_pass"`
	SMTPFrom   string `yaml:"smtp_from"`
	SMTPUseTLS bool   `yaml:"smtp_use_tls"`

	AIEnabled        bool   `yaml:"ai_enabled"`
	AIBaseURL        string `yaml:"ai_base_url"`
	AIAPIKey         string `yaml:"ai_api_key"`
	AIModel          string `yaml:"ai_model"`
	AIEmbeddingModel string `yaml:"ai_embedding_model"`
	AITimeout        string `yaml:"ai_timeout"`

	PlacesBaseURL      string  `yaml:"places_base_url"`
	PlacesAPIKey       string  `yaml:"places_api_key"`
	FallbackLatitude   float64 `yaml:"fallback_latitude"`
	FallbackLongitude  float64 `yaml:"fallback_longitude"`
	ProviderSeedFile   string  `yaml:"provider_seed_file"`
	DefaultLocation    string  `yaml:"default_location"`
	SearchRadiusKm     float64 `yaml:"search_radius_km"`
	OutreachCap        int     `yaml:"outreach_cap"`
	RFQExpiryDays      int     `yaml:"rfq_expiry_days"`
	SourcingFanout     int     `yaml:"sourcing_fanout"`
	AutoAdvanceReplies bool    `yaml:"auto_advance_on_replies"`

	GuardrailRulesFile string   `yaml:"guardrail_rules_file"`
	LLMFallbackEnabled *bool    `yaml:"llm_fallback_enabled"`
	RequiredFields     []string `yaml:"required_fields"`
	ServiceCatalogFile string   `yaml:"service_catalog_file"`

	KBTokenBudget int     `yaml:"kb_token_budget"`
	KBThreshold   float64 `yaml:"kb_threshold"`
	KBLimit       int     `yaml:"kb_limit"`

	CacheBackend  string `yaml:"cache_backend"` // memory 或 redis
	CacheTTL      string `yaml:"cache_ttl"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	OSSEnabled  bool   `yaml:"oss_enabled"`
	OSSEndpoint string `yaml:"oss_endpoint"`
	OSSBucket   string `yaml:"oss_bucket"`
	OSSAK       string `yaml:"oss_ak"`
	OSSSK       string `yaml:"oss_sk"`
	OSSPrefix   string `yaml:"oss_prefix"`

	DingTalkWebhook string `yaml:"dingtalk_webhook"`
	DingTalkSecret  string `yaml:"dingtalk_secret"`

	RFQSweepCron string `yaml:"rfq_sweep_cron"`

	Limits map[string]LimitConfig `yaml:"limits"` // 按外部依赖类别配置限流

	ConfigPath string `yaml:"-"` // 加载时记录 运行时覆盖文件以它为基准
}

// LimitConfig 单类外部依赖的限流参数
type LimitConfig struct {
	MaxConcurrent    int    `yaml:"max_concurrent"`
	MinTime          string `yaml:"min_time"`
	ReservoirSize    int    `yaml:"reservoir_size"`
	ReservoirRefresh string `yaml:"reservoir_refresh"`
}
