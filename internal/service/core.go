// 本文件用于按配置装配报价受理的核心组件 守护进程与命令行工具共用
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quote-intake/internal/archive"
	"quote-intake/internal/cache"
	"quote-intake/internal/config"
	"quote-intake/internal/email"
	"quote-intake/internal/extract"
	"quote-intake/internal/guardrail"
	"quote-intake/internal/kb"
	"quote-intake/internal/llm"
	"quote-intake/internal/logger"
	"quote-intake/internal/metrics"
	"quote-intake/internal/models"
	"quote-intake/internal/notify"
	"quote-intake/internal/providers"
	"quote-intake/internal/ratelimit"
	"quote-intake/internal/store"
	"quote-intake/internal/workflow"
)

const (
	customerMailPriority = 1
	hashEmbeddingDim     = 256
)

// Core 不含后台协程的组件集合
/**
字段含义：
Store 是请求 询价 供应商 审计的唯一落盘位置
Limits 为 llm directory email web 四类外部依赖分别限流
Classifier 护栏分类器 Coordinator 串起分类 抽取 寻源 外联的工作流
KB 与 Retriever 为护栏兜底和控制台检索提供知识
*/
type Core struct {
	Config      *models.Config
	Store       *store.SQLiteStore
	Metrics     *metrics.Collector
	Limits      *ratelimit.Registry
	Cache       cache.Store
	KB          *kb.Service
	Retriever   *kb.Retriever
	Classifier  *guardrail.Classifier
	Registry    *providers.Registry
	Coordinator *workflow.Coordinator
	Notifier    notify.Notifier
}

// NewCore 按配置构造核心组件 任一步失败都会释放已打开的资源
func NewCore(cfg *models.Config) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	c := &Core{Config: cfg, Metrics: metrics.NewCollector()}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	c.Store = st

	limits, err := ratelimit.NewRegistry(cfg.Limits, c.Metrics)
	if err != nil {
		return nil, fmt.Errorf("初始化限流器失败: %w", err)
	}
	c.Limits = limits

	cacheStore, cacheTTL, err := cache.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	c.Cache = cacheStore

	var llmClient *llm.Client
	if cfg.AIEnabled {
		llmClient = llm.NewClientFromConfig(cfg, limits.Get(ratelimit.ClassLLM))
	}

	var embedder kb.Embedder = kb.NewHashEmbedder(hashEmbeddingDim)
	if llmClient != nil && strings.TrimSpace(cfg.AIEmbeddingModel) != "" {
		embedder = llmClient
	}
	embedder = kb.NewCachedEmbedder(embedder, cacheStore, cacheTTL)
	kbSvc, err := kb.NewService(cfg.DataDir, embedder)
	if err != nil {
		return nil, fmt.Errorf("初始化知识库失败: %w", err)
	}
	c.KB = kbSvc
	c.Retriever = kb.NewRetriever(kbSvc, embedder, kb.RetrieveOptions{
		Limit:       cfg.KBLimit,
		Threshold:   cfg.KBThreshold,
		TokenBudget: cfg.KBTokenBudget,
	}, c.Metrics)

	rules := guardrail.DefaultRuleset()
	if path := strings.TrimSpace(cfg.GuardrailRulesFile); path != "" {
		if rules, err = guardrail.LoadRules(path); err != nil {
			return nil, fmt.Errorf("加载护栏规则失败: %w", err)
		}
	}
	opts := []guardrail.Option{
		guardrail.WithAudit(st),
		guardrail.WithKnowledge(c.Retriever),
		guardrail.WithMetrics(c.Metrics),
	}
	if config.LLMFallbackEnabled(cfg) && llmClient != nil {
		opts = append(opts, guardrail.WithFallback(guardrail.NewLLMFallback(llmClient)))
	}
	c.Classifier = guardrail.NewClassifier(rules, opts...)

	catalog := extract.DefaultCatalog()
	if path := strings.TrimSpace(cfg.ServiceCatalogFile); path != "" {
		if catalog, err = extract.LoadCatalog(path); err != nil {
			return nil, fmt.Errorf("加载服务目录失败: %w", err)
		}
	}

	c.Registry = providers.NewRegistry(st)
	if path := strings.TrimSpace(cfg.ProviderSeedFile); path != "" {
		n, err := c.Registry.LoadSeed(context.Background(), path)
		if err != nil {
			return nil, fmt.Errorf("加载供应商种子失败: %w", err)
		}
		logger.Info("已加载供应商种子: %d 条", n)
	}
	var directory providers.Directory
	if strings.TrimSpace(cfg.PlacesAPIKey) != "" {
		directory = providers.NewPlacesClient(cfg.PlacesBaseURL, cfg.PlacesAPIKey, limits.Get(ratelimit.ClassDirectory), cacheStore)
	} else {
		logger.Warn("未配置地点目录 API Key 寻源只使用本地注册表")
	}
	sourcer := providers.NewSourcer(c.Registry, directory,
		providers.NewScraper(limits.Get(ratelimit.ClassWeb)),
		providers.SourcerOptions{
			DefaultLocation: cfg.DefaultLocation,
			RadiusKm:        cfg.SearchRadiusKm,
			FallbackPoint:   &models.GeoPoint{Lat: cfg.FallbackLatitude, Lng: cfg.FallbackLongitude},
			Fanout:          cfg.SourcingFanout,
		})

	var transport email.Mailer = email.LogMailer{}
	if sender := email.NewSenderFromConfig(cfg); sender != nil {
		transport = sender
	} else {
		logger.Warn("未配置 SMTP 邮件只写日志")
	}
	emailLimiter := limits.Get(ratelimit.ClassEmail)
	customerMailer := email.NewLimitedMailer(transport, emailLimiter, customerMailPriority)
	outreachMailer := email.NewLimitedMailer(transport, emailLimiter, customerMailPriority+1)
	dispatcher := providers.NewDispatcher(st, outreachMailer,
		time.Duration(cfg.RFQExpiryDays)*24*time.Hour, c.Metrics)

	archiver, err := archive.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化附件归档失败: %w", err)
	}
	c.Notifier = notify.NewFromConfig(cfg)

	coordinator, err := workflow.NewCoordinator(workflow.Deps{
		Store:      st,
		Classifier: c.Classifier,
		Extractor:  extract.Chain{extract.NewHeuristicExtractor()},
		Sourcer:    sourcer,
		Dispatcher: dispatcher,
		Mailer:     customerMailer,
		Archiver:   archiver,
		Notifier:   c.Notifier,
		Metrics:    c.Metrics,
	}, workflow.Settings{
		RequiredFields:  cfg.RequiredFields,
		Catalog:         catalog,
		OutreachCap:     cfg.OutreachCap,
		Fanout:          cfg.SourcingFanout,
		DefaultLocation: cfg.DefaultLocation,
		RadiusKm:        cfg.SearchRadiusKm,
		AutoAdvance:     cfg.AutoAdvanceReplies,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化工作流失败: %w", err)
	}
	c.Coordinator = coordinator
	ok = true
	return c, nil
}

// Close 释放数据库 知识库 缓存与限流器
func (c *Core) Close() {
	if c == nil {
		return
	}
	if c.Limits != nil {
		c.Limits.Stop()
	}
	if c.KB != nil {
		if err := c.KB.Close(); err != nil {
			logger.Warn("关闭知识库失败: %v", err)
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			logger.Warn("关闭缓存失败: %v", err)
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("关闭数据库失败: %v", err)
		}
	}
}
