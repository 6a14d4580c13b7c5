// 本文件用于程序启动入口
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"quote-intake/internal/config"
	"quote-intake/internal/logger"
	"quote-intake/internal/models"
	"quote-intake/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("程序退出: %v", err)
	}
}

func run() error {
	configPath := parseFlags()
	log.Printf("程序启动，配置文件: %s", configPath)

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Close()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Info))
	if err != nil {
		logger.Warn("设置 GOMAXPROCS 失败: %v", err)
	}
	defer undo()

	logConfig(cfg)

	intake, err := service.NewIntakeService(cfg)
	if err != nil {
		logger.Error("创建报价受理服务失败: %v", err)
		return err
	}

	if err := intake.Start(); err != nil {
		logger.Error("启动报价受理服务失败: %v", err)
		_ = intake.Stop(context.Background())
		return err
	}

	waitForShutdown(intake)
	return nil
}

func parseFlags() string {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()
	return configPath
}

func loadAndValidateConfig(configPath string) (*models.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logConfig(cfg *models.Config) {
	logger.Info("配置加载成功")
	logger.Info("投递目录: %s", cfg.InboxDir)
	logger.Info("数据目录: %s", cfg.DataDir)
	logger.Info("API 监听: %s", cfg.APIBind)
	if strings.TrimSpace(cfg.APIAuthToken) == "" {
		logger.Warn("未配置 API 令牌 控制台接口不鉴权")
	}
	logger.Info("SMTP: %s:%d 发件人: %s", cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	logger.Info("AI 启用: %v 模型: %s", cfg.AIEnabled, cfg.AIModel)
	logger.Info("LLM 兜底: %v", config.LLMFallbackEnabled(cfg))
	logger.Info("必填字段: %s", strings.Join(cfg.RequiredFields, ","))
	logger.Info("外联上限: %d 询价有效期: %d 天", cfg.OutreachCap, cfg.RFQExpiryDays)
	logger.Info("缓存后端: %s", cfg.CacheBackend)
	logger.Info("附件归档 OSS: %v", cfg.OSSEnabled)
	logger.Info("陈旧询价巡检: %s", cfg.RFQSweepCron)
	logToStd := cfg.LogToStd == nil || *cfg.LogToStd
	logger.Info("日志级别: %s", cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.Info("日志文件: %s", cfg.LogFile)
	}
	logger.Info("日志输出到标准输出: %v", logToStd)
	logger.Info("工作池大小: %d 队列大小: %d", cfg.InboxWorkers, cfg.InboxQueueSize)
}

func waitForShutdown(intake *service.IntakeService) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	<-signalChan
	logger.Info("收到退出信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := intake.Stop(ctx); err != nil {
		logger.Error("停止报价受理服务失败: %v", err)
	}
	logger.Info("程序已退出")
}
