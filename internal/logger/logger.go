package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quote-intake/internal/models"
)

var (
	mu           sync.RWMutex
	activeLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	logFile      *os.File
)

// InitLogger 初始化日志系统。
func InitLogger(config *models.Config) error {
	logToStd := config.LogToStd == nil || *config.LogToStd
	output, file, err := buildLogWriter(config.LogFile, logToStd)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	ctx := zerolog.New(output).With().Timestamp()
	if config.LogShowCaller {
		// 跳过本包的封装层 显示真实调用方
		ctx = ctx.CallerWithSkipFrameCount(3)
	}
	next := ctx.Logger().Level(parseLevel(config.LogLevel))

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	activeLogger = next
	logFile = file
	mu.Unlock()
	return nil
}

func buildLogWriter(path string, logToStd bool) (io.Writer, *os.File, error) {
	if path == "" {
		return os.Stdout, nil, nil
	}

	logDir := filepath.Dir(path)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	if !logToStd {
		return file, file, nil
	}
	return io.MultiWriter(os.Stdout, file), file, nil
}

func parseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || raw == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Info 记录信息日志。
func Info(format string, v ...interface{}) {
	current().Info().Msgf(format, v...)
}

// Error 记录错误日志。
func Error(format string, v ...interface{}) {
	current().Error().Msgf(format, v...)
}

// Warn 记录警告日志。
func Warn(format string, v ...interface{}) {
	current().Warn().Msgf(format, v...)
}

// Debug 记录调试日志。
func Debug(format string, v ...interface{}) {
	current().Debug().Msgf(format, v...)
}

// SetLogLevel 设置日志级别。
func SetLogLevel(level string) {
	mu.Lock()
	activeLogger = activeLogger.Level(parseLevel(level))
	mu.Unlock()
}

// With 返回带组件字段的子 logger，用于需要结构化字段的调用方。
func With(component string) zerolog.Logger {
	return current().With().Str("component", component).Logger()
}

// Close 关闭日志文件。
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	activeLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func current() *zerolog.Logger {
	mu.RLock()
	l := activeLogger
	mu.RUnlock()
	return &l
}
