package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quote-intake/internal/models"
)

func TestInitLoggerWritesToFileAndFiltersLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "intake.log")
	toStd := false
	if err := InitLogger(&models.Config{LogFile: path, LogLevel: "warn", LogToStd: &toStd}); err != nil {
		t.Fatalf("init logger failed: %v", err)
	}
	t.Cleanup(Close)

	Info("不应出现 %d", 1)
	Warn("供应商外联失败: %s", "taller-1")
	Debug("调试 %s", "x")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "不应出现") || strings.Contains(text, "调试") {
		t.Fatalf("lower level lines leaked: %s", text)
	}
	if !strings.Contains(text, "taller-1") || !strings.Contains(text, `"level":"warn"`) {
		t.Fatalf("warn line missing: %s", text)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel(""); got.String() != "info" {
		t.Fatalf("expected info, got %s", got)
	}
	if got := parseLevel("nonsense"); got.String() != "info" {
		t.Fatalf("expected info fallback, got %s", got)
	}
	if got := parseLevel("DEBUG"); got.String() != "debug" {
		t.Fatalf("expected debug, got %s", got)
	}
}
