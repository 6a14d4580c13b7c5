package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quote-intake/internal/models"
)

func TestEscalationMarkdownIncludesReason(t *testing.T) {
	title, text := escalationMarkdown(Escalation{
		RequestID:  "req_1",
		From:       "cliente@example.com",
		Subject:    "Queja",
		Reason:     "疑似投诉 转人工",
		Confidence: 0.85,
		At:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if title == "" {
		t.Fatalf("标题不能为空")
	}
	for _, want := range []string{"`req_1`", "cliente@example.com", "confianza 0.85", "2024-01-02 03:04:05"} {
		if !strings.Contains(text, want) {
			t.Fatalf("通知正文缺少 %q: %s", want, text)
		}
	}
	if strings.Contains(text, "hilo") {
		t.Fatalf("没有线程时不应输出线程行: %s", text)
	}
}

func TestRobotSignsAndPosts(t *testing.T) {
	var got message
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	r := NewRobot(srv.URL+"/robot/send?access_token=abc", "SEC123")
	if err := r.NotifyEscalation(context.Background(), Escalation{RequestID: "req_9"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if got.MsgType != "markdown" || !strings.Contains(got.Markdown.Text, "req_9") {
		t.Fatalf("消息内容不正确: %+v", got)
	}
	if !strings.Contains(query, "sign=") || !strings.Contains(query, "timestamp=") || !strings.Contains(query, "access_token=abc") {
		t.Fatalf("签名参数缺失: %s", query)
	}
}

func TestRobotErrorCodeIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":310000,"errmsg":"sign not match"}`))
	}))
	defer srv.Close()

	err := NewRobot(srv.URL, "").NotifyStaleRFQs(context.Background(), 2, []string{"rfq_1"})
	if !models.IsExternal(err) {
		t.Fatalf("钉钉返回错误码应视为外部依赖错误, 实际 %v", err)
	}
	if err := NewRobot(srv.URL, "").NotifyStaleRFQs(context.Background(), 0, nil); err != nil {
		t.Fatalf("没有过期询价时不应发送: %v", err)
	}
}

func TestNewFromConfigFallsBackToLog(t *testing.T) {
	if _, ok := NewFromConfig(&models.Config{}).(LogNotifier); !ok {
		t.Fatalf("未配置 webhook 时应使用日志通知")
	}
	if _, ok := NewFromConfig(&models.Config{DingTalkWebhook: "https://oapi.example/robot"}).(*Robot); !ok {
		t.Fatalf("配置 webhook 后应使用钉钉机器人")
	}
}
