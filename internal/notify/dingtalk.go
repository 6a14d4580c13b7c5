package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quote-intake/internal/logger"
	"quote-intake/internal/models"
)

// Robot 钉钉机器人
type Robot struct {
	webhook string
	secret  string
	client  *http.Client
	now     func() time.Time
}

type message struct {
	MsgType  string   `json:"msgtype"`
	Markdown markdown `json:"markdown"`
}

type markdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NewRobot 创建钉钉机器人实例
func NewRobot(webhook, secret string) *Robot {
	return &Robot{
		webhook: strings.TrimSpace(webhook),
		secret:  strings.TrimSpace(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

// NewFromConfig 未配置 webhook 时退化为日志通知
func NewFromConfig(cfg *models.Config) Notifier {
	if cfg == nil || strings.TrimSpace(cfg.DingTalkWebhook) == "" {
		return LogNotifier{}
	}
	return NewRobot(cfg.DingTalkWebhook, cfg.DingTalkSecret)
}

func (r *Robot) NotifyEscalation(ctx context.Context, e Escalation) error {
	title, text := escalationMarkdown(e)
	return r.send(ctx, title, text)
}

func (r *Robot) NotifyStaleRFQs(ctx context.Context, count int, sample []string) error {
	if count == 0 {
		return nil
	}
	title, text := staleMarkdown(count, sample)
	return r.send(ctx, title, text)
}

func (r *Robot) send(ctx context.Context, title, text string) error {
	if r.webhook == "" {
		return fmt.Errorf("钉钉 webhook 为空")
	}
	payload, err := json.Marshal(message{MsgType: "markdown", Markdown: markdown{Title: title, Text: text}})
	if err != nil {
		return fmt.Errorf("序列化钉钉消息失败: %w", err)
	}
	webhookURL, err := r.buildWebhookURL()
	if err != nil {
		return fmt.Errorf("构建钉钉 webhook URL 失败: %w", err)
	}
	if err := r.postMessage(ctx, webhookURL, payload); err != nil {
		return models.NewExternalError("dingtalk", "send", err)
	}
	logger.Info("钉钉机器人消息发送成功: %s", title)
	return nil
}

func (r *Robot) postMessage(ctx context.Context, webhookURL string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("钉钉机器人 HTTP 状态码异常: %d", resp.StatusCode)
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("解析钉钉响应失败: %w", err)
	}
	if body.ErrCode != 0 {
		return fmt.Errorf("钉钉机器人返回错误: %d %s", body.ErrCode, body.ErrMsg)
	}
	return nil
}

// buildWebhookURL 配置了 secret 时追加 timestamp 与 sign 参数
func (r *Robot) buildWebhookURL() (string, error) {
	if r.secret == "" {
		return r.webhook, nil
	}
	timestamp := r.now().UnixMilli()
	mac := hmac.New(sha256.New, []byte(r.secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d\n%s", timestamp, r.secret)))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	parsed, err := url.Parse(r.webhook)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("timestamp", fmt.Sprintf("%d", timestamp))
	query.Set("sign", sign)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
