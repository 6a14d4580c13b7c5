// 本文件用于 OpenAI 兼容接口的对话补全与向量嵌入 所有调用经过 llm 限流器
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quote-intake/internal/models"
	"quote-intake/internal/ratelimit"
)

const dependency = "llm"

// Completer 补全能力 分类兜底只依赖这个接口
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user, schemaHint string, out any) error
}

// Options 客户端参数
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

// Client OpenAI 兼容客户端
type Client struct {
	opts    Options
	http    *http.Client
	limiter *ratelimit.Limiter
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// NewClient 创建客户端 limiter 可为 nil
func NewClient(opts Options, limiter *ratelimit.Limiter) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
	}
}

// NewClientFromConfig 从全局配置构建
func NewClientFromConfig(cfg *models.Config, limiter *ratelimit.Limiter) *Client {
	return NewClient(Options{
		BaseURL:        cfg.AIBaseURL,
		APIKey:         cfg.AIAPIKey,
		Model:          cfg.AIModel,
		EmbeddingModel: cfg.AIEmbeddingModel,
		Timeout:        ParseTimeout(cfg.AITimeout),
	}, limiter)
}

// Complete 返回模型的原始文本
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.chat(ctx, system, user, false)
}

// CompleteJSON 要求模型按 schemaHint 返回 JSON 并解析到 out
func (c *Client) CompleteJSON(ctx context.Context, system, user, schemaHint string, out any) error {
	prompt := system
	if strings.TrimSpace(schemaHint) != "" {
		prompt = system + "\n\n只返回符合以下结构的 JSON 对象:\n" + schemaHint
	}
	content, err := c.chat(ctx, prompt, user, true)
	if err != nil {
		return err
	}
	if err := DecodeJSON(content, out); err != nil {
		return models.NewExternalError(dependency, "complete_json", err)
	}
	return nil
}

// Embed 返回文本向量
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	endpoint, err := buildEndpoint(c.opts.BaseURL, "/embeddings")
	if err != nil {
		return nil, err
	}
	model := c.opts.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	var parsed embeddingResponse
	if err := c.post(ctx, "embed", endpoint, embeddingRequest{Model: model, Input: text}, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return nil, models.NewExternalError(dependency, "embed", fmt.Errorf("AI响应错误: %s", parsed.Error.Message))
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, models.NewExternalError(dependency, "embed", fmt.Errorf("AI响应为空"))
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	endpoint, err := buildEndpoint(c.opts.BaseURL, "/chat/completions")
	if err != nil {
		return "", err
	}
	payload := chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	if jsonMode {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	var parsed chatResponse
	if err := c.post(ctx, "complete", endpoint, payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", models.NewExternalError(dependency, "complete", fmt.Errorf("AI响应错误: %s", strings.TrimSpace(parsed.Error.Message)))
	}
	if len(parsed.Choices) == 0 {
		return "", models.NewExternalError(dependency, "complete", fmt.Errorf("AI响应为空"))
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", models.NewExternalError(dependency, "complete", fmt.Errorf("AI响应为空"))
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("AI请求构造失败: %w", err)
	}
	data, err := ratelimit.Do(ctx, c.limiter, ratelimit.DefaultPriority, 1, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("AI请求创建失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("AI请求失败: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("AI响应读取失败: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("AI响应异常: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return data, nil
	})
	if err != nil {
		return models.NewExternalError(dependency, op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.NewExternalError(dependency, op, fmt.Errorf("AI响应解析失败: %w", err))
	}
	return nil
}

// DecodeJSON 解析模型输出 容忍前后夹带的说明文字或代码块
func DecodeJSON(raw string, out any) error {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(clean)), out); err == nil {
		return nil
	}
	extracted := extractJSONObject(raw)
	if extracted == "" {
		return fmt.Errorf("AI响应不是JSON: %s", truncate(raw, 120))
	}
	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return fmt.Errorf("AI响应JSON解析失败: %w", err)
	}
	return nil
}

// ParseTimeout 支持 "20s" 与纯秒数两种写法
func ParseTimeout(raw string) time.Duration {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 20 * time.Second
	}
	if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
		return d
	}
	if v, err := strconv.Atoi(trimmed); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return 20 * time.Second
}

func buildEndpoint(base, suffix string) (string, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return "", fmt.Errorf("AI_BASE_URL不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("AI_BASE_URL无效: %s", trimmed)
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	for _, known := range []string{"/chat/completions", "/embeddings"} {
		path = strings.TrimSuffix(path, known)
	}
	if path == "" {
		path = "/v1"
	}
	parsed.Path = path + suffix
	return parsed.String(), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func truncate(raw string, limit int) string {
	runes := []rune(raw)
	if len(runes) <= limit {
		return raw
	}
	return string(runes[:limit]) + "..."
}
