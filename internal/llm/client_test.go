package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"quote-intake/internal/models"
)

func TestBuildEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com":                     "https://api.example.com/v1/chat/completions",
		"https://api.example.com/v1":                  "https://api.example.com/v1/chat/completions",
		"https://api.example.com/v1/":                 "https://api.example.com/v1/chat/completions",
		"https://api.example.com/v1/chat/completions": "https://api.example.com/v1/chat/completions",
		"https://gw.example.com/openai":               "https://gw.example.com/openai/chat/completions",
	}
	for base, want := range cases {
		got, err := buildEndpoint(base, "/chat/completions")
		if err != nil {
			t.Fatalf("构造地址失败 %s: %v", base, err)
		}
		if got != want {
			t.Errorf("base=%s 期望 %s, 实际 %s", base, want, got)
		}
	}
	if _, err := buildEndpoint("not a url", "/embeddings"); err == nil {
		t.Fatalf("非法地址应报错")
	}
}

func TestCompleteJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("鉴权头错误: %s", got)
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Messages[0].Content, `"intent"`) {
			t.Errorf("系统提示缺少结构说明: %s", req.Messages[0].Content)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```json\\n{\\\"intent\\\":true,\\\"confidence\\\":0.8}\\n```" + `"}}]}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL + "/v1", APIKey: "secret", Model: "m"}, nil)
	var out struct {
		Intent     bool    `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := client.CompleteJSON(context.Background(), "sys", "user", `{"intent": bool}`, &out); err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if !out.Intent || out.Confidence != 0.8 {
		t.Fatalf("解析结果错误: %+v", out)
	}
}

func TestCompleteWrapsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL}, nil)
	_, err := client.Complete(context.Background(), "sys", "user")
	if err == nil {
		t.Fatalf("期望错误")
	}
	if !models.IsExternal(err) {
		t.Fatalf("期望外部依赖错误, 实际 %T %v", err, err)
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL}, nil)
	vec, err := client.Embed(context.Background(), "aluminio 6082")
	if err != nil {
		t.Fatalf("嵌入失败: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("向量长度错误: %v", vec)
	}
}

func TestDecodeJSONWithProse(t *testing.T) {
	var out map[string]any
	if err := DecodeJSON("Claro, aquí está: {\"a\": 1} fin", &out); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if out["a"].(float64) != 1 {
		t.Fatalf("解析结果错误: %v", out)
	}
	if err := DecodeJSON("sin json", &out); err == nil {
		t.Fatalf("非 JSON 应报错")
	}
}
