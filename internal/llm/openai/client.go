package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentPay-Chain/internal/llm"
)

const (
	providerName     = "openai"
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型接口。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:    apiKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回服务商名称。
func (c *Client) Name() string { return providerName }

// Complete 调用 Chat Completions 并返回文本内容。错误在此处完成分类。
func (c *Client) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	payload, err := c.buildPayload(systemPrompt, userText)
	if err != nil {
		return "", &llm.Error{Provider: providerName, Class: llm.Fatal, Err: err}
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &llm.Error{Provider: providerName, Class: llm.Fatal, Err: fmt.Errorf("构建 OpenAI 请求失败: %w", err)}
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &llm.Error{Provider: providerName, Class: llm.Transient, Err: fmt.Errorf("请求 OpenAI 失败: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", llm.ClassifyStatus(providerName, resp.StatusCode, string(body))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &llm.Error{Provider: providerName, Class: llm.Transient, Err: fmt.Errorf("解析 OpenAI 响应失败: %w", err)}
	}
	if len(decoded.Choices) == 0 {
		return "", &llm.Error{Provider: providerName, Class: llm.Transient, Err: errors.New("OpenAI 响应中没有有效的 choices")}
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func (c *Client) buildPayload(systemPrompt, userText string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, message{Role: "user", Content: userText})

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

var _ llm.Provider = (*Client)(nil)
