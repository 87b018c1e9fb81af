// Package anthropic adapts the Claude Messages API to llm.Provider.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"AgentPay-Chain/internal/llm"
)

const (
	providerName     = "anthropic"
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 2048
)

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config configures the adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client implements llm.Provider.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// New wraps an existing messages client.
func New(msg MessagesClient, model string, maxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: model, maxTokens: int64(maxTokens)}, nil
}

// NewFromConfig builds the SDK client. Retries are left to the invoker.
func NewFromConfig(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, cfg.Model, cfg.MaxTokens)
}

// Name returns the provider name.
func (c *Client) Name() string { return providerName }

// Complete sends a single-turn message and joins the text blocks of the reply.
func (c *Client) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userText))},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if msg == nil {
		return "", &llm.Error{Provider: providerName, Class: llm.Transient, Err: errors.New("empty response")}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		typed := llm.ClassifyStatus(providerName, apiErr.StatusCode, apiErr.Error())
		typed.Err = err
		return typed
	}
	if errors.Is(err, context.Canceled) {
		return &llm.Error{Provider: providerName, Class: llm.Fatal, Err: err}
	}
	return &llm.Error{Provider: providerName, Class: llm.Transient, Err: fmt.Errorf("anthropic messages.new: %w", err)}
}

var _ llm.Provider = (*Client)(nil)
