// Package facilitator implements an HTTP client for an x402 facilitator
// service exposing /verify and /settle.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentPay-Chain/internal/payment"
)

const (
	defaultBaseURL = "https://x402.org/facilitator"
	defaultTimeout = 30 * time.Second
)

// Config describes how to reach the facilitator.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the facilitator over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type request struct {
	X402Version         int                         `json:"x402Version"`
	PaymentPayload      payment.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements payment.PaymentRequirements `json:"paymentRequirements"`
}

// New creates a client. An empty BaseURL falls back to the public facilitator.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify checks an authorization against the requirement without moving funds.
func (c *Client) Verify(ctx context.Context, payload payment.PaymentPayload, req payment.PaymentRequirements) (*payment.VerifyResponse, error) {
	var out payment.VerifyResponse
	if err := c.post(ctx, "/verify", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits the authorization on chain.
func (c *Client) Settle(ctx context.Context, payload payment.PaymentPayload, req payment.PaymentRequirements) (*payment.SettleResponse, error) {
	var out payment.SettleResponse
	if err := c.post(ctx, "/settle", payload, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload payment.PaymentPayload, req payment.PaymentRequirements, out any) error {
	body, err := json.Marshal(request{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("encode facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read facilitator response: %w", err)
	}
	// Rejections are reported with 400 and a regular response body.
	if resp.StatusCode >= http.StatusInternalServerError || (resp.StatusCode >= http.StatusBadRequest && len(bytes.TrimSpace(raw)) == 0) {
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("decode facilitator response: %w", err)
	}
	return nil
}
