// Package market provides price data strategies for the tool augmenter.
package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AgentPay-Chain/internal/tools"
)

const (
	TierSDK = "market-sdk"
	TierAPI = "market-api"
)

// Config describes a market data endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// SDKStrategy queries the rich coins/markets endpoint.
type SDKStrategy struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSDKStrategy builds the primary market tier.
func NewSDKStrategy(cfg Config) *SDKStrategy {
	return &SDKStrategy{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  newHTTPClient(cfg.Timeout),
	}
}

func (s *SDKStrategy) Name() string { return TierSDK }

func (s *SDKStrategy) Fetch(ctx context.Context, q tools.Query) tools.Result {
	if s.baseURL == "" {
		return tools.Unavailable(TierSDK, "not configured")
	}
	if q.Asset == "" {
		return tools.Unavailable(TierSDK, "no asset in request")
	}

	endpoint := fmt.Sprintf("%s/coins/markets?vs_currency=usd&ids=%s", s.baseURL, url.QueryEscape(q.Asset))
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("x-cg-pro-api-key", s.apiKey)
	}

	var markets []struct {
		ID                       string  `json:"id"`
		Symbol                   string  `json:"symbol"`
		Name                     string  `json:"name"`
		CurrentPrice             float64 `json:"current_price"`
		MarketCap                float64 `json:"market_cap"`
		TotalVolume              float64 `json:"total_volume"`
		High24h                  float64 `json:"high_24h"`
		Low24h                   float64 `json:"low_24h"`
		PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	}
	if err := tools.FetchJSON(ctx, s.client, endpoint, header, &markets); err != nil {
		return tools.Unavailable(TierSDK, err.Error())
	}
	if len(markets) == 0 {
		return tools.Unavailable(TierSDK, "asset not listed")
	}
	m := markets[0]
	data := fmt.Sprintf("%s (%s): price $%.4f, 24h change %.2f%%, 24h range $%.4f-$%.4f, market cap $%.0f, volume $%.0f",
		m.Name, strings.ToUpper(m.Symbol), m.CurrentPrice, m.PriceChangePercentage24h, m.Low24h, m.High24h, m.MarketCap, m.TotalVolume)
	return tools.OK(TierSDK, data)
}

// APIStrategy queries the simple price endpoint.
type APIStrategy struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAPIStrategy builds the fallback market tier.
func NewAPIStrategy(cfg Config) *APIStrategy {
	return &APIStrategy{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  newHTTPClient(cfg.Timeout),
	}
}

func (s *APIStrategy) Name() string { return TierAPI }

func (s *APIStrategy) Fetch(ctx context.Context, q tools.Query) tools.Result {
	if s.baseURL == "" {
		return tools.Unavailable(TierAPI, "not configured")
	}
	if q.Asset == "" {
		return tools.Unavailable(TierAPI, "no asset in request")
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_24hr_change=true", s.baseURL, url.QueryEscape(q.Asset))
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("x-cg-demo-api-key", s.apiKey)
	}

	var prices map[string]struct {
		USD          float64  `json:"usd"`
		USD24hChange *float64 `json:"usd_24h_change"`
	}
	if err := tools.FetchJSON(ctx, s.client, endpoint, header, &prices); err != nil {
		return tools.Unavailable(TierAPI, err.Error())
	}
	price, ok := prices[q.Asset]
	if !ok {
		return tools.Unavailable(TierAPI, "asset not listed")
	}
	data := fmt.Sprintf("%s: price $%.4f", q.Asset, price.USD)
	if price.USD24hChange != nil {
		data += fmt.Sprintf(", 24h change %.2f%%", *price.USD24hChange)
	}
	return tools.OK(TierAPI, data)
}

var (
	_ tools.Strategy = (*SDKStrategy)(nil)
	_ tools.Strategy = (*APIStrategy)(nil)
)
