package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"AgentPay-Chain/internal/tools"
)

func TestSDKStrategy(t *testing.T) {
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		apiKey = r.Header.Get("x-cg-pro-api-key")
		_, _ = w.Write([]byte(`[{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":3000.5,"market_cap":1,"total_volume":2,"high_24h":3100,"low_24h":2900,"price_change_percentage_24h":-1.25}]`))
	}))
	defer srv.Close()

	s := NewSDKStrategy(Config{BaseURL: srv.URL, APIKey: "k"})
	res := s.Fetch(context.Background(), tools.Query{Asset: "ethereum"})
	assert.Equal(t, tools.StatusOK, res.Status)
	assert.Equal(t, TierSDK, res.Tier)
	assert.Contains(t, res.Data, "Ethereum (ETH)")
	assert.Contains(t, res.Data, "-1.25%")
	assert.Equal(t, "k", apiKey)
}

func TestSDKStrategyUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := NewSDKStrategy(Config{BaseURL: srv.URL}).Fetch(context.Background(), tools.Query{Asset: "ethereum"})
	assert.Equal(t, tools.StatusUnavailable, res.Status)
	assert.Contains(t, res.Reason, "429")

	res = NewSDKStrategy(Config{}).Fetch(context.Background(), tools.Query{Asset: "ethereum"})
	assert.Equal(t, tools.StatusUnavailable, res.Status)

	res = NewSDKStrategy(Config{BaseURL: srv.URL}).Fetch(context.Background(), tools.Query{})
	assert.Equal(t, tools.StatusUnavailable, res.Status)
}

func TestAPIStrategyAsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":65000,"usd_24h_change":2.5}}`))
	}))
	defer srv.Close()

	chain := tools.Chain{NewSDKStrategy(Config{}), NewAPIStrategy(Config{BaseURL: srv.URL})}
	res := chain.Run(context.Background(), tools.Query{Asset: "bitcoin"})
	assert.Equal(t, tools.StatusOK, res.Status)
	assert.Equal(t, TierAPI, res.Tier)
	assert.Equal(t, "bitcoin: price $65000.0000, 24h change 2.50%", res.Data)

	res = NewAPIStrategy(Config{BaseURL: srv.URL}).Fetch(context.Background(), tools.Query{Asset: "solana"})
	assert.Equal(t, tools.StatusUnavailable, res.Status)
}
