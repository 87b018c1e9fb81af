package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/payment"
)

func samplePayload() payment.PaymentPayload {
	return payment.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: payment.ExactPayload{
			Signature:     "0x01",
			Authorization: payment.WireAuthorization{From: "0xa", To: "0xb", Value: "100000"},
		},
	}
}

func TestVerifySendsEnvelope(t *testing.T) {
	var captured map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(payment.VerifyResponse{IsValid: true, Payer: "0xa"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/", APIKey: "secret"})
	resp, err := client.Verify(context.Background(), samplePayload(), payment.PaymentRequirements{MaxAmountRequired: "100000"})
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "Bearer secret", auth)
	assert.EqualValues(t, 1, captured["x402Version"])
	assert.Contains(t, captured, "paymentPayload")
	reqs := captured["paymentRequirements"].(map[string]any)
	assert.Equal(t, "100000", reqs["maxAmountRequired"])
}

func TestVerifyRejectionWithBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(payment.VerifyResponse{IsValid: false, InvalidReason: "insufficient amount"})
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Verify(context.Background(), samplePayload(), payment.PaymentRequirements{})
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient amount", resp.InvalidReason)
}

func TestSettleServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Settle(context.Background(), samplePayload(), payment.PaymentRequirements{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSettleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		_ = json.NewEncoder(w).Encode(payment.SettleResponse{Success: true, Transaction: "0xtx", Network: "base-sepolia"})
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Settle(context.Background(), samplePayload(), payment.PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtx", resp.Transaction)
}
