package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/1/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(agentpay.Challenge{
				X402Version: 1,
				Error:       "payment required",
				Accepts: []agentpay.PaymentRequirement{{
					Scheme:            "exact",
					Network:           "base-sepolia",
					MaxAmountRequired: "100000",
					PayTo:             "0x1111111111111111111111111111111111111111",
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(agentpay.ExecuteResult{
			ExecutionID:   1,
			Output:        "ETH trades around 3000 USD.",
			Success:       true,
			PaymentStatus: "settled",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Execute(ctx, 1, agentpay.ExecuteRequest{Input: "What is the ETH price?"})
	var pr *agentpay.PaymentRequiredError
	if !errors.As(err, &pr) {
		panic(fmt.Sprintf("expected a payment challenge, got %v", err))
	}
	fmt.Printf("agent asks for %s atomic units on %s\n", pr.Challenge.Accepts[0].MaxAmountRequired, pr.Challenge.Accepts[0].Network)

	// A real client signs an EIP-3009 authorization for the challenge here.
	result, err := client.Execute(ctx, 1, agentpay.ExecuteRequest{Input: "What is the ETH price?", Payment: "signed-proof"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %d (payment=%s): %s\n", result.ExecutionID, result.PaymentStatus, result.Output)
}
