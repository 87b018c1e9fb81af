package agentpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestExecuteSendsPaymentHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/7/execute" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-PAYMENT"); got != "proof" {
			t.Errorf("unexpected payment header: %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["input"] != "hello" || body["paymentHash"] != "0xabc" {
			t.Errorf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(ExecuteResult{ExecutionID: 4, Output: "hi", Success: true, PaymentStatus: "settled"})
	})

	result, err := client.Execute(context.Background(), 7, ExecuteRequest{Input: "hello", Payment: "proof", PaymentHash: "0xabc"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExecutionID != 4 || result.PaymentStatus != "settled" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecutePaymentRequired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(Challenge{
			X402Version: 1,
			Error:       "insufficient amount",
			Accepts:     []PaymentRequirement{{Scheme: "exact", MaxAmountRequired: "100000"}},
		})
	})

	_, err := client.Execute(context.Background(), 1, ExecuteRequest{Input: "x"})
	pr, ok := IsPaymentRequired(err)
	if !ok {
		t.Fatalf("expected PaymentRequiredError, got %T: %v", err, err)
	}
	if len(pr.Challenge.Accepts) != 1 || pr.Challenge.Accepts[0].MaxAmountRequired != "100000" {
		t.Fatalf("unexpected challenge: %+v", pr.Challenge)
	}
	if pr.Error() != "agentpay: payment required: insufficient amount" {
		t.Fatalf("unexpected message: %s", pr.Error())
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"agent not found","code":"AGENT_NOT_FOUND"}`))
	})

	_, err := client.Agent(context.Background(), 9)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "AGENT_NOT_FOUND" || apiErr.Message != "agent not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListExecutionsQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("agentId") != "3" || q.Get("limit") != "5" || q.Get("offset") != "" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"executions": []Execution{{ID: 1, AgentID: 3}, {ID: 2, AgentID: 3}}})
	})

	list, err := client.ListExecutions(context.Background(), ListOptions{AgentID: 3, Limit: 5})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(list) != 2 || list[0].AgentID != 3 {
		t.Fatalf("unexpected executions: %+v", list)
	}
}

func TestResolvePaymentRequiresToken(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Header.Get("Authorization") != "Bearer ops" {
			t.Errorf("unexpected authorization: %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/api/v1/payments/0xaa/resolve" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Payment{PaymentHash: "0xaa", Status: "failed", ResolutionNote: "done", ResolvedAt: 1})
	})

	if _, err := client.ResolvePayment(context.Background(), "0xaa", "done"); err == nil {
		t.Fatal("expected error without operator token")
	}
	if called {
		t.Fatal("request sent without token")
	}

	client.SetOperatorToken("ops")
	got, err := client.ResolvePayment(context.Background(), "0xaa", "done")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ResolutionNote != "done" {
		t.Fatalf("unexpected payment: %+v", got)
	}
}
