package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentPay-Chain/internal/activity"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/saga"
)

const testHash = "0x00000000000000000000000000000000000000000000000000000000000000aa"

type fakeExecutor struct {
	lastReq saga.Request
	resp    *saga.Response
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, req saga.Request) (*saga.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeExecutor) Agent(_ context.Context, id uint64) (*ledger.AgentProfile, error) {
	if id != 1 {
		return nil, ledger.ErrAgentNotFound
	}
	return &ledger.AgentProfile{
		ID:          1,
		Name:        "Market Analyst",
		Price:       big.NewInt(100000),
		Beneficiary: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Reputation:  7500,
		Active:      true,
	}, nil
}

func (f *fakeExecutor) Challenge(_ context.Context, id uint64, reason string) (payment.Challenge, error) {
	if id != 1 {
		return payment.Challenge{}, ledger.ErrAgentNotFound
	}
	return payment.BuildChallenge(payment.PaymentRequirements{Scheme: "exact", MaxAmountRequired: "100000"}, reason), nil
}

func newTestServer(t *testing.T, exec *fakeExecutor, opts ...Option) (*Server, *activity.MemoryStore) {
	t.Helper()
	store, err := activity.NewMemoryStore("")
	require.NoError(t, err)
	return NewServer(":0", exec, store, opts...), store
}

func serve(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestExecuteSuccess(t *testing.T) {
	exec := &fakeExecutor{resp: &saga.Response{ExecutionID: 3, Output: "answer", Success: true, PaymentStatus: payment.StatusSettled, PaymentHash: testHash}}
	s, _ := newTestServer(t, exec)

	rec := serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"price?"}`, map[string]string{
		"X-PAYMENT":      "proof-token",
		"X-PAYMENT-HASH": testHash,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(3), got["executionId"])
	assert.Equal(t, "settled", got["paymentStatus"])
	assert.Equal(t, uint64(1), exec.lastReq.AgentID)
	assert.Equal(t, "proof-token", exec.lastReq.PaymentHeader)
	assert.Equal(t, testHash, exec.lastReq.PaymentHash)
	assert.Equal(t, "price?", exec.lastReq.Input)
}

func TestExecuteReadsPaymentFromBody(t *testing.T) {
	exec := &fakeExecutor{resp: &saga.Response{}}
	s, _ := newTestServer(t, exec)

	rec := serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x","paymentHash":"0xbb","payment":{"from":"0x1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"from":"0x1"}`, exec.lastReq.PaymentHeader)
	assert.Equal(t, "0xbb", exec.lastReq.PaymentHash)

	rec = serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x","payment":"base64token"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "base64token", exec.lastReq.PaymentHeader)
}

func TestExecutePaymentRequiredReturnsChallenge(t *testing.T) {
	challenge := payment.BuildChallenge(payment.PaymentRequirements{Scheme: "exact", MaxAmountRequired: "100000"}, "insufficient amount")
	exec := &fakeExecutor{err: &saga.PaymentRequiredError{
		Err:       xerrors.New(payment.CodePaymentInvalid, "insufficient amount"),
		Challenge: challenge,
	}}
	s, _ := newTestServer(t, exec)

	rec := serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x"}`, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var got payment.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.X402Version)
	assert.Equal(t, "insufficient amount", got.Error)
	require.Len(t, got.Accepts, 1)
	assert.Equal(t, "100000", got.Accepts[0].MaxAmountRequired)
}

func TestExecuteErrorBodyHidesDetailInProduction(t *testing.T) {
	cause := xerrors.Wrap(ledger.CodeLedgerUnavailable, assert.AnError, "开启执行记录失败")

	dev, _ := newTestServer(t, &fakeExecutor{err: cause})
	rec := serve(dev, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(ledger.CodeLedgerUnavailable), body.Code)
	assert.Contains(t, body.Detail, assert.AnError.Error())

	prod, _ := newTestServer(t, &fakeExecutor{err: cause}, WithProduction(true))
	rec = serve(prod, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = errorBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Detail)
	assert.Equal(t, "execution ledger unavailable", body.Error)
}

func TestExecuteRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{})
	rec := serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRateLimited(t *testing.T) {
	exec := &fakeExecutor{err: xerrors.New(xerrors.CodeRateLimited, "rate limit of 1 requests exceeded")}
	s, _ := newTestServer(t, exec)
	rec := serve(s, http.MethodPost, "/api/v1/agents/1/execute", `{"input":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAgentAndChallenge(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{})

	rec := serve(s, http.MethodGet, "/api/v1/agents/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent agentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "100000", agent.Price)
	assert.Equal(t, "0.1", agent.PriceUSD)
	assert.Equal(t, uint64(7500), agent.Reputation)

	rec = serve(s, http.MethodGet, "/api/v1/agents/9", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodGet, "/api/v1/agents/1/challenge", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var challenge payment.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Len(t, challenge.Accepts, 1)

	rec = serve(s, http.MethodGet, "/api/v1/agents/abc", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not match a route")
}

func TestActivityEndpoints(t *testing.T) {
	s, store := newTestServer(t, &fakeExecutor{})
	ctx := context.Background()
	require.NoError(t, store.CreateExecution(ctx, activity.ExecutionRecord{ID: 1, AgentID: 1, PaymentHash: testHash, Input: "q"}))
	require.NoError(t, store.CompleteExecution(ctx, 1, "answer", true))
	require.NoError(t, store.CreatePayment(ctx, activity.PaymentRecord{PaymentHash: testHash, AgentID: 1, Amount: "100000"}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, testHash, payment.StatusFailed, activity.PaymentUpdate{LastError: "settle failed"}))

	rec := serve(s, http.MethodGet, "/api/v1/executions?agentId=1&success=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var execs struct {
		Executions []activity.ExecutionRecord `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execs))
	require.Len(t, execs.Executions, 1)

	rec = serve(s, http.MethodGet, "/api/v1/executions/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(s, http.MethodGet, "/api/v1/executions/2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodGet, "/api/v1/payments?status=failed&unresolved=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pays struct {
		Payments []activity.PaymentRecord `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pays))
	require.Len(t, pays.Payments, 1)
	assert.Equal(t, "settle failed", pays.Payments[0].LastError)

	rec = serve(s, http.MethodGet, "/api/v1/payments?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(s, http.MethodGet, "/api/v1/executions?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodGet, "/api/v1/payments/"+testHash, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Agents []activity.AgentStats `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Agents, 1)
	assert.Equal(t, 1, stats.Agents[0].Failed)
}

func TestResolvePaymentRequiresOperator(t *testing.T) {
	s, store := newTestServer(t, &fakeExecutor{}, WithOperatorToken("secret"))
	ctx := context.Background()
	require.NoError(t, store.CreatePayment(ctx, activity.PaymentRecord{PaymentHash: testHash, AgentID: 1}))
	require.NoError(t, store.UpdatePaymentStatus(ctx, testHash, payment.StatusFailed, activity.PaymentUpdate{}))

	target := "/api/v1/payments/" + testHash + "/resolve"
	rec := serve(s, http.MethodPost, target, `{"note":"refunded"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(s, http.MethodPost, target, `{"note":"refunded"}`, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(s, http.MethodPost, target, `{"note":""}`, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPost, target, `{"note":"refunded by hand"}`, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var got activity.PaymentRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, payment.StatusFailed, got.Status)
	assert.Equal(t, "refunded by hand", got.ResolutionNote)
	assert.True(t, got.Resolved())

	disabled, _ := newTestServer(t, &fakeExecutor{})
	rec = serve(disabled, http.MethodPost, target, `{"note":"x"}`, map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeExecutor{})

	rec := serve(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentpay_http_requests_total")
}
