// Package agentpay is a thin client for the AgentPay-Chain REST API.
//
// Paid executions that the server rejects for payment reasons come back as a
// *PaymentRequiredError carrying the x402 challenge, so callers can sign a new
// authorization and retry.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Paid executions wait for the model, so it is longer than a typical API call.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with the AgentPay-Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu            sync.RWMutex
	operatorToken string
}

// ExecuteRequest describes one paid execution.
type ExecuteRequest struct {
	Input string `json:"input"`
	// Payment is the X-PAYMENT proof, either base64 x402 or raw JSON.
	Payment string `json:"-"`
	// PaymentHash overrides the hash derived from the authorization.
	PaymentHash string `json:"paymentHash,omitempty"`
}

// ExecuteResult is the server's answer to a paid execution.
type ExecuteResult struct {
	RequestID     string `json:"requestId"`
	ExecutionID   uint64 `json:"executionId"`
	Output        string `json:"output"`
	Success       bool   `json:"success"`
	PayerAddress  string `json:"payerAddress"`
	PaymentHash   string `json:"paymentHash"`
	PaymentStatus string `json:"paymentStatus"`
	TxRef         string `json:"txRef,omitempty"`
}

// Agent is the public profile of a registered agent.
type Agent struct {
	ID                   uint64 `json:"id"`
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Price                string `json:"price"`
	PriceUSD             string `json:"priceUsd"`
	Beneficiary          string `json:"beneficiary"`
	TotalExecutions      uint64 `json:"totalExecutions"`
	SuccessfulExecutions uint64 `json:"successfulExecutions"`
	Reputation           uint64 `json:"reputation"`
	Active               bool   `json:"active"`
}

// PaymentRequirement is one accepted way to pay, as advertised in a challenge.
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int64          `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Challenge is the HTTP 402 body.
type Challenge struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// Execution is a recorded execution.
type Execution struct {
	ID          uint64 `json:"id"`
	RequestID   string `json:"request_id"`
	AgentID     uint64 `json:"agent_id"`
	PaymentHash string `json:"payment_hash"`
	Payer       string `json:"payer"`
	Input       string `json:"input"`
	Output      string `json:"output"`
	Success     bool   `json:"success"`
	Completed   bool   `json:"completed"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Payment is a recorded payment and its settlement state.
type Payment struct {
	PaymentHash      string `json:"payment_hash"`
	AgentID          uint64 `json:"agent_id"`
	Payer            string `json:"payer"`
	Amount           string `json:"amount"`
	Network          string `json:"network"`
	Status           string `json:"status"`
	ExecutionID      uint64 `json:"execution_id"`
	TxRef            string `json:"tx_ref,omitempty"`
	PlatformFee      string `json:"platform_fee,omitempty"`
	BeneficiaryShare string `json:"beneficiary_share,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	ResolutionNote   string `json:"resolution_note,omitempty"`
	ResolvedAt       int64  `json:"resolved_at,omitempty"`
}

// ListOptions filters list endpoints. Zero values are omitted.
type ListOptions struct {
	AgentID    uint64
	Limit      int
	Offset     int
	Status     string
	Unresolved bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// PaymentRequiredError is returned when the server answers 402.
type PaymentRequiredError struct {
	Challenge Challenge
}

func (e *PaymentRequiredError) Error() string {
	if e.Challenge.Error != "" {
		return "agentpay: payment required: " + e.Challenge.Error
	}
	return "agentpay: payment required"
}

// IsPaymentRequired extracts the challenge from err.
func IsPaymentRequired(err error) (*PaymentRequiredError, bool) {
	var pr *PaymentRequiredError
	if errors.As(err, &pr) {
		return pr, true
	}
	return nil, false
}

// NewClient instantiates a client for the AgentPay-Chain API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetOperatorToken stores the bearer token used by operator endpoints.
func (c *Client) SetOperatorToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operatorToken = token
}

// Execute runs a paid execution against an agent.
func (c *Client) Execute(ctx context.Context, agentID uint64, req ExecuteRequest) (ExecuteResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/execute", agentID), nil, bytes.NewReader(body))
	if err != nil {
		return ExecuteResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Payment != "" {
		httpReq.Header.Set("X-PAYMENT", req.Payment)
	}

	var result ExecuteResult
	if err := c.do(httpReq, &result); err != nil {
		return ExecuteResult{}, err
	}
	return result, nil
}

// Agent fetches an agent profile.
func (c *Client) Agent(ctx context.Context, agentID uint64) (Agent, error) {
	var agent Agent
	err := c.get(ctx, fmt.Sprintf("/api/v1/agents/%d", agentID), nil, &agent)
	return agent, err
}

// Challenge previews the payment requirements of an agent.
func (c *Client) Challenge(ctx context.Context, agentID uint64) (Challenge, error) {
	var challenge Challenge
	err := c.get(ctx, fmt.Sprintf("/api/v1/agents/%d/challenge", agentID), nil, &challenge)
	return challenge, err
}

// ListExecutions lists recorded executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error) {
	var out struct {
		Executions []Execution `json:"executions"`
	}
	if err := c.get(ctx, "/api/v1/executions", opts.query(), &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id uint64) (Execution, error) {
	var exec Execution
	err := c.get(ctx, fmt.Sprintf("/api/v1/executions/%d", id), nil, &exec)
	return exec, err
}

// ListPayments lists recorded payments, newest first.
func (c *Client) ListPayments(ctx context.Context, opts ListOptions) ([]Payment, error) {
	var out struct {
		Payments []Payment `json:"payments"`
	}
	if err := c.get(ctx, "/api/v1/payments", opts.query(), &out); err != nil {
		return nil, err
	}
	return out.Payments, nil
}

// ResolvePayment attaches an operator note to a failed payment.
func (c *Client) ResolvePayment(ctx context.Context, paymentHash, note string) (Payment, error) {
	c.mu.RLock()
	token := c.operatorToken
	c.mu.RUnlock()
	if token == "" {
		return Payment{}, errors.New("agentpay: operator token is not set")
	}

	body, err := json.Marshal(map[string]string{"note": note})
	if err != nil {
		return Payment{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/payments/"+url.PathEscape(paymentHash)+"/resolve", nil, bytes.NewReader(body))
	if err != nil {
		return Payment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var out Payment
	if err := c.do(req, &out); err != nil {
		return Payment{}, err
	}
	return out, nil
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.AgentID > 0 {
		q.Set("agentId", strconv.FormatUint(o.AgentID, 10))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Unresolved {
		q.Set("unresolved", "true")
	}
	return q
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		pr := &PaymentRequiredError{}
		if err := json.Unmarshal(data, &pr.Challenge); err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}
		return pr
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
