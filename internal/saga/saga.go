// Package saga 串联付款校验、账本记录、工具增强、大模型调用与结算，
// 保证付款与执行结果一致：成功才结算，失败则退款。
package saga

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentPay-Chain/internal/activity"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/ratelimit"
	"AgentPay-Chain/internal/reconcile"
	"AgentPay-Chain/internal/tools"
)

const (
	defaultTimeout         = 2 * time.Minute
	defaultFinalizeTimeout = time.Minute
	defaultSystemPrompt    = "You are a helpful AI agent. Answer the user's request accurately and concisely."
	maxErrorLength         = 500
)

// Verifier 校验付款授权。
type Verifier interface {
	Verify(ctx context.Context, auth *payment.Authorization, exp payment.Expected) payment.VerifyResult
}

// Settler 结算付款并释放托管资金。
type Settler interface {
	Settle(ctx context.Context, auth *payment.Authorization, exp payment.Expected) payment.SettleResult
	Release(ctx context.Context, paymentHash payment.Hash, agentID uint64, beneficiary common.Address) (bool, error)
	FeeBps() int64
}

// Augmenter 为请求补充实时数据。
type Augmenter interface {
	Augment(ctx context.Context, requestText, agentDescription string) tools.ToolContext
}

// Invoker 调用大模型并校验输出。
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userInput string) (llm.Result, error)
}

// Config 描述收款参数与流程超时。
type Config struct {
	PayTo           string
	Network         string
	Decimals        int
	ResourceBaseURL string
	SystemPrompt    string
	// Timeout 限制校验到调用结束的总时长。
	Timeout time.Duration
	// FinalizeTimeout 用于关闭执行与结算，与请求上下文脱离。
	FinalizeTimeout time.Duration
}

// Request 是一次付费执行请求。
type Request struct {
	AgentID       uint64
	Input         string
	PaymentHeader string
	PaymentHash   string
}

// Response 是付费执行的结果。
type Response struct {
	RequestID     string         `json:"requestId"`
	ExecutionID   uint64         `json:"executionId"`
	Output        string         `json:"output"`
	Success       bool           `json:"success"`
	PayerAddress  string         `json:"payerAddress"`
	PaymentHash   string         `json:"paymentHash"`
	PaymentStatus payment.Status `json:"paymentStatus"`
	TxRef         string         `json:"txRef,omitempty"`
}

// PaymentRequiredError 表示需要客户端重新付款，携带 402 质询。
type PaymentRequiredError struct {
	Err       error
	Challenge payment.Challenge
}

func (e *PaymentRequiredError) Error() string { return e.Err.Error() }

func (e *PaymentRequiredError) Unwrap() error { return e.Err }

// Orchestrator 执行付费调用流程。
type Orchestrator struct {
	ledger       ledger.Ledger
	verifier     Verifier
	settler      Settler
	invoker      Invoker
	requirements payment.Requirements
	cfg          Config

	augmenter Augmenter
	store     activity.Store
	limiter   ratelimit.Limiter
	tickets   reconcile.Producer
	newID     func() string
	now       func() time.Time
}

// Option 配置可选组件。
type Option func(*Orchestrator)

// WithAugmenter 启用工具增强。
func WithAugmenter(a Augmenter) Option {
	return func(o *Orchestrator) { o.augmenter = a }
}

// WithActivityStore 启用执行与付款记录。
func WithActivityStore(s activity.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithRateLimiter 启用按付款方限流。
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithReconcileQueue 设置结算失败时的对账队列。
func WithReconcileQueue(p reconcile.Producer) Option {
	return func(o *Orchestrator) { o.tickets = p }
}

// WithRequestIDs 替换请求编号生成器。
func WithRequestIDs(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New 创建编排器。
func New(l ledger.Ledger, v Verifier, s Settler, inv Invoker, req payment.Requirements, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = payment.USDCDecimals
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	o := &Orchestrator{
		ledger:       l,
		verifier:     v,
		settler:      s,
		invoker:      inv,
		requirements: req,
		cfg:          cfg,
		limiter:      ratelimit.Noop{},
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Agent 查询智能体，停用的智能体视为不存在。
func (o *Orchestrator) Agent(ctx context.Context, agentID uint64) (*ledger.AgentProfile, error) {
	agent, err := o.ledger.GetAgent(ctx, agentID)
	if err != nil {
		if xerrors.HasCode(err, ledger.CodeAgentNotFound) {
			return nil, err
		}
		return nil, wrapLedger(err, "查询智能体失败")
	}
	if agent == nil || !agent.Active {
		return nil, ledger.ErrAgentNotFound
	}
	return agent, nil
}

// Challenge 生成调用某个智能体所需的 402 质询。
func (o *Orchestrator) Challenge(ctx context.Context, agentID uint64, reason string) (payment.Challenge, error) {
	agent, err := o.Agent(ctx, agentID)
	if err != nil {
		return payment.Challenge{}, err
	}
	return o.challengeFor(agent, reason)
}

func (o *Orchestrator) challengeFor(agent *ledger.AgentProfile, reason string) (payment.Challenge, error) {
	req, err := o.requirements.Build(o.expected(agent))
	if err != nil {
		return payment.Challenge{}, err
	}
	return payment.BuildChallenge(req, reason), nil
}

func (o *Orchestrator) expected(agent *ledger.AgentProfile) payment.Expected {
	return payment.Expected{
		PriceUSD:    payment.FormatAtomic(agent.Price, o.cfg.Decimals),
		PayTo:       o.cfg.PayTo,
		Network:     o.cfg.Network,
		Resource:    o.resource(agent.ID),
		Description: agent.Name,
	}
}

func (o *Orchestrator) resource(agentID uint64) string {
	return fmt.Sprintf("%s/api/v1/agents/%d/execute", strings.TrimRight(o.cfg.ResourceBaseURL, "/"), agentID)
}

func (o *Orchestrator) paymentRequired(agent *ledger.AgentProfile, err error) error {
	challenge, cerr := o.challengeFor(agent, err.Error())
	if cerr != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, cerr, "生成付款质询失败")
	}
	return &PaymentRequiredError{Err: err, Challenge: challenge}
}

func wrapLedger(err error, msg string) error {
	if xerrors.HasCode(err, ledger.CodeLedgerUnavailable) {
		return err
	}
	return xerrors.Wrap(ledger.CodeLedgerUnavailable, err, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsPaymentRequired 判断错误是否需要返回 402 质询。
func IsPaymentRequired(err error) (*PaymentRequiredError, bool) {
	var pr *PaymentRequiredError
	if stdErrors.As(err, &pr) {
		return pr, true
	}
	return nil, false
}
