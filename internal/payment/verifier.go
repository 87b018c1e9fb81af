package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// Facilitator 负责校验与结算链下授权。
type Facilitator interface {
	Verify(ctx context.Context, payload PaymentPayload, req PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, req PaymentRequirements) (*SettleResponse, error)
}

// Requirements 持有构造 x402 付款要求所需的静态参数。
type Requirements struct {
	Asset             string
	AssetName         string
	AssetVersion      string
	MaxTimeoutSeconds int64
	Decimals          int
}

// Build 根据期望条件生成 x402 付款要求。
func (r Requirements) Build(exp Expected) (PaymentRequirements, error) {
	decimals := r.Decimals
	if decimals <= 0 {
		decimals = USDCDecimals
	}
	amount, err := ToAtomic(exp.PriceUSD, decimals)
	if err != nil {
		return PaymentRequirements{}, err
	}
	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           strings.ToLower(exp.Network),
		MaxAmountRequired: amount.String(),
		Resource:          exp.Resource,
		Description:       exp.Description,
		MimeType:          "application/json",
		PayTo:             strings.ToLower(exp.PayTo),
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
		Asset:             r.Asset,
	}
	if r.AssetName != "" || r.AssetVersion != "" {
		req.Extra = map[string]any{"name": r.AssetName, "version": r.AssetVersion}
	}
	return req, nil
}

// Verifier 将付款授权交由 facilitator 校验。
type Verifier struct {
	facilitator  Facilitator
	requirements Requirements
	timeout      time.Duration
}

// NewVerifier 构造校验器。timeout 为 0 时沿用调用方的上下文期限。
func NewVerifier(f Facilitator, req Requirements, timeout time.Duration) *Verifier {
	return &Verifier{facilitator: f, requirements: req, timeout: timeout}
}

// Verify 校验授权是否满足期望条件，任何失败都体现在返回值中。
func (v *Verifier) Verify(ctx context.Context, auth *Authorization, exp Expected) VerifyResult {
	if auth == nil {
		return VerifyResult{InvalidReason: "missing authorization"}
	}
	req, err := v.requirements.Build(exp)
	if err != nil {
		return VerifyResult{Payer: auth.From, InvalidReason: err.Error()}
	}
	if v.facilitator == nil {
		return VerifyResult{Payer: auth.From, InvalidReason: "facilitator not configured"}
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	resp, err := v.facilitator.Verify(ctx, auth.Payload(), req)
	if err != nil {
		logger.L().Warn("facilitator 校验请求失败", "payer", auth.From, "error", err)
		return VerifyResult{Payer: auth.From, InvalidReason: fmt.Sprintf("verification error: %v", err)}
	}
	result := VerifyResult{Valid: resp.IsValid, Payer: strings.ToLower(resp.Payer), InvalidReason: resp.InvalidReason}
	if result.Payer == "" {
		result.Payer = auth.From
	}
	if !result.Valid && result.InvalidReason == "" {
		result.InvalidReason = "payment rejected by facilitator"
	}
	return result
}
