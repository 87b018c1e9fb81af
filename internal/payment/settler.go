package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// Escrow 将托管资金分发给智能体受益人。
type Escrow interface {
	ReleasePayment(ctx context.Context, paymentHash Hash, agentID uint64) error
}

// Settler 负责结算授权并释放托管资金。
type Settler struct {
	facilitator  Facilitator
	requirements Requirements
	escrow       Escrow
	feeBps       int64
	timeout      time.Duration
}

// NewSettler 构造结算器。
func NewSettler(f Facilitator, req Requirements, escrow Escrow, feeBps int64, timeout time.Duration) *Settler {
	return &Settler{facilitator: f, requirements: req, escrow: escrow, feeBps: feeBps, timeout: timeout}
}

// FeeBps 返回平台费率。
func (s *Settler) FeeBps() int64 { return s.feeBps }

// Settle 通过 facilitator 结算授权。失败不会以 error 形式返回。
func (s *Settler) Settle(ctx context.Context, auth *Authorization, exp Expected) SettleResult {
	if auth == nil {
		return SettleResult{Error: "missing authorization"}
	}
	req, err := s.requirements.Build(exp)
	if err != nil {
		return SettleResult{Error: err.Error()}
	}
	if s.facilitator == nil {
		return SettleResult{Error: "facilitator not configured"}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.facilitator.Settle(ctx, auth.Payload(), req)
	if err != nil {
		logger.L().Error("facilitator 结算请求失败", "payer", auth.From, "error", err)
		return SettleResult{Error: fmt.Sprintf("settlement error: %v", err)}
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement rejected by facilitator"
		}
		return SettleResult{TxRef: resp.Transaction, Error: reason}
	}
	return SettleResult{Success: true, TxRef: resp.Transaction}
}

// Release 将托管资金释放给受益人。受益人为空地址时跳过并返回 false。
func (s *Settler) Release(ctx context.Context, paymentHash Hash, agentID uint64, beneficiary common.Address) (bool, error) {
	if beneficiary == (common.Address{}) {
		logger.L().Info("智能体未配置受益人，跳过分账", "agent_id", agentID, "payment_hash", paymentHash.Hex())
		return false, nil
	}
	if s.escrow == nil {
		return false, xerrors.New(CodeSettlementFailed, "未配置托管合约")
	}
	if err := s.escrow.ReleasePayment(ctx, paymentHash, agentID); err != nil {
		return false, xerrors.Wrap(CodeSettlementFailed, err, "释放托管资金失败")
	}
	return true, nil
}
