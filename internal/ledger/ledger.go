package ledger

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// ReputationScale 是声誉的分母，声誉以基点表示。
const ReputationScale = 10000

const (
	CodeLedgerUnavailable xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeLedgerUnavailable, xerrors.Attributes{
		Message:    "execution ledger unavailable",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

var (
	// ErrPaymentHashUsed 表示该付款哈希已经开启过一次执行。
	ErrPaymentHashUsed = xerrors.New(payment.CodePaymentAlreadyUsed, "付款哈希已被使用")
	// ErrAgentNotFound 表示智能体未注册或已停用。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "智能体不存在")
)

// AgentProfile 是链上登记的智能体信息。
type AgentProfile struct {
	ID                   uint64         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Price                *big.Int       `json:"price"`
	Beneficiary          common.Address `json:"beneficiary"`
	TotalExecutions      uint64         `json:"total_executions"`
	SuccessfulExecutions uint64         `json:"successful_executions"`
	Reputation           uint64         `json:"reputation"`
	Active               bool           `json:"active"`
}

// Reputation 计算成功率对应的声誉值。
func Reputation(successful, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return successful * ReputationScale / total
}

// Ledger 记录执行尝试并仲裁付款哈希的唯一性。
type Ledger interface {
	// BeginExecution 消耗付款哈希并返回执行编号。
	BeginExecution(ctx context.Context, agentID uint64, paymentHash payment.Hash, input string) (uint64, error)
	// CompleteExecution 写入执行结果，每个执行只能完成一次。
	CompleteExecution(ctx context.Context, executionID uint64, output string, success bool) error
	GetAgent(ctx context.Context, agentID uint64) (*AgentProfile, error)
	// ReleasePayment 将托管资金分发给受益人。
	ReleasePayment(ctx context.Context, paymentHash payment.Hash, agentID uint64) error
}

var _ payment.Escrow = Ledger(nil)
