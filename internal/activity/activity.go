package activity

import (
	"context"
	"net/http"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

const (
	CodeRecordNotFound    xerrors.Code = "ACTIVITY_NOT_FOUND"
	CodeInvalidTransition xerrors.Code = "INVALID_PAYMENT_TRANSITION"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:    "activity record not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "payment status transition not allowed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
}

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = xerrors.New(CodeRecordNotFound, "activity record not found")
	// ErrInvalidTransition 表示付款状态迁移不合法。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "payment status transition not allowed")
)

// ExecutionRecord 是一次付费执行的链下记录。
type ExecutionRecord struct {
	ID          uint64 `json:"id"`
	RequestID   string `json:"request_id,omitempty"`
	AgentID     uint64 `json:"agent_id"`
	PaymentHash string `json:"payment_hash"`
	Payer       string `json:"payer"`
	Input       string `json:"input"`
	Output      string `json:"output,omitempty"`
	Success     bool   `json:"success"`
	Verified    bool   `json:"verified"`
	Completed   bool   `json:"completed"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// PaymentRecord 记录一笔付款的结算进度。金额均为最小单位的十进制字符串。
type PaymentRecord struct {
	PaymentHash      string         `json:"payment_hash"`
	AgentID          uint64         `json:"agent_id"`
	Payer            string         `json:"payer"`
	Amount           string         `json:"amount"`
	Network          string         `json:"network"`
	Status           payment.Status `json:"status"`
	ExecutionID      uint64         `json:"execution_id,omitempty"`
	TxRef            string         `json:"tx_ref,omitempty"`
	PlatformFee      string         `json:"platform_fee,omitempty"`
	BeneficiaryShare string         `json:"beneficiary_share,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	ResolutionNote   string         `json:"resolution_note,omitempty"`
	ResolvedAt       int64          `json:"resolved_at,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// Resolved 表示运维人员已处理该笔付款。
func (p PaymentRecord) Resolved() bool { return p.ResolvedAt > 0 }

// PaymentUpdate 描述状态迁移时一并写入的字段，空值保持原值。
type PaymentUpdate struct {
	ExecutionID      uint64
	TxRef            string
	PlatformFee      string
	BeneficiaryShare string
	LastError        string
}

// AgentStats 聚合单个智能体的执行与收入情况。
type AgentStats struct {
	AgentID          uint64  `json:"agent_id"`
	Executions       int     `json:"executions"`
	Successful       int     `json:"successful"`
	SuccessRate      float64 `json:"success_rate"`
	Settled          int     `json:"settled"`
	Refunded         int     `json:"refunded"`
	Failed           int     `json:"failed"`
	Revenue          string  `json:"revenue"`
	PlatformFees     string  `json:"platform_fees"`
	BeneficiaryShare string  `json:"beneficiary_share"`
}

// Store 抽象执行与付款日志的持久化。
//
// CreateExecution 与 CreatePayment 在记录已存在时不做任何修改；
// UpdatePaymentStatus 必须遵循 payment.CanTransition。
type Store interface {
	CreateExecution(ctx context.Context, record ExecutionRecord) error
	CompleteExecution(ctx context.Context, id uint64, output string, success bool) error
	GetExecution(ctx context.Context, id uint64) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, opts ...ListOption) ([]ExecutionRecord, error)

	CreatePayment(ctx context.Context, record PaymentRecord) error
	UpdatePaymentStatus(ctx context.Context, hash string, to payment.Status, update PaymentUpdate) error
	ResolvePayment(ctx context.Context, hash, note string) (*PaymentRecord, error)
	GetPayment(ctx context.Context, hash string) (*PaymentRecord, error)
	ListPayments(ctx context.Context, opts ...ListOption) ([]PaymentRecord, error)

	Stats(ctx context.Context) ([]AgentStats, error)
	Close() error
}

// NormalizeHash 统一付款哈希的大小写与前缀。
func NormalizeHash(hash string) string {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash != "" && !strings.HasPrefix(hash, "0x") {
		hash = "0x" + hash
	}
	return hash
}

func checkTransition(from, to payment.Status) error {
	if !payment.CanTransition(from, to) {
		return xerrors.New(CodeInvalidTransition, "payment status transition not allowed",
			xerrors.WithMetadata("from", string(from)),
			xerrors.WithMetadata("to", string(to)),
		)
	}
	return nil
}

func applyUpdate(rec *PaymentRecord, update PaymentUpdate) {
	if update.ExecutionID != 0 {
		rec.ExecutionID = update.ExecutionID
	}
	if update.TxRef != "" {
		rec.TxRef = update.TxRef
	}
	if update.PlatformFee != "" {
		rec.PlatformFee = update.PlatformFee
	}
	if update.BeneficiaryShare != "" {
		rec.BeneficiaryShare = update.BeneficiaryShare
	}
	if update.LastError != "" {
		rec.LastError = update.LastError
	}
}
