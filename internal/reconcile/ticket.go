// Package reconcile 将结算失败的付款投递到队列，交由运维人工对账。
package reconcile

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	CodeTicketInvalid xerrors.Code = "RECONCILE_TICKET_INVALID"
	CodeTicketPublish xerrors.Code = "RECONCILE_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeTicketInvalid, xerrors.Attributes{
		Message:    "reconciliation ticket invalid",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTicketPublish, xerrors.Attributes{
		Message:    "failed to publish reconciliation ticket",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// Stage 表示失败发生在哪一步。
type Stage string

const (
	StageSettle  Stage = "settle"
	StageRelease Stage = "release"
)

// Ticket 是一条待人工处理的对账工单。
type Ticket struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id,omitempty"`
	PaymentHash string `json:"payment_hash"`
	AgentID     uint64 `json:"agent_id"`
	ExecutionID uint64 `json:"execution_id"`
	Payer       string `json:"payer"`
	Amount      string `json:"amount"`
	Stage       Stage  `json:"stage"`
	TxRef       string `json:"tx_ref,omitempty"`
	Reason      string `json:"reason"`
	CreatedAt   int64  `json:"created_at"`
}

// NewTicket 补全 ID 与时间戳。
func NewTicket(t Ticket) Ticket {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	return t
}

// Validate 检查必填字段。
func (t Ticket) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(CodeTicketInvalid, "ticket id 不能为空")
	}
	if strings.TrimSpace(t.PaymentHash) == "" {
		return xerrors.New(CodeTicketInvalid, "payment hash 不能为空")
	}
	if t.Stage != StageSettle && t.Stage != StageRelease {
		return xerrors.New(CodeTicketInvalid, "未知的对账阶段", xerrors.WithMetadata("stage", string(t.Stage)))
	}
	return nil
}

func encodeTicket(t Ticket) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func decodeTicket(data []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return Ticket{}, xerrors.Wrap(CodeTicketInvalid, err, "解析对账工单失败")
	}
	if err := t.Validate(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}
