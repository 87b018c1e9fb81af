package payment

import (
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	CodeMissingPaymentProof xerrors.Code = "MISSING_PAYMENT_PROOF"
	CodeMalformedProof      xerrors.Code = "MALFORMED_PROOF"
	CodePaymentInvalid      xerrors.Code = "PAYMENT_INVALID"
	CodePaymentAlreadyUsed  xerrors.Code = "PAYMENT_ALREADY_USED"
	CodeSettlementFailed    xerrors.Code = "SETTLEMENT_FAILED"
)

func init() {
	xerrors.Register(CodeMissingPaymentProof, xerrors.Attributes{
		Message:    "payment required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeMalformedProof, xerrors.Attributes{
		Message:    "malformed payment proof",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodePaymentInvalid, xerrors.Attributes{
		Message:    "payment verification failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodePaymentAlreadyUsed, xerrors.Attributes{
		Message:    "payment already used",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:    "settlement failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
