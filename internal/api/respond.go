package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/saga"
	"AgentPay-Chain/pkg/logger"
)

// errorBody 是非 402 错误的统一响应体。
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", "error", err)
	}
}

// writeError 按错误码映射状态码。付款类错误返回 x402 质询。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if pr, ok := saga.IsPaymentRequired(err); ok {
		writeJSON(w, http.StatusPaymentRequired, pr.Challenge)
		return
	}

	code := xerrors.CodeOf(err)
	body := errorBody{Error: xerrors.AttributesOf(code).Message, Code: string(code)}
	if e, ok := xerrors.From(err); ok && e.Message() != "" && status < http.StatusInternalServerError {
		body.Error = e.Message()
	}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	if !s.production {
		body.Detail = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", "code", string(code), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
