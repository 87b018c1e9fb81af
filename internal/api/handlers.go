package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"AgentPay-Chain/internal/activity"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/saga"
)

const (
	headerPayment     = "X-PAYMENT"
	headerPaymentHash = "X-PAYMENT-HASH"
)

// executeRequest 是付费执行的请求体。payment 可以是字符串形式的凭证，也可以是 JSON 对象。
type executeRequest struct {
	Input       string          `json:"input"`
	PaymentHash string          `json:"paymentHash,omitempty"`
	Payment     json.RawMessage `json:"payment,omitempty"`
}

type agentResponse struct {
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

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var body executeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	proof := strings.TrimSpace(r.Header.Get(headerPayment))
	if proof == "" {
		proof = paymentFromBody(body.Payment)
	}
	hash := strings.TrimSpace(r.Header.Get(headerPaymentHash))
	if hash == "" {
		hash = body.PaymentHash
	}

	resp, err := s.executor.Execute(r.Context(), saga.Request{
		AgentID:       agentID,
		Input:         body.Input,
		PaymentHeader: proof,
		PaymentHash:   hash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// paymentFromBody 支持 "payment": "<base64>" 与 "payment": {...} 两种写法。
func paymentFromBody(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	return trimmed
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	agent, err := s.executor.Agent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agentView(agent))
}

func (s *Server) agentView(agent *ledger.AgentProfile) agentResponse {
	view := agentResponse{
		ID:                   agent.ID,
		Name:                 agent.Name,
		Description:          agent.Description,
		Price:                "0",
		PriceUSD:             payment.FormatAtomic(agent.Price, s.decimals),
		Beneficiary:          strings.ToLower(agent.Beneficiary.Hex()),
		TotalExecutions:      agent.TotalExecutions,
		SuccessfulExecutions: agent.SuccessfulExecutions,
		Reputation:           agent.Reputation,
		Active:               agent.Active,
	}
	if agent.Price != nil {
		view.Price = agent.Price.String()
	}
	return view
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	challenge, err := s.executor.Challenge(r.Context(), agentID, "payment required")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("success"); raw != "" {
		success, perr := strconv.ParseBool(raw)
		if perr != nil {
			s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, perr, "success 参数无效"))
			return
		}
		opts = append(opts, activity.WithSuccess(success))
	}
	records, err := s.store.ListExecutions(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	record, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		var statuses []payment.Status
		for _, part := range strings.Split(raw, ",") {
			status := payment.Status(strings.ToLower(strings.TrimSpace(part)))
			if !status.Valid() {
				s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的付款状态: "+part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, activity.WithStatuses(statuses...))
	}
	if unresolved, _ := strconv.ParseBool(query.Get("unresolved")); unresolved {
		opts = append(opts, activity.WithUnresolved())
	}
	records, err := s.store.ListPayments(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": records})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	record, err := s.store.GetPayment(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleResolvePayment(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var body resolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(body.Note) == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "note 不能为空"))
		return
	}
	record, err := s.store.ResolvePayment(r.Context(), mux.Vars(r)["hash"], body.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": stats})
}

// requireOperator 校验运维令牌。
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.operatorToken == "" {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "operator api disabled", Code: "FORBIDDEN"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid operator token", Code: "UNAUTHORIZED"})
			return
		}
		next(w, r)
	}
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "活动记录存储未配置"))
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "id 无效"))
		return 0, false
	}
	return id, true
}

func listOptions(r *http.Request) ([]activity.ListOption, error) {
	query := r.URL.Query()
	var opts []activity.ListOption
	for key, apply := range map[string]func(int) activity.ListOption{
		"limit":  activity.WithLimit,
		"offset": activity.WithOffset,
	} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 参数无效")
		}
		opts = append(opts, apply(n))
	}
	if raw := query.Get("agentId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "agentId 参数无效")
		}
		opts = append(opts, activity.WithAgent(id))
	}
	return opts, nil
}
