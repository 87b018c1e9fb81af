package saga

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"AgentPay-Chain/internal/activity"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/ratelimit"
	"AgentPay-Chain/internal/reconcile"
	"AgentPay-Chain/pkg/logger"
)

const (
	stageReceived     = "received"
	stageProofDecoded = "proof_decoded"
	stageVerified     = "verified"
	stageLedgerOpened = "ledger_opened"
	stageAugmented    = "augmented"
	stageInvoked      = "invoked"
	stageValidated    = "validated"
	stageLedgerClosed = "ledger_closed"
	stageSettled      = "settled"
	stageRefunded     = "refunded"
	stageLogged       = "logged"
)

const (
	outcomeRejected         = "rejected"
	outcomePaymentRequired  = "payment_required"
	outcomeRateLimited      = "rate_limited"
	outcomeLedgerFault      = "ledger_unavailable"
	outcomeSettled          = "settled"
	outcomeSettlementFailed = "settlement_failed"
	outcomeRefunded         = "refunded"
)

// execution 保存一次流程在开启账本之后需要的上下文。
type execution struct {
	requestID string
	agent     *ledger.AgentProfile
	auth      *payment.Authorization
	expected  payment.Expected
	hash      payment.Hash
	id        uint64
	payer     string
	log       *slog.Logger
}

// Execute 执行一次付费调用。付款相关的拒绝以 *PaymentRequiredError 返回，
// 开启账本之后的失败体现在 Response 中而不是 error。
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	requestID := o.newID()
	started := o.now()
	outcome := outcomeRejected
	defer func() { metrics.ObserveSaga(outcome, o.now().Sub(started)) }()

	log := logger.Named("saga").With("request_id", requestID, "agent_id", req.AgentID)
	log.Info("收到付费执行请求", "stage", stageReceived)

	// 客户端断开不影响账本状态。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()

	if strings.TrimSpace(req.Input) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "input 不能为空")
	}
	agent, err := o.Agent(ctx, req.AgentID)
	if err != nil {
		log.Warn("智能体不可用", "error", err)
		return nil, err
	}

	auth, err := payment.Decode(req.PaymentHeader)
	if err != nil {
		outcome = outcomePaymentRequired
		log.Info("付款凭证缺失或无法解析", "error", err)
		return nil, o.paymentRequired(agent, err)
	}
	hash, err := payment.ComputeHash(auth, req.PaymentHash)
	if err != nil {
		outcome = outcomePaymentRequired
		log.Info("付款哈希无效", "error", err)
		return nil, o.paymentRequired(agent, err)
	}
	log = log.With("payment_hash", hash.Hex())
	log.Info("付款凭证已解析", "stage", stageProofDecoded, "encoding", auth.Encoding)

	expected := o.expected(agent)
	verdict := o.verifier.Verify(ctx, auth, expected)
	if !verdict.Valid {
		outcome = outcomePaymentRequired
		log.Warn("付款校验未通过", "payer", verdict.Payer, "reason", verdict.InvalidReason)
		return nil, o.paymentRequired(agent, xerrors.New(payment.CodePaymentInvalid, verdict.InvalidReason,
			xerrors.WithMetadata("payer", verdict.Payer)))
	}
	payer := strings.ToLower(verdict.Payer)
	log = log.With("payer", payer)
	log.Info("付款校验通过", "stage", stageVerified)

	e := &execution{requestID: requestID, agent: agent, auth: auth, expected: expected, hash: hash, payer: payer, log: log}
	o.recordVerified(ctx, e)

	decision, err := o.limiter.Allow(ctx, payer)
	switch {
	case err != nil:
		log.Warn("限流检查失败，放行请求", "error", err)
	case !decision.Allowed:
		outcome = outcomeRateLimited
		log.Warn("付款方请求过于频繁", "limit", decision.Limit, "reset_at", decision.ResetAt)
		return nil, ratelimit.Denied(payer, decision)
	}

	executionID, err := o.ledger.BeginExecution(ctx, agent.ID, hash, req.Input)
	if err != nil {
		switch {
		case xerrors.HasCode(err, payment.CodePaymentAlreadyUsed):
			outcome = outcomePaymentRequired
			log.Warn("付款哈希已被使用", "error", err)
			return nil, o.paymentRequired(agent, err)
		case xerrors.HasCode(err, ledger.CodeAgentNotFound):
			log.Warn("开启执行时智能体已不可用", "error", err)
			return nil, err
		}
		outcome = outcomeLedgerFault
		log.Error("开启执行记录失败", "error", err)
		o.recordUnopened(ctx, e, err)
		return nil, wrapLedger(err, "开启执行记录失败")
	}
	e.id = executionID
	e.log = log.With("execution_id", executionID)
	e.log.Info("执行记录已开启", "stage", stageLedgerOpened)
	o.recordOpened(ctx, e, req.Input)

	output, success := o.run(ctx, e, req.Input)

	// 关闭与结算使用独立的期限，调用阶段超时也必须关闭执行。
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer fcancel()

	if err := o.ledger.CompleteExecution(fctx, executionID, output, success); err != nil {
		outcome = outcomeLedgerFault
		e.log.Error("关闭执行记录失败，付款不会结算", "error", err)
		o.completeActivity(fctx, e, output, success)
		o.transition(fctx, e, payment.StatusRefunded, activity.PaymentUpdate{ExecutionID: executionID, LastError: truncate(err.Error(), maxErrorLength)})
		return nil, wrapLedger(err, "关闭执行记录失败")
	}
	e.log.Info("执行记录已关闭", "stage", stageLedgerClosed, "success", success)
	o.completeActivity(fctx, e, output, success)

	resp := &Response{
		RequestID:    requestID,
		ExecutionID:  executionID,
		Output:       output,
		Success:      success,
		PayerAddress: payer,
		PaymentHash:  hash.Hex(),
	}
	if success {
		resp.PaymentStatus, resp.TxRef = o.settle(fctx, e)
		outcome = outcomeSettled
		if resp.PaymentStatus == payment.StatusFailed {
			outcome = outcomeSettlementFailed
		}
	} else {
		o.transition(fctx, e, payment.StatusRefunded, activity.PaymentUpdate{ExecutionID: executionID, LastError: truncate(output, maxErrorLength)})
		e.log.Info("执行失败，付款不结算", "stage", stageRefunded)
		resp.PaymentStatus = payment.StatusRefunded
		outcome = outcomeRefunded
	}

	logger.Audit().Info("付费执行完成",
		"stage", stageLogged,
		"request_id", requestID,
		"agent_id", agent.ID,
		"execution_id", executionID,
		"payment_hash", resp.PaymentHash,
		"payer", payer,
		"amount", auth.Value.String(),
		"success", success,
		"payment_status", string(resp.PaymentStatus),
		"tx_ref", resp.TxRef,
	)
	return resp, nil
}

// run 执行工具增强与大模型调用，panic 会被转换为失败结果。
func (o *Orchestrator) run(ctx context.Context, e *execution, input string) (output string, success bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("执行阶段发生 panic", "panic", r, "stack", string(debug.Stack()))
			output = fmt.Sprintf("execution aborted: %v", r)
			success = false
		}
	}()

	userInput := input
	if o.augmenter != nil {
		toolCtx := o.augmenter.Augment(ctx, input, e.agent.Description)
		for _, s := range toolCtx.Snippets {
			metrics.ObserveAugment(string(s.Kind), s.Tier)
		}
		userInput += toolCtx.Render()
		e.log.Info("工具增强完成", "stage", stageAugmented, "snippets", len(toolCtx.Snippets))
	}

	if o.invoker == nil {
		return "no model provider configured", false
	}
	res, err := o.invoker.Invoke(ctx, o.systemPrompt(e.agent), userInput)
	if err != nil {
		metrics.ObserveModel(res.Provider, "error", res.Attempts)
		e.log.Warn("大模型调用失败", "stage", stageInvoked, "provider", res.Provider, "attempts", res.Attempts, "error", err)
		if res.Output == "" {
			return err.Error(), false
		}
		return res.Output, false
	}
	e.log.Info("大模型调用完成", "stage", stageInvoked, "provider", res.Provider, "attempts", res.Attempts)
	if !res.Success {
		metrics.ObserveModel(res.Provider, "rejected", res.Attempts)
		e.log.Warn("输出未通过校验", "stage", stageValidated, "reason", res.Reason)
		return res.Output, false
	}
	metrics.ObserveModel(res.Provider, "success", res.Attempts)
	e.log.Info("输出校验通过", "stage", stageValidated)
	return res.Output, true
}

func (o *Orchestrator) systemPrompt(agent *ledger.AgentProfile) string {
	var b strings.Builder
	b.WriteString(o.cfg.SystemPrompt)
	if agent.Name != "" || agent.Description != "" {
		fmt.Fprintf(&b, "\n\nYou are acting as the agent %q.", agent.Name)
		if agent.Description != "" {
			fmt.Fprintf(&b, " %s", strings.TrimSpace(agent.Description))
		}
	}
	return b.String()
}

// settle 结算并分账，任何失败都只会把付款标记为 failed 并进入对账。
func (o *Orchestrator) settle(ctx context.Context, e *execution) (payment.Status, string) {
	result := o.settler.Settle(ctx, e.auth, e.expected)
	if !result.Success {
		e.log.Error("结算失败，转入人工对账", "code", string(payment.CodeSettlementFailed), "reason", result.Error, "tx_ref", result.TxRef)
		o.transition(ctx, e, payment.StatusFailed, activity.PaymentUpdate{ExecutionID: e.id, TxRef: result.TxRef, LastError: truncate(result.Error, maxErrorLength)})
		o.enqueue(ctx, e, reconcile.StageSettle, result.TxRef, result.Error)
		return payment.StatusFailed, result.TxRef
	}

	fee, share := payment.SplitFee(e.auth.Value, o.settler.FeeBps())
	o.transition(ctx, e, payment.StatusSettled, activity.PaymentUpdate{
		ExecutionID:      e.id,
		TxRef:            result.TxRef,
		PlatformFee:      fee.String(),
		BeneficiaryShare: share.String(),
	})

	released, err := o.settler.Release(ctx, e.hash, e.agent.ID, e.agent.Beneficiary)
	if err != nil {
		e.log.Error("释放托管资金失败，转入人工对账", "error", err, "tx_ref", result.TxRef)
		o.transition(ctx, e, payment.StatusFailed, activity.PaymentUpdate{LastError: truncate(err.Error(), maxErrorLength)})
		o.enqueue(ctx, e, reconcile.StageRelease, result.TxRef, err.Error())
		return payment.StatusFailed, result.TxRef
	}
	e.log.Info("付款已结算", "stage", stageSettled, "tx_ref", result.TxRef, "released", released,
		"platform_fee", fee.String(), "beneficiary_share", share.String())
	return payment.StatusSettled, result.TxRef
}

func (o *Orchestrator) enqueue(ctx context.Context, e *execution, stage reconcile.Stage, txRef, reason string) {
	ticket := reconcile.NewTicket(reconcile.Ticket{
		RequestID:   e.requestID,
		PaymentHash: e.hash.Hex(),
		AgentID:     e.agent.ID,
		ExecutionID: e.id,
		Payer:       e.payer,
		Amount:      e.auth.Value.String(),
		Stage:       stage,
		TxRef:       txRef,
		Reason:      truncate(reason, maxErrorLength),
	})
	if o.tickets == nil {
		e.log.Warn("未配置对账队列，仅记录日志", "ticket_id", ticket.ID, "reconcile_stage", string(stage))
		return
	}
	if err := o.tickets.Publish(ctx, ticket); err != nil {
		e.log.Error("对账工单投递失败", "ticket_id", ticket.ID, "error", err)
		return
	}
	metrics.ObserveReconcile(string(stage), "published")
	e.log.Info("对账工单已投递", "ticket_id", ticket.ID, "reconcile_stage", string(stage))
}

// recordVerified 在校验通过后写入 pending 付款记录。哈希已存在时不做修改，
// 被限流或重复使用的付款因此也会留下记录。
func (o *Orchestrator) recordVerified(ctx context.Context, e *execution) {
	metrics.ObservePaymentStatus(string(payment.StatusPending))
	if o.store == nil {
		return
	}
	if err := o.store.CreatePayment(ctx, activity.PaymentRecord{
		PaymentHash: e.hash.Hex(),
		AgentID:     e.agent.ID,
		Payer:       e.payer,
		Amount:      e.auth.Value.String(),
		Network:     e.expected.Network,
	}); err != nil {
		e.log.Warn("写入付款记录失败", "error", err)
	}
}

func (o *Orchestrator) recordOpened(ctx context.Context, e *execution, input string) {
	if o.store == nil {
		return
	}
	if err := o.store.CreateExecution(ctx, activity.ExecutionRecord{
		ID:          e.id,
		RequestID:   e.requestID,
		AgentID:     e.agent.ID,
		PaymentHash: e.hash.Hex(),
		Payer:       e.payer,
		Input:       input,
		Verified:    true,
	}); err != nil {
		e.log.Warn("写入执行记录失败", "error", err)
	}
}

// recordUnopened 记录账本拒绝开启的付款，授权从未提交，视为已退款。
func (o *Orchestrator) recordUnopened(ctx context.Context, e *execution, cause error) {
	o.transition(ctx, e, payment.StatusRefunded, activity.PaymentUpdate{LastError: truncate(cause.Error(), maxErrorLength)})
}

func (o *Orchestrator) completeActivity(ctx context.Context, e *execution, output string, success bool) {
	if o.store == nil {
		return
	}
	if err := o.store.CompleteExecution(ctx, e.id, output, success); err != nil {
		e.log.Warn("更新执行记录失败", "error", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, e *execution, to payment.Status, update activity.PaymentUpdate) {
	metrics.ObservePaymentStatus(string(to))
	if o.store == nil {
		return
	}
	if err := o.store.UpdatePaymentStatus(ctx, e.hash.Hex(), to, update); err != nil {
		e.log.Warn("更新付款状态失败", "status", string(to), "error", err)
	}
}
