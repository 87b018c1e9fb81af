package reconcile

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"AgentPay-Chain/internal/activity"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// PaymentLookup 是处理器查询付款状态所需的能力。
type PaymentLookup interface {
	GetPayment(ctx context.Context, hash string) (*activity.PaymentRecord, error)
}

// Processor 消费对账工单：写审计日志并派发告警。已被人工处理的付款直接跳过。
type Processor struct {
	consumer    Consumer
	payments    PaymentLookup
	alerter     alerting.Dispatcher
	workerCount int
	logger      *slog.Logger
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithPaymentLookup 配置付款查询，用于跳过已处理的工单。
func WithPaymentLookup(lookup PaymentLookup) ProcessorOption {
	return func(p *Processor) { p.payments = lookup }
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor 构造 Processor。
func NewProcessor(consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{consumer: consumer, workerCount: 1, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("reconcile")
	}
	return p
}

// Start 阻塞消费直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单条工单。返回 error 时队列会重新投递。
func (p *Processor) Handle(ctx context.Context, ticket Ticket) error {
	if p.payments != nil {
		record, err := p.payments.GetPayment(ctx, ticket.PaymentHash)
		switch {
		case err == nil && record.Resolved():
			p.logger.Debug("付款已人工处理，跳过工单",
				slog.String("ticket_id", ticket.ID),
				slog.String("payment_hash", ticket.PaymentHash))
			metrics.ObserveReconcile(string(ticket.Stage), "skipped")
			return nil
		case err != nil && !stdErrors.Is(err, activity.ErrNotFound):
			p.logger.Error("查询付款记录失败", slog.Any("error", err), slog.String("ticket_id", ticket.ID))
			metrics.ObserveReconcile(string(ticket.Stage), "retry")
			return err
		}
	}

	logger.Audit().Warn("付款待人工对账",
		slog.String("ticket_id", ticket.ID),
		slog.String("request_id", ticket.RequestID),
		slog.String("payment_hash", ticket.PaymentHash),
		slog.Uint64("agent_id", ticket.AgentID),
		slog.Uint64("execution_id", ticket.ExecutionID),
		slog.String("payer", ticket.Payer),
		slog.String("amount", ticket.Amount),
		slog.String("stage", string(ticket.Stage)),
		slog.String("tx_ref", ticket.TxRef),
		slog.String("reason", ticket.Reason),
	)
	p.emitAlert(ctx, ticket)
	metrics.ObserveReconcile(string(ticket.Stage), "processed")
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, ticket Ticket) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(payment.CodeSettlementFailed)
	event := alerting.Event{
		Code:        payment.CodeSettlementFailed,
		Message:     ticket.Reason,
		Severity:    attrs.Severity,
		Stage:       string(ticket.Stage),
		PaymentHash: ticket.PaymentHash,
		AgentID:     ticket.AgentID,
		ExecutionID: ticket.ExecutionID,
		TicketID:    ticket.ID,
		Metadata: map[string]string{
			"payer":  ticket.Payer,
			"amount": ticket.Amount,
			"tx_ref": ticket.TxRef,
		},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("ticket_id", ticket.ID),
			slog.String("stage", string(ticket.Stage)),
		)
	}
}
