package service

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

// Processor 从队列消费交易并交给编排器推进。支付失败不做自动重投:
// 对可能已提交的支付做二次尝试有重复扣款风险, 重试策略留给能先核对
// 账本状态的调用方。
type Processor struct {
	orch        *Orchestrator
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

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
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(orch *Orchestrator, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		orch:        orch,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动交易处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, transactionID string) error {
	if p.store == nil || p.orch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	tx, err := p.store.Claim(ctx, transactionID)
	if err != nil {
		if stdErrors.Is(err, ErrTransactionTerminal) || stdErrors.Is(err, ErrTransactionConflict) {
			p.logDebug("跳过交易", slog.String("transaction_id", transactionID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrTransactionNotFound) {
			p.logDebug("交易不存在", slog.String("transaction_id", transactionID))
			return nil
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("transaction_id", transactionID))
		return err
	}

	final, execErr := p.orch.Execute(ctx, tx)
	if execErr != nil {
		if xerrors.CodeOf(execErr) == xerrors.CodeOptInRequired {
			// 等待外部 opt-in, 不告警也不算处理失败。
			p.logDebug("交易等待收款方 opt-in", slog.String("transaction_id", transactionID))
			return nil
		}
		logger.Audit().Warn("交易执行失败",
			slog.String("transaction_id", transactionID),
			slog.String("from", tx.Request.FromID),
			slog.String("to", tx.Request.ToID),
			slog.String("capability", tx.Request.Capability),
			slog.String("error", execErr.Error()),
			slog.String("error_code", string(xerrors.CodeOf(execErr))),
		)
		if xerrors.ShouldAlert(execErr) {
			p.emitAlert(ctx, tx, final, execErr)
		}
		return nil
	}

	logger.Audit().Info("交易执行成功",
		slog.String("transaction_id", transactionID),
		slog.String("from", tx.Request.FromID),
		slog.String("to", tx.Request.ToID),
		slog.String("capability", tx.Request.Capability),
	)
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, tx *Transaction, final *Transaction, cause error) {
	if p == nil || p.alerter == nil || tx == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	strategy := ""
	amount := ""
	if final != nil {
		strategy = string(final.Strategy)
		if final.Verification != nil {
			amount = final.Verification.AmountWei
		}
	}
	event := alerting.Event{
		Code:          code,
		Message:       cause.Error(),
		Severity:      attrs.Severity,
		TransactionID: tx.ID,
		FromID:        tx.Request.FromID,
		ToID:          tx.Request.ToID,
		Capability:    tx.Request.Capability,
		Strategy:      strategy,
		AmountWei:     amount,
		Metadata: map[string]string{
			"error_code": string(code),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("transaction_id", tx.ID),
		)
	}
}
