package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// Dispatcher selects a payment executor for each order and runs it to
// completion. The three executors are interchangeable; selection policy is
// injected so tests can force a path.
type Dispatcher struct {
	pool          *ledger.Pool
	policy        StrategyPolicy
	timeout       time.Duration
	gratuityBps   int
	tokenContract string
	tokenIssuer   string
	tokenKey      string
	log           *slog.Logger
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPolicy overrides the strategy selection policy.
func WithPolicy(policy StrategyPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		if policy != nil {
			d.policy = policy
		}
	}
}

// WithSubmitTimeout bounds every submit-and-confirm round trip. A settlement
// that outlives the bound is reported as failed, never as pending-forever.
func WithSubmitTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithGratuity sets the gratuity leg size for batch payments, in basis
// points of the service fee.
func WithGratuity(bps int) DispatcherOption {
	return func(d *Dispatcher) {
		if bps > 0 {
			d.gratuityBps = bps
		}
	}
}

// WithTokenAuthority configures the service token contract and the issuing
// authority that signs token transfers.
func WithTokenAuthority(contract, issuer, issuerKey string) DispatcherOption {
	return func(d *Dispatcher) {
		d.tokenContract = contract
		d.tokenIssuer = issuer
		d.tokenKey = issuerKey
	}
}

// NewDispatcher constructs a dispatcher backed by the shared connection pool.
func NewDispatcher(pool *ledger.Pool, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:        pool,
		policy:      NewWeightedPolicy(60, 40, time.Now().UnixNano()),
		timeout:     30 * time.Second,
		gratuityBps: 500,
		log:         logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SelectStrategy resolves the execution path for an order.
func (d *Dispatcher) SelectStrategy(order Order) Strategy {
	if order.Strategy != "" {
		return order.Strategy
	}
	return d.policy(order.Capability)
}

// Execute settles the order with the selected executor. On success the
// returned Result carries the verification record; on failure the error
// keeps the full context for audit. The ledger connection is fetched from
// the pool keyed by the payer's agent id so concurrent payments for one
// payer serialize on connection setup and sequence reads.
func (d *Dispatcher) Execute(ctx context.Context, order Order) (*Result, error) {
	if d == nil || d.pool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付分发器未初始化")
	}
	if order.Payer == nil || order.Payee == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付订单缺少参与方")
	}
	if order.Amount == nil || order.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付金额必须为正数")
	}

	strategy := d.SelectStrategy(order)

	client, err := d.pool.Get(ctx, d.connectionOwner(strategy, order))
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var result *Result
	switch strategy {
	case StrategyDirect:
		result, err = d.executeDirect(execCtx, client, order)
	case StrategyBatch:
		result, err = d.executeBatch(execCtx, client, order)
	case StrategyToken:
		result, err = d.executeToken(execCtx, client, order)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的支付策略 %s", strategy))
	}
	if err != nil {
		d.log.Error("支付执行失败",
			slog.String("request_id", order.RequestID),
			slog.String("strategy", string(strategy)),
			slog.String("payer", order.Payer.Address),
			slog.String("payee", order.Payee.Address),
			slog.String("amount", order.Amount.String()),
			slog.Any("error", err),
		)
		return nil, err
	}

	logger.Audit().Info("支付完成",
		slog.String("request_id", order.RequestID),
		slog.String("strategy", string(result.Strategy)),
		slog.String("proof", result.ProofHash),
		slog.String("from", result.AccountFrom),
		slog.String("to", result.AccountTo),
		slog.String("amount", result.Amount.String()),
		slog.Uint64("ledger_index", result.LedgerIndex),
	)
	return result, nil
}

// connectionOwner keys the pooled connection. Token transfers are signed by
// the issuing authority, so they serialize on the issuer's counter instead
// of the requester's.
func (d *Dispatcher) connectionOwner(strategy Strategy, order Order) string {
	if strategy == StrategyToken {
		return "token-authority"
	}
	return order.Payer.ID
}
