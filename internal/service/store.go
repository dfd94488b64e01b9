package service

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
)

// Store 抽象了交易状态的持久化接口。状态转换由存储层强制:
// MarkAuthorized 仅接受 pending, MarkCompleted 仅接受 authorized,
// MarkFailed 仅接受非终态, 终态交易一律拒绝改写。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// Claim 返回仍处于 pending 状态的交易供处理器执行;
	// 已授权的交易返回 ErrTransactionConflict, 终态返回 ErrTransactionTerminal。
	Claim(ctx context.Context, id string) (*Transaction, error)
	MarkAuthorized(ctx context.Context, id string, strategy payment.Strategy, check *CredentialCheck) error
	MarkCompleted(ctx context.Context, id string, record *VerificationRecord, result *fulfill.Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, check *CredentialCheck) error
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Stats(ctx context.Context, opts ListOptions) (TransactionStats, error)
	Close() error
}
