package service

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// Service 是异步提交入口: 运行前置授权门, 持久化 pending 交易并投递
// 到队列, 由处理器异步推进到终态。
type Service struct {
	orch     *Orchestrator
	store    Store
	producer Producer
}

// NewService 构造交易服务。
func NewService(orch *Orchestrator, store Store, producer Producer) *Service {
	return &Service{orch: orch, store: store, producer: producer}
}

// Submit 创建一笔新交易并推送到队列。信任/能力等前置授权门失败时,
// 不会有任何 pending 交易被持久化。
func (s *Service) Submit(ctx context.Context, fromID, toID, capability string, opts RequestOptions) (*Transaction, error) {
	if s.orch == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}

	if _, _, err := s.orch.Prepare(fromID, toID, capability); err != nil {
		return nil, err
	}

	tx := s.orch.buildTransaction(fromID, toID, capability, opts)
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, tx.ID); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
		wrapped := xerrors.Wrap(CodeRequestPublish, err, "发布交易到队列失败")
		_ = s.store.MarkFailed(ctx, tx.ID, CodeRequestPublish, wrapped.Error(), nil)
		return nil, wrapped
	}
	logger.Audit().Info("交易入队成功",
		slog.String("transaction_id", tx.ID),
		slog.String("from", fromID),
		slog.String("to", toID),
		slog.String("capability", capability),
	)
	return s.store.Get(ctx, tx.ID)
}

// Get 返回指定交易的状态。
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TransactionStats, error) {
	if s.store == nil {
		return TransactionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilTerminal 按 interval 轮询交易状态直至终态。等待的上限由
// ctx 决定: 等待 opt-in 的交易会一直停留在 authorized, 调用方必须
// 传入带截止时间的 ctx 才能保证返回。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Status.Terminal() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
