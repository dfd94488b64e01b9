package service

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
)

func newPendingTransaction(id string) *Transaction {
	return &Transaction{
		ID: id,
		Request: ServiceRequest{
			ID:         id,
			FromID:     "alpha",
			ToID:       "beta",
			Capability: "translate",
		},
		Status: StatusPending,
	}
}

func TestMemoryStoreCreateRejectsDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newPendingTransaction("tx-1")); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
	err := store.Create(ctx, newPendingTransaction("tx-1"))
	if !stdErrors.Is(err, ErrTransactionConflict) {
		t.Fatalf("重复创建应返回冲突, got %v", err)
	}
}

func TestMemoryStoreLifecycleTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newPendingTransaction("tx-1")); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}

	// completed 只能从 authorized 进入。
	err := store.MarkCompleted(ctx, "tx-1", &VerificationRecord{ProofHash: "0xproof"}, nil)
	if !stdErrors.Is(err, ErrTransactionConflict) {
		t.Fatalf("pending 不应允许直接 completed, got %v", err)
	}

	check := &CredentialCheck{PayerLevel: 5, PayeeLevel: 3}
	if err := store.MarkAuthorized(ctx, "tx-1", payment.StrategyDirect, check); err != nil {
		t.Fatalf("授权失败: %v", err)
	}
	// 授权是单向闸门, 第二次授权必须失败。
	err = store.MarkAuthorized(ctx, "tx-1", payment.StrategyDirect, check)
	if !stdErrors.Is(err, ErrTransactionConflict) {
		t.Fatalf("重复授权应返回冲突, got %v", err)
	}

	record := &VerificationRecord{ProofHash: "0xproof", AmountWei: "100"}
	result := &fulfill.Result{Capability: "translate", Summary: "ok"}
	if err := store.MarkCompleted(ctx, "tx-1", record, result); err != nil {
		t.Fatalf("完成失败: %v", err)
	}

	tx, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if tx.Status != StatusCompleted || tx.PaymentProof != "0xproof" {
		t.Fatalf("终态不符: %+v", tx)
	}
	if tx.CredentialCheck == nil || tx.CredentialCheck.PayerLevel != 5 {
		t.Fatalf("凭证核验记录丢失: %+v", tx.CredentialCheck)
	}

	// 终态不可重开。
	if err := store.MarkFailed(ctx, "tx-1", CodeRequestProcessing, "late", nil); !stdErrors.Is(err, ErrTransactionTerminal) {
		t.Fatalf("completed 之后不应允许 failed, got %v", err)
	}
	if err := store.MarkAuthorized(ctx, "tx-1", payment.StrategyDirect, nil); !stdErrors.Is(err, ErrTransactionTerminal) {
		t.Fatalf("completed 之后不应允许 authorized, got %v", err)
	}
}

func TestMemoryStoreFailedFromPendingAndAuthorized(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingTransaction("tx-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "tx-1", xerrors.CodeTrustDenied, "no trust", nil); err != nil {
		t.Fatalf("pending → failed 应被允许: %v", err)
	}

	if err := store.Create(ctx, newPendingTransaction("tx-2")); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkAuthorized(ctx, "tx-2", payment.StrategyBatch, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "tx-2", xerrors.CodeLedgerSubmission, "rejected", nil); err != nil {
		t.Fatalf("authorized → failed 应被允许: %v", err)
	}

	tx, _ := store.Get(ctx, "tx-2")
	if tx.Status != StatusFailed || tx.ErrorCode != string(xerrors.CodeLedgerSubmission) {
		t.Fatalf("失败状态不符: %+v", tx)
	}
}

func TestMemoryStoreClaimClassification(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("缺失交易应返回 not found, got %v", err)
	}

	if err := store.Create(ctx, newPendingTransaction("tx-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "tx-1"); err != nil {
		t.Fatalf("pending 交易应可领取: %v", err)
	}

	if err := store.MarkAuthorized(ctx, "tx-1", payment.StrategyDirect, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "tx-1"); !stdErrors.Is(err, ErrTransactionConflict) {
		t.Fatalf("authorized 交易应返回冲突, got %v", err)
	}

	if err := store.MarkFailed(ctx, "tx-1", CodeRequestProcessing, "boom", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Claim(ctx, "tx-1"); !stdErrors.Is(err, ErrTransactionTerminal) {
		t.Fatalf("终态交易应返回 terminal, got %v", err)
	}
}

func TestMemoryStoreListAndStatsFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := store.Create(ctx, newPendingTransaction(id)); err != nil {
			t.Fatal(err)
		}
	}
	other := newPendingTransaction("tx-4")
	other.Request.FromID = "gamma"
	if err := store.Create(ctx, other); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkAuthorized(ctx, "tx-1", payment.StrategyDirect, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, "tx-1", &VerificationRecord{ProofHash: "0xabc"}, nil); err != nil {
		t.Fatal(err)
	}

	completed, err := store.List(ctx, ListOptions{Statuses: []Status{StatusCompleted}})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != "tx-1" {
		t.Fatalf("completed 过滤结果不符: %+v", completed)
	}

	fromAlpha, err := store.List(ctx, ListOptions{FromID: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fromAlpha) != 3 {
		t.Fatalf("from 过滤结果 = %d, want 3", len(fromAlpha))
	}

	withProof := true
	proofs, err := store.List(ctx, ListOptions{HasProof: &withProof})
	if err != nil {
		t.Fatal(err)
	}
	if len(proofs) != 1 || proofs[0].PaymentProof != "0xabc" {
		t.Fatalf("proof 过滤结果不符: %+v", proofs)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 || stats.Completed != 1 || stats.Pending != 3 {
		t.Fatalf("统计结果不符: %+v", stats)
	}
}

func TestMemoryStoreGetReturnsClone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := newPendingTransaction("tx-1")
	tx.Request.Params = map[string]any{"text": "hello"}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	got.Request.Params["text"] = "mutated"
	got.Status = StatusFailed

	again, err := store.Get(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusPending || again.Request.Params["text"] != "hello" {
		t.Fatalf("存储内容被外部修改污染: %+v", again)
	}
}
