package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
)

// MemoryStore 以内存方式保存交易状态，主要用于测试与单机演示。
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; ok {
		return ErrTransactionConflict
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

// Claim 返回仍处于 pending 状态的交易。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	switch tx.Status {
	case StatusCompleted, StatusFailed:
		return cloneTransaction(tx), ErrTransactionTerminal
	case StatusAuthorized:
		return cloneTransaction(tx), ErrTransactionConflict
	}
	tx.UpdatedAt = time.Now().Unix()
	return cloneTransaction(tx), nil
}

// MarkAuthorized 将 pending 交易推进到 authorized 并附加凭证核验记录。
func (m *MemoryStore) MarkAuthorized(_ context.Context, id string, strategy payment.Strategy, check *CredentialCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return ErrTransactionTerminal
	}
	if tx.Status != StatusPending {
		return ErrTransactionConflict
	}
	tx.Status = StatusAuthorized
	tx.Strategy = strategy
	if check != nil {
		checkCopy := *check
		tx.CredentialCheck = &checkCopy
	}
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCompleted 将 authorized 交易推进到 completed。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, record *VerificationRecord, result *fulfill.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return ErrTransactionTerminal
	}
	if tx.Status != StatusAuthorized {
		return ErrTransactionConflict
	}
	tx.Status = StatusCompleted
	if record != nil {
		recordCopy := *record
		tx.Verification = &recordCopy
		tx.PaymentProof = record.ProofHash
	}
	if result != nil {
		resultCopy := *result
		tx.Result = &resultCopy
	}
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 将非终态交易推进到 failed, 保留已收集的核验数据。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, check *CredentialCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return ErrTransactionTerminal
	}
	tx.Status = StatusFailed
	tx.LastError = lastError
	tx.ErrorCode = string(code)
	if check != nil {
		checkCopy := *check
		tx.CredentialCheck = &checkCopy
	}
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		if !matchesListFilters(tx, opts) {
			continue
		}
		results = append(results, cloneTransaction(tx))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Transaction{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TransactionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TransactionStats{}
	for _, tx := range m.transactions {
		if !matchesListFilters(tx, opts) {
			continue
		}
		stats.Total++
		switch tx.Status {
		case StatusPending:
			stats.Pending++
		case StatusAuthorized:
			stats.Authorized++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if tx.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = tx.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (tx.UpdatedAt != 0 && tx.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = tx.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(tx *Transaction, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if tx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.FromID != "" && tx.Request.FromID != opts.FromID {
		return false
	}
	if opts.ToID != "" && tx.Request.ToID != opts.ToID {
		return false
	}
	if opts.UpdatedGTE > 0 && tx.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && tx.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasProof != nil && (tx.PaymentProof != "") != *opts.HasProof {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{
			tx.ID,
			tx.Request.FromID,
			tx.Request.ToID,
			tx.Request.Capability,
			tx.PaymentProof,
			tx.LastError,
			tx.ErrorCode,
		}, "\n"))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
