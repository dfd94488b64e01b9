package service

import (
	stdErrors "errors"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
)

// Status 表示交易在生命周期中的状态。
// 状态机: pending → authorized → completed | failed, 终态不可重开。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StrategySubscription 标记通过订阅凭证跳过支付的交易。
const StrategySubscription payment.Strategy = "subscription"

// ServiceRequest 描述一次 "A 向 B 请求能力 C" 的意图, 创建后不可变。
type ServiceRequest struct {
	ID                 string         `json:"id"`
	FromID             string         `json:"from_id"`
	ToID               string         `json:"to_id"`
	Capability         string         `json:"capability"`
	Params             map[string]any `json:"params,omitempty"`
	MaxPriceWei        string         `json:"max_price_wei,omitempty"`
	PreferSubscription bool           `json:"prefer_subscription,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	CreatedAt          int64          `json:"created_at"`
}

// VerificationRecord 是支付成功后附加到交易的审计记录。
type VerificationRecord struct {
	Strategy    string `json:"strategy"`
	ProofHash   string `json:"proof_hash"`
	LedgerIndex uint64 `json:"ledger_index"`
	AccountFrom string `json:"account_from"`
	AccountTo   string `json:"account_to"`
	AmountWei   string `json:"amount_wei"`
	ExplorerRef string `json:"explorer_ref,omitempty"`
}

// CredentialCheck 记录双方凭证核验的结果, 无论授权是否通过都会附加。
type CredentialCheck struct {
	PayerLevel      int   `json:"payer_level"`
	PayeeLevel      int   `json:"payee_level"`
	PayerOnChain    bool  `json:"payer_on_chain"`
	PayeeOnChain    bool  `json:"payee_on_chain"`
	PayerAutoIssued bool  `json:"payer_auto_issued,omitempty"`
	PayeeAutoIssued bool  `json:"payee_auto_issued,omitempty"`
	CheckedAt       int64 `json:"checked_at"`
}

// Transaction 是端到端追踪的工作单元。
type Transaction struct {
	ID              string              `json:"id"`
	Request         ServiceRequest      `json:"request"`
	Strategy        payment.Strategy    `json:"strategy,omitempty"`
	Status          Status              `json:"status"`
	PaymentProof    string              `json:"payment_proof,omitempty"`
	Verification    *VerificationRecord `json:"verification,omitempty"`
	CredentialCheck *CredentialCheck    `json:"credential_check,omitempty"`
	Result          *fulfill.Result     `json:"result,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	ErrorCode       string              `json:"error_code,omitempty"`
	CreatedAt       int64               `json:"created_at"`
	UpdatedAt       int64               `json:"updated_at"`
}

var (
	// ErrTransactionNotFound 表示指定的交易不存在。
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrTransactionConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTransactionConflict = xerrors.New(CodeTransactionConflict, "transaction conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTransactionTerminal 表示交易已到达终态, 不可重开。
	ErrTransactionTerminal = xerrors.New(CodeTransactionTerminal, "transaction already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"
	CodeTransactionConflict xerrors.Code = "TRANSACTION_CONFLICT"
	CodeTransactionTerminal xerrors.Code = "TRANSACTION_TERMINAL"
	CodeRequestValidation   xerrors.Code = "REQUEST_VALIDATION_FAILED"
	CodeRequestPublish      xerrors.Code = "REQUEST_PUBLISH_FAILED"
	CodeRequestProcessing   xerrors.Code = "REQUEST_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionConflict, xerrors.Attributes{
		Message:   "transaction conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionTerminal, xerrors.Attributes{
		Message:   "transaction already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestValidation, xerrors.Attributes{
		Message:   "request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRequestPublish, xerrors.Attributes{
		Message:   "failed to publish request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRequestProcessing, xerrors.Attributes{
		Message:   "request processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsTransactionError 判断错误是否为统一交易错误。
func IsTransactionError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTransactionNotFound) {
		return target == CodeTransactionNotFound
	}
	if stdErrors.Is(err, ErrTransactionConflict) {
		return target == CodeTransactionConflict
	}
	if stdErrors.Is(err, ErrTransactionTerminal) {
		return target == CodeTransactionTerminal
	}
	return false
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAuthorized, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneTransaction(tx *Transaction) *Transaction {
	clone := *tx
	clone.Request.Params = cloneParams(tx.Request.Params)
	if tx.Verification != nil {
		recordCopy := *tx.Verification
		clone.Verification = &recordCopy
	}
	if tx.CredentialCheck != nil {
		checkCopy := *tx.CredentialCheck
		clone.CredentialCheck = &checkCopy
	}
	if tx.Result != nil {
		resultCopy := *tx.Result
		clone.Result = &resultCopy
	}
	return &clone
}
