package service

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/directory"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// CredentialVerifier 定义编排器所需的凭证核验能力。
type CredentialVerifier interface {
	Verify(ctx context.Context, address string) (*credential.Verification, error)
}

// PaymentExecutor 定义编排器所需的支付执行能力。
type PaymentExecutor interface {
	SelectStrategy(order payment.Order) payment.Strategy
	Execute(ctx context.Context, order payment.Order) (*payment.Result, error)
}

// RequestOptions 是 RequestService 的可选参数。
type RequestOptions struct {
	Params             map[string]any
	MaxPrice           *big.Int
	PreferSubscription bool
	Priority           int
	// Strategy 强制指定支付策略; 为空时由分发器的策略决定。
	Strategy payment.Strategy
}

// Orchestrator 是顶层状态机: 校验信任与凭证授权, 调用支付分发器,
// 调用履约桩并最终落定交易记录。授权门 (信任/能力/凭证/额度) 全部
// 同步短路于任何链上支付之前。
type Orchestrator struct {
	dir        *directory.Directory
	verifier   CredentialVerifier
	dispatcher PaymentExecutor
	fulfiller  fulfill.Provider
	store      Store
	subs       *subscriptionBook
	now        func() time.Time
	log        *slog.Logger
}

// OrchestratorOption 配置编排器。
type OrchestratorOption func(*Orchestrator)

// WithFulfiller 指定履约实现; 缺省时完成的交易不携带结果负载。
func WithFulfiller(provider fulfill.Provider) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fulfiller = provider
	}
}

// WithOrchestratorClock 注入时钟, 便于测试订阅过期。
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(dir *directory.Directory, verifier CredentialVerifier, dispatcher PaymentExecutor, store Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		dir:        dir,
		verifier:   verifier,
		dispatcher: dispatcher,
		store:      store,
		subs:       newSubscriptionBook(),
		now:        time.Now,
		log:        logger.Named("service"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// GrantSubscription 为 (付款方, 收款方, 能力) 三元组登记一张订阅凭证,
// 在到期前允许请求跳过支付。
func (o *Orchestrator) GrantSubscription(fromID, toID, capability string, expiresAt time.Time) string {
	return o.subs.grant(fromID, toID, capability, expiresAt)
}

// Prepare 运行不依赖账本的前置授权门: 解析双方、信任边、能力。
// 通过后返回双方记录; 任何一门失败都发生在交易持久化之前。
func (o *Orchestrator) Prepare(fromID, toID, capability string) (payer, payee *directory.Agent, err error) {
	if o == nil || o.dir == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	if strings.TrimSpace(capability) == "" {
		return nil, nil, xerrors.New(CodeRequestValidation, "能力名不能为空")
	}

	payer, err = o.resolveActive(fromID)
	if err != nil {
		return nil, nil, err
	}
	payee, err = o.resolveActive(toID)
	if err != nil {
		return nil, nil, err
	}
	if !payer.TrustsAgent(payee.ID) {
		return nil, nil, xerrors.New(xerrors.CodeTrustDenied,
			fmt.Sprintf("智能体 %s 不信任 %s", payer.ID, payee.ID))
	}
	if !payee.Offers(capability) {
		return nil, nil, xerrors.New(xerrors.CodeCapabilityMissing,
			fmt.Sprintf("智能体 %s 不提供能力 %s", payee.ID, capability))
	}
	return payer, payee, nil
}

// resolveActive 解析智能体并强制 active 标志: 停用的智能体可解析但
// 拒绝参与, 视同不存在。
func (o *Orchestrator) resolveActive(id string) (*directory.Agent, error) {
	agent, err := o.dir.Get(id)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, xerrors.New(xerrors.CodeAgentNotFound,
			fmt.Sprintf("智能体 %s 已停用", id))
	}
	return agent, nil
}

// RequestService 同步执行完整的服务请求流水线并返回最终交易。
// 授权门失败发生在任何 pending 交易持久化之前。
func (o *Orchestrator) RequestService(ctx context.Context, fromID, toID, capability string, opts RequestOptions) (*Transaction, error) {
	payer, payee, err := o.Prepare(fromID, toID, capability)
	if err != nil {
		return nil, err
	}

	tx := o.buildTransaction(fromID, toID, capability, opts)
	if err := o.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return o.execute(ctx, tx, payer, payee)
}

// Execute 推进一笔已持久化的 pending 交易直至终态, 供异步处理器调用。
func (o *Orchestrator) Execute(ctx context.Context, tx *Transaction) (*Transaction, error) {
	payer, payee, err := o.Prepare(tx.Request.FromID, tx.Request.ToID, tx.Request.Capability)
	if err != nil {
		// 入队后目录条件可能变化, 例如智能体被停用。
		o.failTransaction(ctx, tx.ID, err, nil)
		return o.reload(ctx, tx.ID, err)
	}
	return o.execute(ctx, tx, payer, payee)
}

func (o *Orchestrator) buildTransaction(fromID, toID, capability string, opts RequestOptions) *Transaction {
	id := uuid.NewString()
	request := ServiceRequest{
		ID:                 id,
		FromID:             fromID,
		ToID:               toID,
		Capability:         capability,
		Params:             cloneParams(opts.Params),
		PreferSubscription: opts.PreferSubscription,
		Priority:           opts.Priority,
		CreatedAt:          o.now().Unix(),
	}
	if opts.MaxPrice != nil {
		request.MaxPriceWei = opts.MaxPrice.String()
	}
	return &Transaction{
		ID:       id,
		Request:  request,
		Strategy: opts.Strategy,
		Status:   StatusPending,
	}
}

func (o *Orchestrator) execute(ctx context.Context, tx *Transaction, payer, payee *directory.Agent) (*Transaction, error) {
	check, verifyErr := o.verifyParticipants(ctx, payer, payee)
	if verifyErr != nil {
		o.failTransaction(ctx, tx.ID, verifyErr, check)
		return o.reload(ctx, tx.ID, verifyErr)
	}

	amount := payee.Price
	if authErr := o.authorizeAmount(tx, check.PayerLevel, amount); authErr != nil {
		o.failTransaction(ctx, tx.ID, authErr, check)
		return o.reload(ctx, tx.ID, authErr)
	}

	// 订阅捷径: 有效且未过期的订阅凭证完全跳过支付。
	if tx.Request.PreferSubscription {
		if token, ok := o.subs.lookup(tx.Request.FromID, tx.Request.ToID, tx.Request.Capability, o.now()); ok {
			return o.completeWithSubscription(ctx, tx, token, check)
		}
	}

	order := payment.Order{
		RequestID:  tx.ID,
		Capability: tx.Request.Capability,
		Payer:      payer,
		Payee:      payee,
		Amount:     amount,
		Strategy:   tx.Strategy,
	}
	strategy := o.dispatcher.SelectStrategy(order)
	order.Strategy = strategy

	if err := o.store.MarkAuthorized(ctx, tx.ID, strategy, check); err != nil {
		return nil, err
	}

	result, payErr := o.dispatcher.Execute(ctx, order)
	if payErr != nil {
		if xerrors.CodeOf(payErr) == xerrors.CodeOptInRequired {
			// 非终局条件: 交易保持 authorized, 等待外部 opt-in 流程
			// 解决后由调用方重新发起。
			o.log.Warn("收款方尚未接受服务代币",
				slog.String("transaction_id", tx.ID),
				slog.String("payee", payee.ID),
			)
			return o.reload(ctx, tx.ID, payErr)
		}
		o.failTransaction(ctx, tx.ID, payErr, nil)
		return o.reload(ctx, tx.ID, payErr)
	}

	record := &VerificationRecord{
		Strategy:    string(result.Strategy),
		ProofHash:   result.ProofHash,
		LedgerIndex: result.LedgerIndex,
		AccountFrom: result.AccountFrom,
		AccountTo:   result.AccountTo,
		AmountWei:   result.Amount.String(),
		ExplorerRef: result.ExplorerRef,
	}
	var fulfilled *fulfill.Result
	if o.fulfiller != nil {
		fulfilled = o.fulfiller.Fulfill(tx.Request.Capability, tx.Request.Params)
	}
	if err := o.store.MarkCompleted(ctx, tx.ID, record, fulfilled); err != nil {
		return nil, err
	}

	logger.Audit().Info("服务请求完成",
		slog.String("transaction_id", tx.ID),
		slog.String("from", tx.Request.FromID),
		slog.String("to", tx.Request.ToID),
		slog.String("capability", tx.Request.Capability),
		slog.String("strategy", string(result.Strategy)),
		slog.String("proof", result.ProofHash),
		slog.String("amount", result.Amount.String()),
	)
	return o.store.Get(ctx, tx.ID)
}

// verifyParticipants 对双方地址运行凭证核验。无论结果如何都构造核验
// 记录, 以便失败的交易保持可审计。
func (o *Orchestrator) verifyParticipants(ctx context.Context, payer, payee *directory.Agent) (*CredentialCheck, error) {
	check := &CredentialCheck{CheckedAt: o.now().Unix()}

	payerV, err := o.verifier.Verify(ctx, payer.Address)
	if err != nil {
		return check, xerrors.Wrap(xerrors.CodeCredentialInvalid, err,
			fmt.Sprintf("付款方 %s 凭证核验失败", payer.ID))
	}
	check.PayerAutoIssued = payerV.AutoIssued
	if payerV.Credential != nil {
		check.PayerOnChain = payerV.Credential.OnChain
		check.PayerLevel = payerV.Credential.Level
	}

	payeeV, err := o.verifier.Verify(ctx, payee.Address)
	if err != nil {
		return check, xerrors.Wrap(xerrors.CodeCredentialInvalid, err,
			fmt.Sprintf("收款方 %s 凭证核验失败", payee.ID))
	}
	check.PayeeAutoIssued = payeeV.AutoIssued
	if payeeV.Credential != nil {
		check.PayeeOnChain = payeeV.Credential.OnChain
		check.PayeeLevel = payeeV.Credential.Level
	}

	if !payerV.Valid {
		return check, xerrors.New(xerrors.CodeCredentialInvalid,
			fmt.Sprintf("付款方 %s 凭证无效", payer.ID))
	}
	if !payeeV.Valid {
		return check, xerrors.New(xerrors.CodeCredentialInvalid,
			fmt.Sprintf("收款方 %s 凭证无效", payee.ID))
	}
	return check, nil
}

// authorizeAmount 比较请求金额与付款方核验等级对应的授权上限,
// 以及请求声明的最高可接受价格。纯函数门, 不触达账本。
func (o *Orchestrator) authorizeAmount(tx *Transaction, payerLevel int, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeRequestValidation, "收款方未设置有效价格")
	}
	if tx.Request.MaxPriceWei != "" {
		maxPrice, ok := new(big.Int).SetString(tx.Request.MaxPriceWei, 10)
		if ok && amount.Cmp(maxPrice) > 0 {
			return xerrors.New(xerrors.CodeAuthorizationDenied,
				fmt.Sprintf("价格 %s 超出请求方可接受上限 %s", amount, maxPrice))
		}
	}
	ceiling := credential.MaxAuthorizedAmount(payerLevel)
	if amount.Cmp(ceiling) > 0 {
		return xerrors.New(xerrors.CodeAuthorizationDenied,
			fmt.Sprintf("价格 %s 超出付款方等级 %d 的授权上限 %s", amount, payerLevel, ceiling))
	}
	return nil
}

func (o *Orchestrator) completeWithSubscription(ctx context.Context, tx *Transaction, token string, check *CredentialCheck) (*Transaction, error) {
	if err := o.store.MarkAuthorized(ctx, tx.ID, StrategySubscription, check); err != nil {
		return nil, err
	}
	var fulfilled *fulfill.Result
	if o.fulfiller != nil {
		fulfilled = o.fulfiller.Fulfill(tx.Request.Capability, tx.Request.Params)
	}
	record := &VerificationRecord{
		Strategy:    string(StrategySubscription),
		ProofHash:   token,
		AccountFrom: tx.Request.FromID,
		AccountTo:   tx.Request.ToID,
		AmountWei:   "0",
	}
	if err := o.store.MarkCompleted(ctx, tx.ID, record, fulfilled); err != nil {
		return nil, err
	}
	logger.Audit().Info("服务请求经订阅完成",
		slog.String("transaction_id", tx.ID),
		slog.String("from", tx.Request.FromID),
		slog.String("to", tx.Request.ToID),
		slog.String("capability", tx.Request.Capability),
	)
	return o.store.Get(ctx, tx.ID)
}

// failTransaction 落定失败状态, 保留交易 ID 与已收集的核验数据。
func (o *Orchestrator) failTransaction(ctx context.Context, id string, cause error, check *CredentialCheck) {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeRequestProcessing
	}
	if err := o.store.MarkFailed(ctx, id, code, cause.Error(), check); err != nil {
		if !stdErrors.Is(err, ErrTransactionTerminal) {
			o.log.Error("标记交易失败状态出错",
				slog.Any("error", err),
				slog.String("transaction_id", id),
			)
		}
	}
	o.log.Error("服务请求失败",
		slog.String("transaction_id", id),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
}

// reload 返回交易的最新快照以及触发错误。
func (o *Orchestrator) reload(ctx context.Context, id string, cause error) (*Transaction, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, stdErrors.Join(cause, err)
	}
	return tx, cause
}
