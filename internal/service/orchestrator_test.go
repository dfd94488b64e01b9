package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"AgentPay-Chain/internal/credential"
	"AgentPay-Chain/internal/directory"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/fulfill"
	"AgentPay-Chain/internal/payment"
)

const (
	alphaAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	betaAddress  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	gammaAddress = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

// fakeVerifier 按地址返回固定等级的有效凭证。
type fakeVerifier struct {
	mu      sync.Mutex
	levels  map[string]int
	invalid map[string]bool
	calls   int
}

func (f *fakeVerifier) Verify(_ context.Context, address string) (*credential.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.invalid[address] {
		return nil, xerrors.New(xerrors.CodeCredentialInvalid, fmt.Sprintf("地址 %s 凭证无效", address))
	}
	level := f.levels[address]
	if level == 0 {
		level = 1
	}
	return &credential.Verification{
		Valid: true,
		Credential: &credential.Credential{
			Subject:   address,
			Type:      credential.TypeOfLevel(level),
			Level:     level,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
			OnChain:   true,
			Proof:     "0xcredproof",
		},
	}, nil
}

// spyDispatcher 记录支付调用, 用于断言授权门短路于支付之前。
type spyDispatcher struct {
	mu         sync.Mutex
	executions []payment.Order
	err        error
}

func (s *spyDispatcher) SelectStrategy(order payment.Order) payment.Strategy {
	if order.Strategy != "" {
		return order.Strategy
	}
	return payment.StrategyDirect
}

func (s *spyDispatcher) Execute(_ context.Context, order payment.Order) (*payment.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, order)
	if s.err != nil {
		return nil, s.err
	}
	return &payment.Result{
		Strategy:    order.Strategy,
		ProofHash:   "0xproof",
		LedgerIndex: 42,
		AccountFrom: order.Payer.Address,
		AccountTo:   order.Payee.Address,
		Amount:      order.Amount,
		ExplorerRef: "tx/0xproof",
	}, nil
}

func (s *spyDispatcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

func testDirectory() *directory.Directory {
	alpha := directory.NewAgent("alpha", alphaAddress, big.NewInt(0), 5,
		nil, []string{"beta"})
	beta := directory.NewAgent("beta", betaAddress, big.NewInt(500_000_000_000_000), 3,
		[]string{"translate", "analyze"}, nil)
	gamma := directory.NewAgent("gamma", gammaAddress, big.NewInt(1), 1,
		[]string{"vision"}, nil)
	return directory.New([]*directory.Agent{alpha, beta, gamma})
}

type orchestratorFixture struct {
	orch     *Orchestrator
	store    *MemoryStore
	verifier *fakeVerifier
	payments *spyDispatcher
}

func newFixture(opts ...OrchestratorOption) *orchestratorFixture {
	store := NewMemoryStore()
	verifier := &fakeVerifier{
		levels:  map[string]int{alphaAddress: 5, betaAddress: 3},
		invalid: map[string]bool{},
	}
	payments := &spyDispatcher{}
	defaults := []OrchestratorOption{
		WithFulfiller(fulfill.NewStaticProvider([]fulfill.Template{
			{Capability: "translate", Summary: "已翻译"},
		})),
	}
	orch := NewOrchestrator(testDirectory(), verifier, payments, store, append(defaults, opts...)...)
	return &orchestratorFixture{orch: orch, store: store, verifier: verifier, payments: payments}
}

func (f *orchestratorFixture) persistedCount(t *testing.T) int {
	t.Helper()
	stats, err := f.store.Stats(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("统计交易失败: %v", err)
	}
	return stats.Total
}

func TestRequestServiceTrustGateBlocksPayment(t *testing.T) {
	f := newFixture()
	_, err := f.orch.RequestService(context.Background(), "alpha", "gamma", "vision", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeTrustDenied {
		t.Fatalf("code = %s, want TRUST_DENIED", xerrors.CodeOf(err))
	}
	if f.payments.count() != 0 {
		t.Fatal("信任门失败后不应有任何支付调用")
	}
	if f.persistedCount(t) != 0 {
		t.Fatal("信任门失败不应持久化交易")
	}
}

func TestRequestServiceCapabilityGateBeforePersistence(t *testing.T) {
	f := newFixture()
	_, err := f.orch.RequestService(context.Background(), "alpha", "beta", "vision", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeCapabilityMissing {
		t.Fatalf("code = %s, want CAPABILITY_MISSING", xerrors.CodeOf(err))
	}
	if f.payments.count() != 0 {
		t.Fatal("能力门失败后不应有任何支付调用")
	}
	if f.persistedCount(t) != 0 {
		t.Fatal("能力门失败必须发生在 pending 交易持久化之前")
	}
}

func TestRequestServiceUnknownAgent(t *testing.T) {
	f := newFixture()
	_, err := f.orch.RequestService(context.Background(), "alpha", "omega", "translate", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeAgentNotFound {
		t.Fatalf("code = %s, want AGENT_NOT_FOUND", xerrors.CodeOf(err))
	}
}

func TestRequestServiceInactiveAgentRefusesToParticipate(t *testing.T) {
	store := NewMemoryStore()
	verifier := &fakeVerifier{levels: map[string]int{}, invalid: map[string]bool{}}
	payments := &spyDispatcher{}

	beta := directory.NewAgent("beta", betaAddress, big.NewInt(1), 3, []string{"translate"}, nil)
	beta.Active = false
	alpha := directory.NewAgent("alpha", alphaAddress, big.NewInt(0), 5, nil, []string{"beta"})
	orch := NewOrchestrator(directory.New([]*directory.Agent{alpha, beta}), verifier, payments, store)

	_, err := orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeAgentNotFound {
		t.Fatalf("code = %s, want AGENT_NOT_FOUND", xerrors.CodeOf(err))
	}
}

func TestRequestServiceAuthorizationGate(t *testing.T) {
	f := newFixture()
	// 付款方核验等级 1, 授权上限 0.001 ETH; 将收款方价格改到上限之上。
	f.verifier.levels[alphaAddress] = 1
	dir := testDirectory()
	beta, _ := dir.Get("beta")
	beta.Price = big.NewInt(2_000_000_000_000_000)
	f.orch.dir = dir

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", xerrors.CodeOf(err))
	}
	if f.payments.count() != 0 {
		t.Fatal("额度门失败后不应有任何支付调用")
	}
	if tx == nil || tx.Status != StatusFailed {
		t.Fatalf("交易应落定为 failed, got %+v", tx)
	}
	if tx.CredentialCheck == nil || tx.CredentialCheck.PayerLevel != 1 {
		t.Fatalf("失败交易必须保留凭证核验记录: %+v", tx.CredentialCheck)
	}
}

func TestRequestServiceCompletedRoundTrip(t *testing.T) {
	f := newFixture()
	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{
		Params: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("服务请求失败: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tx.Status)
	}
	if tx.PaymentProof == "" {
		t.Fatal("完成的交易必须携带支付证明")
	}
	if tx.Verification == nil {
		t.Fatal("完成的交易必须携带审计记录")
	}
	if tx.Verification.AccountFrom != alphaAddress || tx.Verification.AccountTo != betaAddress {
		t.Fatalf("审计账户不符: %s -> %s", tx.Verification.AccountFrom, tx.Verification.AccountTo)
	}
	if tx.Verification.AmountWei != "500000000000000" {
		t.Fatalf("amount = %s, want 收款方价格", tx.Verification.AmountWei)
	}
	if tx.Result == nil || tx.Result.Summary != "已翻译" {
		t.Fatalf("缺少履约结果: %+v", tx.Result)
	}
	if tx.CredentialCheck == nil || tx.CredentialCheck.PayerLevel != 5 || tx.CredentialCheck.PayeeLevel != 3 {
		t.Fatalf("凭证核验记录不符: %+v", tx.CredentialCheck)
	}
	if f.payments.count() != 1 {
		t.Fatalf("payments = %d, want 1", f.payments.count())
	}
}

func TestRequestServiceCredentialFailureKeepsAuditRecord(t *testing.T) {
	f := newFixture()
	f.verifier.invalid[betaAddress] = true

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeCredentialInvalid {
		t.Fatalf("code = %s, want CREDENTIAL_INVALID", xerrors.CodeOf(err))
	}
	if f.payments.count() != 0 {
		t.Fatal("凭证门失败后不应有任何支付调用")
	}
	if tx == nil || tx.Status != StatusFailed {
		t.Fatalf("交易应落定为 failed, got %+v", tx)
	}
	if tx.CredentialCheck == nil || tx.CredentialCheck.PayerLevel != 5 {
		t.Fatalf("失败交易必须保留已收集的核验数据: %+v", tx.CredentialCheck)
	}
}

func TestRequestServiceSubscriptionSkipsPayment(t *testing.T) {
	f := newFixture()
	token := f.orch.GrantSubscription("alpha", "beta", "translate", time.Now().Add(time.Hour))

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{
		PreferSubscription: true,
	})
	if err != nil {
		t.Fatalf("服务请求失败: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", tx.Status)
	}
	if tx.Strategy != StrategySubscription {
		t.Fatalf("strategy = %s, want subscription", tx.Strategy)
	}
	if tx.PaymentProof != token {
		t.Fatalf("proof = %s, want 订阅 token", tx.PaymentProof)
	}
	if f.payments.count() != 0 {
		t.Fatal("订阅捷径不应触发任何支付")
	}
}

func TestRequestServiceExpiredSubscriptionFallsBackToPayment(t *testing.T) {
	f := newFixture()
	f.orch.GrantSubscription("alpha", "beta", "translate", time.Now().Add(-time.Minute))

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{
		PreferSubscription: true,
	})
	if err != nil {
		t.Fatalf("服务请求失败: %v", err)
	}
	if tx.Strategy == StrategySubscription {
		t.Fatal("过期订阅不应跳过支付")
	}
	if f.payments.count() != 1 {
		t.Fatalf("payments = %d, want 1", f.payments.count())
	}
}

func TestRequestServiceOptInLeavesTransactionAuthorized(t *testing.T) {
	f := newFixture()
	f.payments.err = xerrors.New(xerrors.CodeOptInRequired, "收款方尚未接受服务代币")

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{
		Strategy: payment.StrategyToken,
	})
	if xerrors.CodeOf(err) != xerrors.CodeOptInRequired {
		t.Fatalf("code = %s, want OPT_IN_REQUIRED", xerrors.CodeOf(err))
	}
	if tx == nil || tx.Status != StatusAuthorized {
		t.Fatalf("opt-in 条件下交易应保持 authorized, got %+v", tx)
	}
}

func TestRequestServicePaymentFailureMarksFailed(t *testing.T) {
	f := newFixture()
	f.payments.err = xerrors.New(xerrors.CodeLedgerSubmission, "账本拒绝")

	tx, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeLedgerSubmission {
		t.Fatalf("code = %s, want LEDGER_SUBMISSION_FAILED", xerrors.CodeOf(err))
	}
	if tx == nil || tx.Status != StatusFailed {
		t.Fatalf("支付失败应落定为 failed, got %+v", tx)
	}
	if tx.ErrorCode != string(xerrors.CodeLedgerSubmission) {
		t.Fatalf("errorCode = %s", tx.ErrorCode)
	}
	// 凭证核验记录在授权阶段已附加, 失败后仍保留。
	if tx.CredentialCheck == nil {
		t.Fatal("失败交易必须保留凭证核验记录")
	}
}

func TestRequestServiceMaxPriceGate(t *testing.T) {
	f := newFixture()
	_, err := f.orch.RequestService(context.Background(), "alpha", "beta", "translate", RequestOptions{
		MaxPrice: big.NewInt(1),
	})
	if xerrors.CodeOf(err) != xerrors.CodeAuthorizationDenied {
		t.Fatalf("code = %s, want AUTHORIZATION_DENIED", xerrors.CodeOf(err))
	}
	if f.payments.count() != 0 {
		t.Fatal("超出可接受价格不应触发支付")
	}
}
