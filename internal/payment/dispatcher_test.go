package payment

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"AgentPay-Chain/internal/directory"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// 测试用固定私钥, 仅存在于测试环境。
const (
	testPayerKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testIssuerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testContract  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testIssuer    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// fakeLedger 记录提交的交易, 用于断言执行器行为。
type fakeLedger struct {
	mu           sync.Mutex
	submitted    []*coretypes.Transaction
	nonce        uint64
	optIn        bool
	submitErr    error
	rejectSubmit bool
	calls        [][]byte
}

func (f *fakeLedger) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeLedger) PendingNonceAt(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeLedger) BalanceAt(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeLedger) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeLedger) SubmitAndWait(_ context.Context, tx *coretypes.Transaction) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	f.nonce++
	return &ledger.Receipt{
		Succeeded:   !f.rejectSubmit,
		ProofHash:   tx.Hash().Hex(),
		LedgerIndex: uint64(len(f.submitted)),
	}, nil
}

func (f *fakeLedger) SubmitBatchAndWait(ctx context.Context, txs []*coretypes.Transaction) ([]*ledger.Receipt, error) {
	receipts := make([]*ledger.Receipt, 0, len(txs))
	for _, tx := range txs {
		receipt, err := f.SubmitAndWait(ctx, tx)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func (f *fakeLedger) CallContract(_ context.Context, _ string, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	out := make([]byte, 32)
	if f.optIn {
		out[31] = 1
	}
	return out, nil
}

func (f *fakeLedger) Close() {}

func testAgent(id, address, signingKey string, price int64) *directory.Agent {
	ag := directory.NewAgent(id, address, big.NewInt(price), 3,
		[]string{"translate"}, []string{"agent-alpha", "agent-beta"})
	ag.Name = id
	ag.SigningKey = signingKey
	return ag
}

func testDispatcher(t *testing.T, client ledger.Client, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	pool := ledger.NewPool(func(context.Context) (ledger.Client, error) {
		return client, nil
	})
	return NewDispatcher(pool, opts...)
}

func testOrder(strategy Strategy, amount int64) Order {
	return Order{
		RequestID:  "req-1",
		Capability: "translate",
		Payer:      testAgent("agent-alpha", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", testPayerKey, 0),
		Payee:      testAgent("agent-beta", "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", "", 0),
		Amount:     big.NewInt(amount),
		Strategy:   strategy,
	}
}

func TestExecuteDirectRecordsLedgerMovement(t *testing.T) {
	fake := &fakeLedger{}
	d := testDispatcher(t, fake, WithPolicy(FixedPolicy(StrategyDirect)))

	order := testOrder("", 1_000_000)
	result, err := d.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("直接支付执行失败: %v", err)
	}
	if result.Strategy != StrategyDirect {
		t.Fatalf("strategy = %s, want direct", result.Strategy)
	}
	if result.AccountFrom != order.Payer.Address || result.AccountTo != order.Payee.Address {
		t.Fatalf("账户记录不符: %s -> %s", result.AccountFrom, result.AccountTo)
	}
	if result.Amount.Cmp(order.Amount) != 0 {
		t.Fatalf("amount = %s, want %s", result.Amount, order.Amount)
	}
	if result.ProofHash == "" || result.LedgerIndex == 0 {
		t.Fatalf("缺少账本证明: %+v", result)
	}
	if result.ExplorerRef != "tx/"+result.ProofHash {
		t.Fatalf("explorerRef = %s", result.ExplorerRef)
	}

	if len(fake.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(fake.submitted))
	}
	var note memo
	if err := json.Unmarshal(fake.submitted[0].Data(), &note); err != nil {
		t.Fatalf("解析备注失败: %v", err)
	}
	if note.RequestID != order.RequestID || note.Capability != order.Capability {
		t.Fatalf("备注内容不符: %+v", note)
	}
}

func TestExecuteBatchSubmitsFeeAndGratuityLegs(t *testing.T) {
	fake := &fakeLedger{nonce: 7}
	d := testDispatcher(t, fake, WithPolicy(FixedPolicy(StrategyBatch)), WithGratuity(500))

	order := testOrder("", 1_000_000)
	result, err := d.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("批量支付执行失败: %v", err)
	}
	if len(fake.submitted) != 2 {
		t.Fatalf("submitted = %d, want 2", len(fake.submitted))
	}
	if fake.submitted[0].Nonce() != 7 || fake.submitted[1].Nonce() != 8 {
		t.Fatalf("腿序号不连续: %d, %d", fake.submitted[0].Nonce(), fake.submitted[1].Nonce())
	}

	gratuity := big.NewInt(50_000) // 500 bps of 1_000_000
	if fake.submitted[1].Value().Cmp(gratuity) != 0 {
		t.Fatalf("gratuity = %s, want %s", fake.submitted[1].Value(), gratuity)
	}
	wantTotal := big.NewInt(1_050_000)
	if result.Amount.Cmp(wantTotal) != 0 {
		t.Fatalf("total = %s, want %s", result.Amount, wantTotal)
	}

	var note memo
	if err := json.Unmarshal(fake.submitted[1].Data(), &note); err != nil {
		t.Fatalf("解析备注失败: %v", err)
	}
	if note.Kind != "gratuity" {
		t.Fatalf("kind = %s, want gratuity", note.Kind)
	}
}

func TestExecuteTokenRequiresOptIn(t *testing.T) {
	fake := &fakeLedger{optIn: false}
	d := testDispatcher(t, fake,
		WithPolicy(FixedPolicy(StrategyToken)),
		WithTokenAuthority(testContract, testIssuer, testIssuerKey))

	_, err := d.Execute(context.Background(), testOrder("", 42))
	if err == nil {
		t.Fatal("期望 OPT_IN_REQUIRED, 实际成功")
	}
	if xerrors.CodeOf(err) != xerrors.CodeOptInRequired {
		t.Fatalf("code = %s, want OPT_IN_REQUIRED", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("opt-in 条件应可重试")
	}
	hint, ok := HintFor(err)
	if !ok {
		t.Fatal("缺少 opt-in 提示")
	}
	if hint.TokenContract != testContract || hint.Method != optInMethod {
		t.Fatalf("hint = %+v", hint)
	}
	if len(fake.submitted) != 0 {
		t.Fatalf("未授权持有人不应产生账本提交, got %d", len(fake.submitted))
	}
}

func TestExecuteTokenTransfersFromIssuer(t *testing.T) {
	fake := &fakeLedger{optIn: true}
	d := testDispatcher(t, fake,
		WithPolicy(FixedPolicy(StrategyToken)),
		WithTokenAuthority(testContract, testIssuer, testIssuerKey))

	order := testOrder("", 42)
	result, err := d.Execute(context.Background(), order)
	if err != nil {
		t.Fatalf("代币支付执行失败: %v", err)
	}
	if result.AccountFrom != testIssuer {
		t.Fatalf("accountFrom = %s, want issuer", result.AccountFrom)
	}
	if len(fake.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(fake.submitted))
	}
	tx := fake.submitted[0]
	if tx.To().Hex() != testContract {
		t.Fatalf("目标应为代币合约, got %s", tx.To().Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Fatalf("代币转账不应携带原生金额, got %s", tx.Value())
	}
}

func TestExecuteTokenWithoutAuthorityFails(t *testing.T) {
	d := testDispatcher(t, &fakeLedger{}, WithPolicy(FixedPolicy(StrategyToken)))
	_, err := d.Execute(context.Background(), testOrder("", 1))
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("code = %s, want INITIALIZATION_FAILURE", xerrors.CodeOf(err))
	}
}

func TestExecuteSubmitFailureIsLedgerError(t *testing.T) {
	fake := &fakeLedger{submitErr: errors.New("nonce too low")}
	d := testDispatcher(t, fake, WithPolicy(FixedPolicy(StrategyDirect)))

	_, err := d.Execute(context.Background(), testOrder("", 100))
	if xerrors.CodeOf(err) != xerrors.CodeLedgerSubmission {
		t.Fatalf("code = %s, want LEDGER_SUBMISSION_FAILED", xerrors.CodeOf(err))
	}
}

func TestExecuteRejectedReceiptIsLedgerError(t *testing.T) {
	fake := &fakeLedger{rejectSubmit: true}
	d := testDispatcher(t, fake, WithPolicy(FixedPolicy(StrategyDirect)))

	_, err := d.Execute(context.Background(), testOrder("", 100))
	if xerrors.CodeOf(err) != xerrors.CodeLedgerSubmission {
		t.Fatalf("code = %s, want LEDGER_SUBMISSION_FAILED", xerrors.CodeOf(err))
	}
}

func TestExecuteRejectsNonPositiveAmount(t *testing.T) {
	d := testDispatcher(t, &fakeLedger{})
	for _, amount := range []int64{0, -5} {
		_, err := d.Execute(context.Background(), testOrder(StrategyDirect, amount))
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("amount %d: code = %s, want INVALID_ARGUMENT", amount, xerrors.CodeOf(err))
		}
	}
}

func TestSelectStrategyHonorsOrderOverride(t *testing.T) {
	d := testDispatcher(t, &fakeLedger{}, WithPolicy(FixedPolicy(StrategyDirect)))
	if got := d.SelectStrategy(testOrder(StrategyToken, 1)); got != StrategyToken {
		t.Fatalf("strategy = %s, want token", got)
	}
	if got := d.SelectStrategy(testOrder("", 1)); got != StrategyDirect {
		t.Fatalf("strategy = %s, want direct", got)
	}
}

func TestWeightedPolicyIsDeterministicForSeed(t *testing.T) {
	a := NewWeightedPolicy(60, 40, 12345)
	b := NewWeightedPolicy(60, 40, 12345)
	for i := 0; i < 64; i++ {
		if a("translate") != b("translate") {
			t.Fatalf("第 %d 次抽取结果不一致", i)
		}
	}
}

func TestWeightedPolicyOnlyDrawsDirectOrBatch(t *testing.T) {
	policy := NewWeightedPolicy(60, 40, 1)
	for i := 0; i < 128; i++ {
		switch policy("translate") {
		case StrategyDirect, StrategyBatch:
		default:
			t.Fatal("加权策略不应抽中 token")
		}
	}
}
