package payment

import (
	"math/big"

	"AgentPay-Chain/internal/directory"
)

// Strategy identifies one of the interchangeable payment execution paths.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyBatch  Strategy = "batch"
	StrategyToken  Strategy = "token"
)

// Order is the executor input: everything needed to settle one service
// request. Executors never reach back into the transaction store.
type Order struct {
	RequestID  string
	Capability string
	Payer      *directory.Agent
	Payee      *directory.Agent
	Amount     *big.Int

	// Strategy forces a specific executor; empty means policy choice.
	Strategy Strategy
}

// Result is the verification record produced by a successful execution.
type Result struct {
	Strategy    Strategy
	ProofHash   string
	LedgerIndex uint64
	AccountFrom string
	AccountTo   string
	Amount      *big.Int
	ExplorerRef string
}

// OptInHint is the structured payload attached to an OPT_IN_REQUIRED
// condition. The external wallet flow resolves it out-of-band and the
// caller may retry afterwards.
type OptInHint struct {
	TokenContract string `json:"token_contract"`
	Holder        string `json:"holder"`
	Method        string `json:"method"`
}

// memo is the structured note attached to direct transfers so third parties
// can correlate a ledger movement with the service request that caused it.
type memo struct {
	RequestID  string `json:"request_id"`
	Capability string `json:"capability"`
	From       string `json:"from"`
	To         string `json:"to"`
	Kind       string `json:"kind,omitempty"`
}
