package ledger

import (
	"context"
	"math/big"

	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Receipt captures the ledger-side outcome of a submitted transaction.
type Receipt struct {
	Succeeded   bool
	ProofHash   string
	LedgerIndex uint64
	GasUsed     uint64
}

// Client defines the common interface that any ledger implementation must
// provide so the payment executors can interact with different networks
// uniformly. Every blocking call takes a context and respects cancellation.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, address string) (uint64, error)
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SubmitAndWait(ctx context.Context, tx *coretypes.Transaction) (*Receipt, error)
	SubmitBatchAndWait(ctx context.Context, txs []*coretypes.Transaction) ([]*Receipt, error)
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
	Close()
}

// Dialer opens a fresh connection to the ledger network. The pool invokes it
// under its single-flight discipline; implementations must honour ctx so a
// bounded dial timeout can tear the attempt down.
type Dialer func(ctx context.Context) (Client, error)
