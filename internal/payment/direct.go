package payment

import (
	"context"
	"fmt"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// executeDirect settles the order with a single value transfer from payer to
// payee, tagged with a structured memo so auditors can correlate the ledger
// movement with the service request.
func (d *Dispatcher) executeDirect(ctx context.Context, client ledger.Client, order Order) (*Result, error) {
	key, err := parseKey(order.Payer.SigningKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款方签名材料非法")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取链 ID 失败")
	}
	nonce, err := client.PendingNonceAt(ctx, order.Payer.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取付款方序号失败")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取 gas 价格失败")
	}

	transfer := directTransfer{
		nonce:  nonce,
		to:     common.HexToAddress(order.Payee.Address),
		amount: order.Amount,
		note: memo{
			RequestID:  order.RequestID,
			Capability: order.Capability,
			From:       order.Payer.Name,
			To:         order.Payee.Name,
		},
	}
	signed, err := transfer.build(chainID, gasPrice, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造直接转账失败")
	}

	receipt, err := client.SubmitAndWait(ctx, signed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "直接转账确认超时",
				xerrors.WithMetadata("request_id", order.RequestID))
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerSubmission, err, "直接转账提交失败")
	}
	if !receipt.Succeeded {
		return nil, xerrors.New(xerrors.CodeLedgerSubmission,
			fmt.Sprintf("直接转账 %s 被账本拒绝", receipt.ProofHash))
	}

	return &Result{
		Strategy:    StrategyDirect,
		ProofHash:   receipt.ProofHash,
		LedgerIndex: receipt.LedgerIndex,
		AccountFrom: order.Payer.Address,
		AccountTo:   order.Payee.Address,
		Amount:      order.Amount,
		ExplorerRef: explorerRef(receipt.ProofHash),
	}, nil
}

func explorerRef(proofHash string) string {
	if proofHash == "" {
		return ""
	}
	return "tx/" + proofHash
}
