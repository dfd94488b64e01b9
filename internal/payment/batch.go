package payment

import (
	"context"
	"fmt"
	"math/big"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// executeBatch settles the order with an atomic multi-leg payment: the
// service fee leg plus a gratuity leg. The payer's sequence counter is read
// immediately before the legs are built so each leg gets a correctly ordered
// sub-sequence number; racing that read for one payer is exactly what the
// pool's single-flight discipline prevents.
func (d *Dispatcher) executeBatch(ctx context.Context, client ledger.Client, order Order) (*Result, error) {
	key, err := parseKey(order.Payer.SigningKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "付款方签名材料非法")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取链 ID 失败")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取 gas 价格失败")
	}
	// The nonce read must be the last thing before leg construction.
	startNonce, err := client.PendingNonceAt(ctx, order.Payer.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取付款方序号失败")
	}

	gratuity := new(big.Int).Mul(order.Amount, big.NewInt(int64(d.gratuityBps)))
	gratuity.Div(gratuity, big.NewInt(10_000))

	payee := common.HexToAddress(order.Payee.Address)
	legs := batchLegs{
		startNonce: startNonce,
		legs: []batchLeg{
			{
				to:     payee,
				amount: order.Amount,
				note: memo{
					RequestID:  order.RequestID,
					Capability: order.Capability,
					From:       order.Payer.Name,
					To:         order.Payee.Name,
					Kind:       "service-fee",
				},
			},
			{
				to:     payee,
				amount: gratuity,
				note: memo{
					RequestID:  order.RequestID,
					Capability: order.Capability,
					From:       order.Payer.Name,
					To:         order.Payee.Name,
					Kind:       "gratuity",
				},
			},
		},
	}
	signed, err := legs.build(chainID, gasPrice, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造批量支付失败")
	}

	receipts, err := client.SubmitBatchAndWait(ctx, signed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "批量支付确认超时",
				xerrors.WithMetadata("request_id", order.RequestID))
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerSubmission, err, "批量支付提交失败")
	}
	for i, receipt := range receipts {
		if !receipt.Succeeded {
			return nil, xerrors.New(xerrors.CodeLedgerSubmission,
				fmt.Sprintf("批量支付第 %d 腿 %s 被账本拒绝", i, receipt.ProofHash))
		}
	}

	total := new(big.Int).Add(order.Amount, gratuity)
	return &Result{
		Strategy:    StrategyBatch,
		ProofHash:   receipts[0].ProofHash,
		LedgerIndex: receipts[0].LedgerIndex,
		AccountFrom: order.Payer.Address,
		AccountTo:   order.Payee.Address,
		Amount:      total,
		ExplorerRef: explorerRef(receipts[0].ProofHash),
	}, nil
}
