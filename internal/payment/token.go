package payment

import (
	"context"
	"fmt"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// optInMethod is the contract method an external wallet calls to accept the
// service token before transfers to it can settle.
const optInMethod = "optIn"

const tokenABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"ok","type":"bool"}]},
	{"type":"function","name":"isAuthorizedHolder","stateMutability":"view",
	 "inputs":[{"name":"holder","type":"address"}],
	 "outputs":[{"name":"authorized","type":"bool"}]},
	{"type":"function","name":"optIn","stateMutability":"nonpayable",
	 "inputs":[],"outputs":[]}
]`

var tokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		panic("解析服务代币 ABI 失败: " + err.Error())
	}
	return parsed
}()

// executeToken settles the order by moving service tokens from the issuing
// authority to the payee. Receiving the token requires a prior opt-in by the
// holder; a missing opt-in surfaces as a structured retryable condition, not
// a terminal failure, so the caller can resolve it out of band and retry.
func (d *Dispatcher) executeToken(ctx context.Context, client ledger.Client, order Order) (*Result, error) {
	if d.tokenContract == "" || d.tokenIssuer == "" || d.tokenKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "服务代币发行方未配置")
	}

	holder := common.HexToAddress(order.Payee.Address)
	query, err := tokenABI.Pack("isAuthorizedHolder", holder)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码持有人查询失败")
	}
	raw, err := client.CallContract(ctx, d.tokenContract, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "查询代币持有人状态失败")
	}
	out, err := tokenABI.Unpack("isAuthorizedHolder", raw)
	if err != nil || len(out) != 1 {
		return nil, xerrors.Wrap(xerrors.CodeLedgerSubmission, err, "解析代币持有人状态失败")
	}
	authorized, _ := out[0].(bool)
	if !authorized {
		return nil, xerrors.New(xerrors.CodeOptInRequired,
			fmt.Sprintf("收款方 %s 尚未接受服务代币", order.Payee.Address),
			xerrors.WithMetadata("token_contract", d.tokenContract),
			xerrors.WithMetadata("holder", order.Payee.Address),
			xerrors.WithMetadata("method", optInMethod),
		)
	}

	key, err := parseKey(d.tokenKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "发行方签名材料非法")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取链 ID 失败")
	}
	nonce, err := client.PendingNonceAt(ctx, d.tokenIssuer)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取发行方序号失败")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "读取 gas 价格失败")
	}

	transfer := tokenTransfer{
		nonce:    nonce,
		contract: common.HexToAddress(d.tokenContract),
		to:       holder,
		amount:   order.Amount,
	}
	signed, err := transfer.build(chainID, gasPrice, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造代币转账失败")
	}

	receipt, err := client.SubmitAndWait(ctx, signed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "代币转账确认超时",
				xerrors.WithMetadata("request_id", order.RequestID))
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerSubmission, err, "代币转账提交失败")
	}
	if !receipt.Succeeded {
		return nil, xerrors.New(xerrors.CodeLedgerSubmission,
			fmt.Sprintf("代币转账 %s 被账本拒绝", receipt.ProofHash))
	}

	return &Result{
		Strategy:    StrategyToken,
		ProofHash:   receipt.ProofHash,
		LedgerIndex: receipt.LedgerIndex,
		AccountFrom: d.tokenIssuer,
		AccountTo:   order.Payee.Address,
		Amount:      order.Amount,
		ExplorerRef: explorerRef(receipt.ProofHash),
	}, nil
}

// HintFor extracts the opt-in hint carried by an OPT_IN_REQUIRED error.
func HintFor(err error) (*OptInHint, bool) {
	appErr, ok := xerrors.From(err)
	if !ok || appErr.Code() != xerrors.CodeOptInRequired {
		return nil, false
	}
	meta := appErr.Metadata()
	return &OptInHint{
		TokenContract: meta["token_contract"],
		Holder:        meta["holder"],
		Method:        meta["method"],
	}, true
}
