package payment

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Gas limits per transaction kind. Memo transfers pay for calldata on top of
// the base transfer cost.
const (
	memoTransferGas  = 70_000
	tokenTransferGas = 120_000
)

// directTransfer is the payload for a single value transfer carrying a
// structured memo.
type directTransfer struct {
	nonce  uint64
	to     common.Address
	amount *big.Int
	note   memo
}

func (d directTransfer) build(chainID, gasPrice *big.Int, key *ecdsa.PrivateKey) (*coretypes.Transaction, error) {
	data, err := json.Marshal(d.note)
	if err != nil {
		return nil, fmt.Errorf("编码支付备注失败: %w", err)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    d.nonce,
		To:       &d.to,
		Value:    d.amount,
		Gas:      memoTransferGas,
		GasPrice: gasPrice,
		Data:     data,
	})
	return signTx(tx, chainID, key)
}

// batchLegs is the payload for a multi-leg payment. Legs receive consecutive
// sub-sequence numbers starting at startNonce, which must be read from the
// ledger immediately before construction.
type batchLegs struct {
	startNonce uint64
	legs       []batchLeg
}

type batchLeg struct {
	to     common.Address
	amount *big.Int
	note   memo
}

func (b batchLegs) build(chainID, gasPrice *big.Int, key *ecdsa.PrivateKey) ([]*coretypes.Transaction, error) {
	txs := make([]*coretypes.Transaction, 0, len(b.legs))
	for i, leg := range b.legs {
		data, err := json.Marshal(leg.note)
		if err != nil {
			return nil, fmt.Errorf("编码第 %d 腿备注失败: %w", i, err)
		}
		tx := coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    b.startNonce + uint64(i),
			To:       &leg.to,
			Value:    leg.amount,
			Gas:      memoTransferGas,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := signTx(tx, chainID, key)
		if err != nil {
			return nil, err
		}
		txs = append(txs, signed)
	}
	return txs, nil
}

// tokenTransfer is the payload for moving a fungible service token from the
// issuing authority to the payee.
type tokenTransfer struct {
	nonce    uint64
	contract common.Address
	to       common.Address
	amount   *big.Int
}

func (t tokenTransfer) build(chainID, gasPrice *big.Int, key *ecdsa.PrivateKey) (*coretypes.Transaction, error) {
	data, err := tokenABI.Pack("transfer", t.to, t.amount)
	if err != nil {
		return nil, fmt.Errorf("编码代币转账失败: %w", err)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    t.nonce,
		To:       &t.contract,
		Value:    big.NewInt(0),
		Gas:      tokenTransferGas,
		GasPrice: gasPrice,
		Data:     data,
	})
	return signTx(tx, chainID, key)
}

func signTx(tx *coretypes.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*coretypes.Transaction, error) {
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}
