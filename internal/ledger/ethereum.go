package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EVMConfig describes how to construct an EVM compatible ledger client.
type EVMConfig struct {
	Name         string
	RPCURL       string
	BatchRPCURL  string
	ConfirmWait  time.Duration
	PollInterval time.Duration
	Notes        string
}

// EVMClient implements the Client interface for EVM compatible chains.
type EVMClient struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	confirmWait time.Duration
	poll        time.Duration
	mu          sync.Mutex
}

// DialEVM dials the configured RPC endpoints and returns a ready-to-use client.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置账本 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本节点失败: %w", err)
	}

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	confirmWait := cfg.ConfirmWait
	if confirmWait <= 0 {
		confirmWait = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	return &EVMClient{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         ethclient.NewClient(rpcClient),
		confirmWait: confirmWait,
		poll:        poll,
	}, nil
}

// Close releases network connections held by the client.
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// ChainID returns the network identifier of the connected chain.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// PendingNonceAt reads the next sequence counter for the given account.
// Callers that share a payer must serialize around this read; the pool's
// single-flight discipline provides that ordering.
func (c *EVMClient) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的账本客户端")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// BalanceAt returns the current balance of the given account.
func (c *EVMClient) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// SuggestGasPrice returns the node's current gas price estimate.
func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

// SubmitAndWait broadcasts a signed transaction and waits for its inclusion,
// bounded by the configured confirmation window. A wait that exceeds the
// bound returns an error; the underlying submission is not cancelled.
func (c *EVMClient) SubmitAndWait(ctx context.Context, tx *coretypes.Transaction) (*Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	if tx == nil {
		return nil, errors.New("交易不能为空")
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	return c.waitMined(ctx, tx.Hash())
}

// SubmitBatchAndWait broadcasts multiple signed transactions in a single RPC
// batch call and waits for all of them. Any rejected element fails the whole
// batch so callers get all-or-nothing reporting for multi-leg payments.
func (c *EVMClient) SubmitBatchAndWait(ctx context.Context, txs []*coretypes.Transaction) ([]*Receipt, error) {
	if c == nil || c.batchClient == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("批量交易第 %d 腿被拒绝: %w", i, elems[i].Error)
		}
	}

	receipts := make([]*Receipt, len(txs))
	for i, tx := range txs {
		receipt, err := c.waitMined(ctx, tx.Hash())
		if err != nil {
			return nil, fmt.Errorf("等待批量交易第 %d 腿确认失败: %w", i, err)
		}
		receipts[i] = receipt
	}
	return receipts, nil
}

// CallContract performs a read-only contract call against the latest state.
func (c *EVMClient) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的账本客户端")
	}
	target := common.HexToAddress(to)
	out, err := c.eth.CallContract(ctx, callMsg(target, data), nil)
	if err != nil {
		return nil, fmt.Errorf("合约只读调用失败: %w", err)
	}
	return out, nil
}

func callMsg(to common.Address, data []byte) gethcore.CallMsg {
	return gethcore.CallMsg{To: &to, Data: data}
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmWait)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				Succeeded:   receipt.Status == coretypes.ReceiptStatusSuccessful,
				ProofHash:   hash.Hex(),
				LedgerIndex: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}
