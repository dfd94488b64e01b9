package credential

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"AgentPay-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNotOnChain indicates the registry holds no credential for the address.
var ErrNotOnChain = errors.New("no on-chain credential for address")

// Registry abstracts the on-chain credential registry consulted before the
// local cache.
type Registry interface {
	Lookup(ctx context.Context, address string) (*Credential, error)
	Issue(ctx context.Context, cred *Credential) (string, error)
	Revoke(ctx context.Context, address string) (string, error)
}

// registryOwnerKey is the pool owner under which registry transactions are
// single-flighted. All registry writes are signed by the issuer account, so
// they share one sequence counter.
const registryOwnerKey = "credential-registry"

const registryABIJSON = `[
  {"name":"credentialOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"subject","type":"address"}],
   "outputs":[{"name":"ctype","type":"uint8"},{"name":"level","type":"uint8"},
              {"name":"issuedAt","type":"uint64"},{"name":"expiresAt","type":"uint64"},
              {"name":"issuer","type":"address"},{"name":"exists","type":"bool"}]},
  {"name":"issue","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"subject","type":"address"},{"name":"ctype","type":"uint8"},
             {"name":"expiresAt","type":"uint64"}],"outputs":[]},
  {"name":"revoke","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"subject","type":"address"}],"outputs":[]}
]`

const registryGasLimit = 150_000

// EVMRegistry talks to the credential registry contract through the shared
// connection pool.
type EVMRegistry struct {
	pool      *ledger.Pool
	contract  string
	issuer    string
	issuerKey string
	parsedABI abi.ABI
}

// NewEVMRegistry constructs a registry client for the given contract. The
// issuer key signs issue/revoke transactions.
func NewEVMRegistry(pool *ledger.Pool, contract, issuer, issuerKey string) (*EVMRegistry, error) {
	if strings.TrimSpace(contract) == "" {
		return nil, errors.New("未配置凭证注册表合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析注册表 ABI 失败: %w", err)
	}
	return &EVMRegistry{
		pool:      pool,
		contract:  contract,
		issuer:    issuer,
		issuerKey: issuerKey,
		parsedABI: parsed,
	}, nil
}

func typeCode(t Type) uint8 {
	switch t {
	case TypeEnterprise:
		return 2
	case TypePremium:
		return 1
	default:
		return 0
	}
}

func typeFromCode(code uint8) Type {
	switch code {
	case 2:
		return TypeEnterprise
	case 1:
		return TypePremium
	default:
		return TypeBasic
	}
}

// Lookup queries the registry for a credential object owned by address.
// Expired objects are reported as ErrNotOnChain.
func (r *EVMRegistry) Lookup(ctx context.Context, address string) (*Credential, error) {
	client, err := r.pool.Get(ctx, registryOwnerKey)
	if err != nil {
		return nil, err
	}

	input, err := r.parsedABI.Pack("credentialOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("编码注册表查询失败: %w", err)
	}
	output, err := client.CallContract(ctx, r.contract, input)
	if err != nil {
		return nil, fmt.Errorf("查询注册表失败: %w", err)
	}

	values, err := r.parsedABI.Unpack("credentialOf", output)
	if err != nil || len(values) != 6 {
		return nil, fmt.Errorf("解析注册表返回值失败: %w", err)
	}
	exists, _ := values[5].(bool)
	if !exists {
		return nil, ErrNotOnChain
	}

	ctype, _ := values[0].(uint8)
	issuedAt, _ := values[2].(uint64)
	expiresAt, _ := values[3].(uint64)
	issuerAddr, _ := values[4].(common.Address)

	cred := &Credential{
		Subject:   address,
		Issuer:    issuerAddr.Hex(),
		Type:      typeFromCode(ctype),
		Level:     LevelOf(typeFromCode(ctype)),
		IssuedAt:  time.Unix(int64(issuedAt), 0),
		ExpiresAt: time.Unix(int64(expiresAt), 0),
		OnChain:   true,
	}
	if !cred.Valid(time.Now()) {
		return nil, ErrNotOnChain
	}
	return cred, nil
}

// Issue writes a credential object to the registry and returns the proof
// transaction hash.
func (r *EVMRegistry) Issue(ctx context.Context, cred *Credential) (string, error) {
	if cred == nil {
		return "", errors.New("凭证不能为空")
	}
	input, err := r.parsedABI.Pack("issue",
		common.HexToAddress(cred.Subject), typeCode(cred.Type), uint64(cred.ExpiresAt.Unix()))
	if err != nil {
		return "", fmt.Errorf("编码凭证签发交易失败: %w", err)
	}
	return r.submit(ctx, input)
}

// Revoke removes the credential object for address from the registry.
func (r *EVMRegistry) Revoke(ctx context.Context, address string) (string, error) {
	input, err := r.parsedABI.Pack("revoke", common.HexToAddress(address))
	if err != nil {
		return "", fmt.Errorf("编码凭证撤销交易失败: %w", err)
	}
	return r.submit(ctx, input)
}

func (r *EVMRegistry) submit(ctx context.Context, input []byte) (string, error) {
	if strings.TrimSpace(r.issuerKey) == "" {
		return "", errors.New("未配置签发者私钥")
	}
	client, err := r.pool.Get(ctx, registryOwnerKey)
	if err != nil {
		return "", err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(r.issuerKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("解析签发者私钥失败: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := client.PendingNonceAt(ctx, r.issuer)
	if err != nil {
		return "", err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(r.contract)
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      registryGasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("签名注册表交易失败: %w", err)
	}

	receipt, err := client.SubmitAndWait(ctx, signed)
	if err != nil {
		return "", err
	}
	if !receipt.Succeeded {
		return "", fmt.Errorf("注册表交易 %s 被账本拒绝", receipt.ProofHash)
	}
	return receipt.ProofHash, nil
}
