package chains

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Receipt status values as reported by eth_getTransactionReceipt.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

var decimalsSelector = gethcrypto.Keccak256([]byte("decimals()"))[:4]

// Transaction is the subset of an EVM transaction the engine inspects.
type Transaction struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address
	BlockNumber *big.Int
	Input       []byte
}

// Pending reports whether the transaction has not been included in a block yet.
func (t *Transaction) Pending() bool {
	return t == nil || t.BlockNumber == nil
}

// Client defines the subset of the Ethereum RPC used by the engine.
type Client interface {
	// TransactionByHash returns nil without error when the node does not know the hash.
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	BlockTime(ctx context.Context, number *big.Int) (time.Time, error)
	ReceiptStatus(ctx context.Context, hash common.Hash) (uint64, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	Close()
}

// RPCClient talks JSON-RPC to a single EVM endpoint. Transactions and blocks
// are decoded loosely so chains with transaction types unknown to go-ethereum
// still resolve.
type RPCClient struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

var _ Client = (*RPCClient)(nil)

// Dial initialises an RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*RPCClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	raw, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	return &RPCClient{rpc: raw, eth: ethclient.NewClient(raw)}, nil
}

type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	Input       hexutil.Bytes   `json:"input"`
	Data        hexutil.Bytes   `json:"data"`
}

// TransactionByHash issues eth_getTransactionByHash.
func (c *RPCClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var raw *rpcTransaction
	if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	input := raw.Input
	if len(input) == 0 {
		input = raw.Data
	}
	tx := &Transaction{
		Hash:  raw.Hash,
		From:  raw.From,
		To:    raw.To,
		Input: []byte(input),
	}
	if raw.BlockNumber != nil {
		tx.BlockNumber = raw.BlockNumber.ToInt()
	}
	return tx, nil
}

// BlockTime issues eth_getBlockByNumber and returns the block timestamp.
func (c *RPCClient) BlockTime(ctx context.Context, number *big.Int) (time.Time, error) {
	if number == nil {
		return time.Time{}, fmt.Errorf("block number required")
	}
	var head *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeBig(number), false); err != nil {
		return time.Time{}, err
	}
	if head == nil {
		return time.Time{}, ethereum.NotFound
	}
	return time.Unix(int64(head.Timestamp), 0).UTC(), nil
}

// ReceiptStatus issues eth_getTransactionReceipt and returns the status field.
func (c *RPCClient) ReceiptStatus(ctx context.Context, hash common.Hash) (uint64, error) {
	var receipt *struct {
		Status *hexutil.Uint64 `json:"status"`
	}
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return 0, err
	}
	if receipt == nil {
		return 0, ethereum.NotFound
	}
	if receipt.Status == nil {
		// Pre-Byzantium receipts carry a state root instead of a status.
		return ReceiptStatusSuccessful, nil
	}
	return uint64(*receipt.Status), nil
}

// TokenDecimals calls decimals() on the token contract.
func (c *RPCClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: decimalsSelector}, nil)
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("decimals(): short return data (%d bytes)", len(out))
	}
	value := new(big.Int).SetBytes(out[:32])
	if !value.IsUint64() || value.Uint64() > 255 {
		return 0, fmt.Errorf("decimals(): value %s out of range", value)
	}
	return uint8(value.Uint64()), nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	if c == nil || c.rpc == nil {
		return
	}
	c.rpc.Close()
}
