// Package chaintest provides an in-memory chains.Client for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"validatorpass/services/extractd/chains"
)

// Client serves canned transactions, blocks and receipts.
type Client struct {
	mu sync.Mutex

	Txs          map[common.Hash]*chains.Transaction
	BlockTimes   map[uint64]time.Time
	Statuses     map[common.Hash]uint64
	Decimals     uint8
	LookupErr    error
	BlockErr     error
	ReceiptErr   error
	DecimalsErr  error
	LookupCalls  int
	BlockCalls   int
	ReceiptCalls int
	Closed       bool
}

var _ chains.Client = (*Client)(nil)

// New returns an empty fake client.
func New() *Client {
	return &Client{
		Txs:        make(map[common.Hash]*chains.Transaction),
		BlockTimes: make(map[uint64]time.Time),
		Statuses:   make(map[common.Hash]uint64),
	}
}

// Add registers a mined transaction with a block timestamp and successful receipt.
func (c *Client) Add(tx *chains.Transaction, mined time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Txs[tx.Hash] = tx
	if tx.BlockNumber != nil {
		c.BlockTimes[tx.BlockNumber.Uint64()] = mined
		c.Statuses[tx.Hash] = chains.ReceiptStatusSuccessful
	}
}

// TransactionByHash implements chains.Client.
func (c *Client) TransactionByHash(_ context.Context, hash common.Hash) (*chains.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LookupCalls++
	if c.LookupErr != nil {
		return nil, c.LookupErr
	}
	return c.Txs[hash], nil
}

// BlockTime implements chains.Client.
func (c *Client) BlockTime(_ context.Context, number *big.Int) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BlockCalls++
	if c.BlockErr != nil {
		return time.Time{}, c.BlockErr
	}
	ts, ok := c.BlockTimes[number.Uint64()]
	if !ok {
		return time.Time{}, ethereum.NotFound
	}
	return ts, nil
}

// ReceiptStatus implements chains.Client.
func (c *Client) ReceiptStatus(_ context.Context, hash common.Hash) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReceiptCalls++
	if c.ReceiptErr != nil {
		return 0, c.ReceiptErr
	}
	status, ok := c.Statuses[hash]
	if !ok {
		return 0, ethereum.NotFound
	}
	return status, nil
}

// TokenDecimals implements chains.Client.
func (c *Client) TokenDecimals(context.Context, common.Address) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DecimalsErr != nil {
		return 0, c.DecimalsErr
	}
	return c.Decimals, nil
}

// Close implements chains.Client.
func (c *Client) Close() {
	c.mu.Lock()
	c.Closed = true
	c.mu.Unlock()
}
