// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/transfer-relay/pkg/chain"
)

type fakeTx struct {
	nonce    uint64
	from     string
	feeCap   *big.Int
	included bool
	block    uint64
	reverted bool
}

// Chain simulates one network: a mempool, inclusion at a block height and a
// head that tests move explicitly.
type Chain struct {
	mu            sync.Mutex
	id            string
	chainID       *big.Int
	confirmations uint64
	head          uint64
	txs           map[string]*fakeTx
	broadcasts    []string
	pendingNonce  map[string]uint64
	balance       *big.Int

	// BroadcastErr, when set, is consulted before a transaction is accepted
	BroadcastErr func(hash string, nonce uint64) error
	// StatusErr, when set, fails status queries
	StatusErr func(hash string) error
	// MaxFeeCap, when set, clamps bumped fee caps
	MaxFeeCap *big.Int
}

var (
	_ chain.Client    = (*Chain)(nil)
	_ chain.FeeBumper = (*Chain)(nil)
)

// New creates a simulated chain
func New(id string, chainID int64, confirmations uint64) *Chain {
	return &Chain{
		id:            id,
		chainID:       big.NewInt(chainID),
		confirmations: confirmations,
		txs:           make(map[string]*fakeTx),
		pendingNonce:  make(map[string]uint64),
		balance:       new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil),
	}
}

func (c *Chain) ID() string { return c.id }

func (c *Chain) Confirmations() uint64 { return c.confirmations }

func (c *Chain) PrepareTx(_ context.Context, call chain.Call, nonce uint64) (*chain.TxRequest, error) {
	req := &chain.TxRequest{
		ChainID:   new(big.Int).Set(c.chainID),
		From:      call.From,
		To:        "0x00000000000000000000000000000000000000aa",
		Value:     new(big.Int),
		Nonce:     nonce,
		GasLimit:  100000,
		GasFeeCap: big.NewInt(100),
		GasTipCap: big.NewInt(2),
	}
	switch call.Kind {
	case chain.CallLock, chain.CallRelease:
		req.Data = []byte(string(call.Kind) + ":" + call.TransferID)
	case chain.CallNoop:
		req.To = call.From
		req.GasLimit = 21000
	default:
		return nil, fmt.Errorf("unsupported call kind %q", call.Kind)
	}
	return req, nil
}

func (c *Chain) BumpFees(req *chain.TxRequest, bumps int) {
	for i := 0; i < bumps; i++ {
		req.GasFeeCap = new(big.Int).Div(new(big.Int).Mul(req.GasFeeCap, big.NewInt(5)), big.NewInt(4))
		req.GasTipCap = new(big.Int).Div(new(big.Int).Mul(req.GasTipCap, big.NewInt(5)), big.NewInt(4))
	}
	if c.MaxFeeCap != nil && req.GasFeeCap.Cmp(c.MaxFeeCap) > 0 {
		req.GasFeeCap = new(big.Int).Set(c.MaxFeeCap)
	}
}

func (c *Chain) Broadcast(_ context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", &chain.RejectedError{Chain: c.id, Reason: "malformed transaction", Err: err}
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return "", &chain.RejectedError{Chain: c.id, Reason: "invalid signature", Err: err}
	}
	hash := tx.Hash().Hex()

	if c.BroadcastErr != nil {
		if err := c.BroadcastErr(hash, tx.Nonce()); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, hash)
	if _, known := c.txs[hash]; !known {
		c.txs[hash] = &fakeTx{nonce: tx.Nonce(), from: from.Hex(), feeCap: tx.GasFeeCap()}
	}
	if next := tx.Nonce() + 1; next > c.pendingNonce[from.Hex()] {
		c.pendingNonce[from.Hex()] = next
	}
	return hash, nil
}

func (c *Chain) GetTransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	if c.StatusErr != nil {
		if err := c.StatusErr(hash); err != nil {
			return chain.TxStatus{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[hash]
	switch {
	case !ok:
		return chain.TxStatus{State: chain.TxNotFound}, nil
	case !tx.included:
		return chain.TxStatus{State: chain.TxPending}, nil
	}
	var confirmations uint64
	if c.head >= tx.block {
		confirmations = c.head - tx.block + 1
	}
	return chain.TxStatus{
		State:         chain.TxIncluded,
		Block:         tx.block,
		Confirmations: confirmations,
		Reverted:      tx.reverted,
	}, nil
}

func (c *Chain) PendingNonce(_ context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce[address], nil
}

func (c *Chain) Balance(context.Context, string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

// SetBalance sets the balance reported for every account
func (c *Chain) SetBalance(b *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = b
}

// SetPendingNonce sets the next nonce the chain expects from address
func (c *Chain) SetPendingNonce(address string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingNonce[address] = nonce
}

// SetHead moves the chain head
func (c *Chain) SetHead(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = block
}

// Include mines hash at block
func (c *Chain) Include(hash string, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[hash]; ok {
		tx.included = true
		tx.block = block
	}
}

// Revert mines hash at block with a failed receipt
func (c *Chain) Revert(hash string, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[hash]; ok {
		tx.included = true
		tx.block = block
		tx.reverted = true
	}
}

// Reorg removes hash from its block and from the mempool
func (c *Chain) Reorg(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, hash)
}

// Broadcasts returns every accepted broadcast in order, repeats included
func (c *Chain) Broadcasts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.broadcasts...)
}

// Nonce returns the nonce of a known transaction
func (c *Chain) Nonce(hash string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return 0, false
	}
	return tx.nonce, true
}

// FeeCap returns the fee cap a known transaction was signed with
func (c *Chain) FeeCap(hash string) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(tx.feeCap), true
}
