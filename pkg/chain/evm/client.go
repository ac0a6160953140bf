// Package evm implements chain.Client for EVM networks (ethereum, bnbchain,
// avalanche, celo, cronos, polygon) on top of go-ethereum's ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/config"
)

// HealthObserver receives the outcome of every RPC call per endpoint
type HealthObserver interface {
	Register(chain, url string)
	Observe(chain, url string, err error)
}

const defaultProviderTimeout = 10 * time.Second

type endpoint struct {
	url    string
	client *ethclient.Client
}

// Client is a chain.Client for one EVM network. Calls go to the primary
// provider first and fall through the fallback providers on transport errors.
type Client struct {
	id        string
	cfg       config.ChainConfig
	chainID   *big.Int
	bridge    common.Address
	bridgeABI abi.ABI
	endpoints []endpoint
	limiter   *rate.Limiter
	health    HealthObserver
	logger    *zap.Logger
}

var _ chain.Client = (*Client)(nil)

// NewClient dials every configured provider for chain id
func NewClient(ctx context.Context, id string, cfg config.ChainConfig, health HealthObserver, logger *zap.Logger) (*Client, error) {
	urls := append([]string{cfg.Provider}, cfg.FallbackProviders...)
	endpoints := make([]endpoint, 0, len(urls))
	for _, url := range urls {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			for _, e := range endpoints {
				e.client.Close()
			}
			return nil, fmt.Errorf("failed to dial %s provider: %w", id, err)
		}
		endpoints = append(endpoints, endpoint{url: url, client: ec})
	}

	c, err := newClient(id, cfg, endpoints, health, logger)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Connected to chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.Int("providers", len(endpoints)),
		zap.String("bridge_contract", c.bridge.Hex()),
		zap.Uint64("confirmations", cfg.Confirmations))
	return c, nil
}

func newClient(id string, cfg config.ChainConfig, endpoints []endpoint, health HealthObserver, logger *zap.Logger) (*Client, error) {
	parsed, err := bridgeABI()
	if err != nil {
		return nil, err
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}

	c := &Client{
		id:        id,
		cfg:       cfg,
		chainID:   big.NewInt(cfg.ChainID),
		bridge:    common.HexToAddress(cfg.BridgeContract),
		bridgeABI: parsed,
		endpoints: endpoints,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		health:    health,
		logger:    logger.Named("evm").With(zap.String("chain", id)),
	}
	if health != nil {
		for _, e := range endpoints {
			health.Register(id, e.url)
		}
	}
	return c, nil
}

// Close closes all provider connections
func (c *Client) Close() {
	for _, e := range c.endpoints {
		if e.client != nil {
			e.client.Close()
		}
	}
}

// ID implements chain.Client
func (c *Client) ID() string { return c.id }

// Confirmations implements chain.Client
func (c *Client) Confirmations() uint64 { return c.cfg.Confirmations }

// Broadcast implements chain.Client. A transaction the node already knows
// is treated as successfully broadcast.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", &chain.RejectedError{Chain: c.id, Reason: "malformed transaction", Err: err}
	}
	hash := tx.Hash().Hex()

	err := c.do(ctx, "broadcast", func(ctx context.Context, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
	if err == nil {
		c.logger.Info("Transaction broadcast", zap.String("tx_hash", hash), zap.Uint64("nonce", tx.Nonce()))
		return hash, nil
	}

	switch classifySendError(err) {
	case sendAlreadyKnown:
		c.logger.Info("Transaction already known to node", zap.String("tx_hash", hash))
		return hash, nil
	case sendNonceTooLow:
		from, _ := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
		expected, nerr := c.PendingNonce(ctx, from.Hex())
		if nerr != nil {
			return "", nerr
		}
		return "", &chain.NonceConflictError{Chain: c.id, Nonce: tx.Nonce(), Expected: expected, Err: err}
	case sendInsufficientFunds:
		return "", &chain.RejectedError{Chain: c.id, Reason: "insufficient balance", Err: err}
	case sendInvalidSignature:
		return "", &chain.RejectedError{Chain: c.id, Reason: "invalid signature", Err: err}
	case sendUnderpriced:
		return "", &chain.TransientError{Chain: c.id, Op: "broadcast", Err: err}
	case sendRejected:
		return "", &chain.RejectedError{Chain: c.id, Reason: "transaction rejected", Err: err}
	default:
		return "", err
	}
}

// GetTransactionStatus implements chain.Client
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	h := common.HexToHash(hash)

	var receipt *types.Receipt
	err := c.do(ctx, "receipt", func(ctx context.Context, ec *ethclient.Client) error {
		r, err := ec.TransactionReceipt(ctx, h)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	switch {
	case errors.Is(err, ethereum.NotFound):
		return c.pendingStatus(ctx, h)
	case err != nil:
		return chain.TxStatus{}, err
	}

	head, err := c.blockNumber(ctx)
	if err != nil {
		return chain.TxStatus{}, err
	}

	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	return chain.TxStatus{
		State:         chain.TxIncluded,
		Block:         block,
		Confirmations: confirmations,
		Reverted:      receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

func (c *Client) pendingStatus(ctx context.Context, h common.Hash) (chain.TxStatus, error) {
	err := c.do(ctx, "transaction", func(ctx context.Context, ec *ethclient.Client) error {
		_, _, err := ec.TransactionByHash(ctx, h)
		return err
	})
	switch {
	case errors.Is(err, ethereum.NotFound):
		return chain.TxStatus{State: chain.TxNotFound}, nil
	case err != nil:
		return chain.TxStatus{}, err
	}
	// Known but without a receipt: either in the pool or not yet indexed.
	return chain.TxStatus{State: chain.TxPending}, nil
}

func (c *Client) blockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.do(ctx, "block_number", func(ctx context.Context, ec *ethclient.Client) error {
		n, err := ec.BlockNumber(ctx)
		head = n
		return err
	})
	return head, err
}

// PendingNonce implements chain.Client
func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, "pending_nonce", func(ctx context.Context, ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(ctx, common.HexToAddress(address))
		nonce = n
		return err
	})
	return nonce, err
}

// Balance implements chain.Client
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var balance *big.Int
	err := c.do(ctx, "balance", func(ctx context.Context, ec *ethclient.Client) error {
		b, err := ec.BalanceAt(ctx, common.HexToAddress(address), nil)
		balance = b
		return err
	})
	return balance, err
}

// do runs fn against each endpoint in order until one answers. Node-level
// answers (JSON-RPC errors, not found) are returned as is; transport
// failures mark the endpoint unhealthy and move on to the next one.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context, *ethclient.Client) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &chain.TransientError{Chain: c.id, Op: op, Err: err}
	}

	var lastErr error
	for _, e := range c.endpoints {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
		err := fn(callCtx, e.client)
		cancel()

		if err == nil || !isTransportError(err) {
			c.observe(e.url, nil)
			return err
		}

		c.observe(e.url, err)
		c.logger.Warn("Provider call failed", zap.String("op", op), zap.Error(err))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return &chain.TransientError{Chain: c.id, Op: op, Err: lastErr}
}

func (c *Client) observe(url string, err error) {
	if c.health != nil {
		c.health.Observe(c.id, url, err)
	}
}
