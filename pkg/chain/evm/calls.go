package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/transfer-relay/pkg/chain"
)

const noopGasLimit = 21000

// bridgeABIJSON is the subset of the bridge contract the relay calls
const bridgeABIJSON = `[
  {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"},
    {"name":"sender","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"fee","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]}
]`

func bridgeABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}
	return parsed, nil
}

// TransferKey maps a relay transfer id onto the bytes32 key used on chain
func TransferKey(transferID string) [32]byte {
	return crypto.Keccak256Hash([]byte(transferID))
}

// PrepareTx implements chain.Client. Fees come from configuration; the relay
// does not estimate them.
func (c *Client) PrepareTx(_ context.Context, call chain.Call, nonce uint64) (*chain.TxRequest, error) {
	req := &chain.TxRequest{
		ChainID:   new(big.Int).Set(c.chainID),
		From:      call.From,
		Nonce:     nonce,
		Value:     new(big.Int),
		GasLimit:  c.cfg.GasLimit,
		GasFeeCap: c.cfg.MaxFeePerGas.BigInt(),
		GasTipCap: c.cfg.TipPerGas.BigInt(),
	}
	if req.GasTipCap.Cmp(req.GasFeeCap) > 0 {
		req.GasTipCap = new(big.Int).Set(req.GasFeeCap)
	}

	var (
		data []byte
		err  error
	)
	switch call.Kind {
	case chain.CallLock:
		data, err = c.bridgeABI.Pack("lock",
			TransferKey(call.TransferID), common.HexToAddress(call.Account), call.Amount, call.Fee)
		req.To = c.bridge.Hex()
	case chain.CallRelease:
		data, err = c.bridgeABI.Pack("release",
			TransferKey(call.TransferID), common.HexToAddress(call.Account), call.Amount)
		req.To = c.bridge.Hex()
	case chain.CallNoop:
		req.To = call.From
		req.GasLimit = noopGasLimit
	default:
		return nil, fmt.Errorf("unsupported call kind %q", call.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", call.Kind, err)
	}
	req.Data = data
	return req, nil
}

var _ chain.FeeBumper = (*Client)(nil)

// BumpFees raises fee caps by factor^bumps, capped at the configured
// max_total_fee_per_gas when one is set.
func (c *Client) BumpFees(req *chain.TxRequest, bumps int) {
	if bumps <= 0 {
		return
	}
	factor := c.cfg.FeeBumpFactor.Pow(decimal.NewFromInt(int64(bumps)))
	req.GasFeeCap = c.capFee(scale(req.GasFeeCap, factor))
	req.GasTipCap = scale(req.GasTipCap, factor)
	if req.GasTipCap.Cmp(req.GasFeeCap) > 0 {
		req.GasTipCap = new(big.Int).Set(req.GasFeeCap)
	}
}

func (c *Client) capFee(fee *big.Int) *big.Int {
	if !c.cfg.MaxTotalFeePerGas.IsPositive() {
		return fee
	}
	limit := c.cfg.MaxTotalFeePerGas.BigInt()
	if fee.Cmp(limit) > 0 {
		return limit
	}
	return fee
}

func scale(v *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(factor).Ceil().BigInt()
}
