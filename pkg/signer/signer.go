// Package signer signs chain transactions with custodial key handles.
package signer

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/keys"
)

// SignedTx is a signed transaction ready for broadcast
type SignedTx struct {
	Raw  []byte
	Hash string
}

// Signer signs transaction payloads on behalf of a key handle
type Signer interface {
	// Sign signs payload with handle for chainID
	Sign(ctx context.Context, chainID, handle string, payload *chain.TxRequest) (SignedTx, error)
	// Address returns the account controlled by handle
	Address(handle string) (string, error)
}

// Error is returned for every signing failure. The relay treats it as
// unrecoverable for the transfer.
type Error struct {
	Handle string
	Chain  string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("signer %s on %s: %v", e.Handle, e.Chain, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LocalSigner signs with keys held in process memory
type LocalSigner struct {
	keys *keys.Store
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer over the loaded key store
func NewLocalSigner(store *keys.Store) *LocalSigner {
	return &LocalSigner{keys: store}
}

// Address implements Signer
func (s *LocalSigner) Address(handle string) (string, error) {
	h, err := s.keys.Get(handle)
	if err != nil {
		return "", &Error{Handle: handle, Err: err}
	}
	return h.Address, nil
}

// Sign implements Signer. A handle only signs for the chain it is scoped to.
func (s *LocalSigner) Sign(ctx context.Context, chainID, handle string, payload *chain.TxRequest) (SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: err}
	}
	h, err := s.keys.Get(handle)
	if err != nil {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: err}
	}
	if h.Chain != chainID {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: fmt.Errorf("handle is scoped to %s", h.Chain)}
	}
	if payload == nil || payload.ChainID == nil {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: fmt.Errorf("incomplete payload")}
	}
	if payload.From != "" && !strings.EqualFold(payload.From, h.Address) {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: fmt.Errorf("payload sender %s does not match handle", payload.From)}
	}

	to := common.HexToAddress(payload.To)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   payload.ChainID,
		Nonce:     payload.Nonce,
		GasTipCap: payload.GasTipCap,
		GasFeeCap: payload.GasFeeCap,
		Gas:       payload.GasLimit,
		To:        &to,
		Value:     payload.Value,
		Data:      payload.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(payload.ChainID), h.PrivateKey())
	if err != nil {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTx{}, &Error{Handle: handle, Chain: chainID, Err: fmt.Errorf("failed to encode transaction: %w", err)}
	}
	return SignedTx{Raw: raw, Hash: signed.Hash().Hex()}, nil
}
