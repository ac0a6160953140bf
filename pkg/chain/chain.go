// Package chain defines the per-chain RPC capability used by the relay.
// Concrete clients live in sub-packages and are selected by chain id.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// TxState is the inclusion state of a transaction as seen by a node
type TxState string

const (
	TxPending  TxState = "pending"
	TxIncluded TxState = "included"
	TxNotFound TxState = "not_found"
)

// TxStatus is the result of a status query
type TxStatus struct {
	State         TxState
	Block         uint64
	Confirmations uint64
	Reverted      bool
}

// CallKind is the bridge contract operation a transaction performs
type CallKind string

const (
	// CallLock collects the sender's funds on the source chain
	CallLock CallKind = "lock"
	// CallRelease pays the recipient on the destination chain
	CallRelease CallKind = "release"
	// CallNoop is a zero-value self transfer used to fill an abandoned nonce
	CallNoop CallKind = "noop"
)

// Call describes what a transaction should do, independent of encoding
type Call struct {
	Kind       CallKind
	TransferID string
	From       string
	Account    string
	Amount     *big.Int
	Fee        *big.Int
}

// TxRequest is an unsigned, fully specified transaction
type TxRequest struct {
	ChainID   *big.Int
	From      string
	To        string
	Value     *big.Int
	Data      []byte
	Nonce     uint64
	GasLimit  uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// Client is the RPC capability of one chain
type Client interface {
	// ID returns the relay's chain id, e.g. "ethereum"
	ID() string
	// Confirmations returns the depth at which a transaction is final
	Confirmations() uint64
	// PrepareTx encodes call into an unsigned transaction at nonce
	PrepareTx(ctx context.Context, call Call, nonce uint64) (*TxRequest, error)
	// Broadcast submits a signed transaction and returns its hash
	Broadcast(ctx context.Context, raw []byte) (string, error)
	// GetTransactionStatus reports inclusion and depth of a transaction
	GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	// PendingNonce returns the next nonce the chain expects from address
	PendingNonce(ctx context.Context, address string) (uint64, error)
	// Balance returns the native balance of address
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// FeeBumper is implemented by clients that can reprice a transaction for
// resubmission at the same nonce.
type FeeBumper interface {
	BumpFees(req *TxRequest, bumps int)
}

// Registry holds one client per chain id
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from clients, rejecting duplicate ids
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if _, dup := r.clients[c.ID()]; dup {
			return nil, fmt.Errorf("duplicate chain client %q", c.ID())
		}
		r.clients[c.ID()] = c
	}
	return r, nil
}

// Get returns the client for id
func (r *Registry) Get(id string) (Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return c, nil
}

// IDs returns the registered chain ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
