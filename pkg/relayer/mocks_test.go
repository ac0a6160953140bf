package relayer

import (
	"context"
	"sync"

	"github.com/chainsafe/transfer-relay/pkg/bid"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/signer"
)

// MockSigner delegates to a real signer unless SignFunc is set
type MockSigner struct {
	signer.Signer
	SignFunc func(ctx context.Context, chainID, handle string, payload *chain.TxRequest) (signer.SignedTx, error)

	mu    sync.Mutex
	calls int
}

func (m *MockSigner) Sign(ctx context.Context, chainID, handle string, payload *chain.TxRequest) (signer.SignedTx, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.SignFunc != nil {
		return m.SignFunc(ctx, chainID, handle, payload)
	}
	return m.Signer.Sign(ctx, chainID, handle, payload)
}

// MockBidSource serves whatever snapshot the test sets
type MockBidSource struct {
	mu   sync.Mutex
	snap *bid.Snapshot
}

func (m *MockBidSource) Snapshot() *bid.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *MockBidSource) Set(snap *bid.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
}
