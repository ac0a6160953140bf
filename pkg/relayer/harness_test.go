package relayer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/bid"
	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/chain/chaintest"
	"github.com/chainsafe/transfer-relay/pkg/config"
	"github.com/chainsafe/transfer-relay/pkg/keys"
	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/signer"
	"github.com/chainsafe/transfer-relay/pkg/submitter"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// harness wires the real engine components over in-memory stores and
// simulated chains.
type harness struct {
	clock  *clock
	store  *transferstore.MemoryStore
	queue  *queue.MemoryQueue
	nonces *nonce.MemoryStore
	alloc  *nonce.Allocator
	eth    *chaintest.Chain
	poly   *chaintest.Chain
	signer *MockSigner
	bids   *MockBidSource
	sub    *submitter.Submitter
	orch   *Orchestrator
	disp   *queue.Dispatcher
	cfg    config.EngineConfig
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxRetries:           2,
		MaxTransientAttempts: 3,
		ConfirmationTimeout:  10 * time.Minute,
		PollInitialInterval:  2 * time.Second,
		PollMaxInterval:      time.Minute,
		BidRecheckDelay:      5 * time.Second,
		RecoveryInterval:     time.Minute,
		StaleAfter:           5 * time.Minute,
	}
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		TransferWorkers:    1,
		BidWorkers:         1,
		TransactionWorkers: 1,
		PollInterval:       5 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		LeaseTTL:           time.Minute,
		LeaseRetryDelay:    time.Second,
	}
}

func testSnapshot() *bid.Snapshot {
	return bid.NewSnapshot(1, t0, []bid.Bid{{
		Pair:       bid.Pair{Source: "ethereum", Destination: "polygon"},
		Version:    1,
		MinFee:     decimal.NewFromInt(25),
		ValidFrom:  t0,
		ValidUntil: t0.Add(24 * time.Hour),
	}})
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ks := keys.NewMemoryStore()
	for _, k := range []struct{ id, chain string }{{"eth-hot", "ethereum"}, {"poly-hot", "polygon"}} {
		raw, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		require.NoError(t, ks.Add(k.id, k.chain, raw))
	}

	h := &harness{
		clock:  &clock{now: t0.Add(time.Minute)},
		store:  transferstore.NewMemoryStore(),
		nonces: nonce.NewMemoryStore(),
		eth:    chaintest.New("ethereum", 1, 3),
		poly:   chaintest.New("polygon", 137, 5),
		signer: &MockSigner{Signer: signer.NewLocalSigner(ks)},
		bids:   &MockBidSource{snap: testSnapshot()},
		cfg:    testEngineConfig(),
	}
	h.queue = queue.NewMemoryQueue(queue.WithClock(h.clock.Now))

	reg, err := chain.NewRegistry(h.eth, h.poly)
	require.NoError(t, err)

	logger := zap.NewNop()
	h.sub = submitter.New(reg, h.signer, h.cfg, logger).WithClock(h.clock.Now)
	h.alloc = nonce.NewAllocator(h.nonces, logger, nonce.WithSeeder(h.sub), nonce.WithReplacer(h.sub))
	validator := bid.NewValidator(reg.IDs(), bid.WithClock(h.clock.Now))
	h.orch = NewOrchestrator(h.store, h.bids, validator, h.alloc, h.sub, h.cfg, logger).WithClock(h.clock.Now)
	h.disp = queue.NewDispatcher(h.queue, h.queue, testQueueConfig(), logger).WithClock(h.clock.Now)
	return h
}

func testIntent(id string, fee int64) transfer.Intent {
	return transfer.Intent{
		TransferID:       id,
		SourceChain:      "ethereum",
		DestinationChain: "polygon",
		Sender:           "0x00000000000000000000000000000000000000a1",
		Recipient:        "0x00000000000000000000000000000000000000b2",
		Amount:           decimal.NewFromInt(1000),
		Fee:              decimal.NewFromInt(fee),
		BidVersion:       1,
	}
}

// submit stores a Received record and enqueues it, like the intake service
func (h *harness) submit(t *testing.T, id string, fee int64) {
	t.Helper()
	ctx := context.Background()
	rec := transfer.NewRecord(testIntent(id, fee), "eth-hot", "poly-hot", h.clock.Now())
	_, created, err := h.store.Create(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)
	task, ok := TaskFor(rec, h.clock.Now())
	require.True(t, ok)
	require.NoError(t, h.queue.Enqueue(ctx, task))
}

// step runs the transfer's pending task, moving the clock to its due time
func (h *harness) step(t *testing.T, id string) *transfer.Record {
	t.Helper()
	task, ok := h.queue.Pending(id)
	require.True(t, ok, "no pending task for %s", id)
	if task.RunAt.After(h.clock.Now()) {
		h.clock.Set(task.RunAt)
	}
	handled, err := h.disp.ProcessNext(context.Background(), task.Queue, "worker-1", h.orch.Handler())
	require.NoError(t, err)
	require.True(t, handled)
	return h.get(t, id)
}

// runUntil steps the transfer until it reaches state
func (h *harness) runUntil(t *testing.T, id string, state transfer.State) *transfer.Record {
	t.Helper()
	for i := 0; i < 50; i++ {
		rec := h.get(t, id)
		if rec.State == state {
			return rec
		}
		if rec.State.Terminal() {
			t.Fatalf("transfer ended in %s (reason %v) waiting for %s", rec.State, deref(rec.Reason), state)
		}
		h.step(t, id)
	}
	t.Fatalf("transfer did not reach %s", state)
	return nil
}

func (h *harness) get(t *testing.T, id string) *transfer.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// confirm mines hash on c and buries it below enough blocks
func confirm(c *chaintest.Chain, hash string) {
	c.Include(hash, 100)
	c.SetHead(100 + c.Confirmations())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
