package relayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/nonce"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

func newTestEngine(h *harness) *Engine {
	return NewEngine(h.cfg, testQueueConfig(), h.orch, h.store, h.queue, h.queue, h.alloc, zap.NewNop()).
		WithClock(h.clock.Now)
}

func TestEngine_ReconcileRequeuesStaleTransfers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Stored but never enqueued, as after a crash inside intake.
	orphan := transfer.NewRecord(testIntent("orphan", 30), "eth-hot", "poly-hot", h.clock.Now())
	_, _, err := h.store.Create(ctx, orphan)
	require.NoError(t, err)

	done := transfer.NewRecord(testIntent("done", 30), "eth-hot", "poly-hot", h.clock.Now())
	done.State = transfer.StateRejected
	_, _, err = h.store.Create(ctx, done)
	require.NoError(t, err)

	e := newTestEngine(h)
	require.NoError(t, e.Reconcile(ctx))
	_, pending := h.queue.Pending("orphan")
	assert.False(t, pending, "not stale yet")

	h.clock.Advance(h.cfg.StaleAfter + time.Second)
	require.NoError(t, e.Reconcile(ctx))

	task, ok := h.queue.Pending("orphan")
	require.True(t, ok)
	assert.Equal(t, queue.Transfers, task.Queue)
	assert.Equal(t, KindValidate, task.Kind)
	_, pending = h.queue.Pending("done")
	assert.False(t, pending)

	// Idempotent while the task is still queued.
	require.NoError(t, e.Reconcile(ctx))
	n, err := h.queue.Depth(ctx, queue.Transfers)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ReconcileSweepsAbandonedNonces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := nonce.Key{Signer: "eth-hot", Chain: "ethereum"}
	require.NoError(t, h.nonces.AddGap(ctx, nonce.Gap{Key: key, Nonce: 3, Broadcast: true}))

	require.NoError(t, newTestEngine(h).Reconcile(ctx))

	sent := h.eth.Broadcasts()
	require.Len(t, sent, 1)
	n, _ := h.eth.Nonce(sent[0])
	assert.Equal(t, uint64(3), n)
	gaps, err := h.nonces.ReplacementGaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestEngine_StartStop(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "t-1", 30)
	e := newTestEngine(h)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.get(t, "t-1").State == transfer.StateSourceSubmitted
	}, 5*time.Second, 10*time.Millisecond)
	e.Stop()
}
