package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/transfer-relay/pkg/app/errors"
	"github.com/chainsafe/transfer-relay/pkg/queue"
	"github.com/chainsafe/transfer-relay/pkg/transfer"
	"github.com/chainsafe/transfer-relay/pkg/transferstore"
)

var testSigners = map[string]string{
	"ethereum": "eth-hot",
	"polygon":  "poly-hot",
}

func testIntent(id string) *transfer.Intent {
	return &transfer.Intent{
		TransferID:       id,
		SourceChain:      "ethereum",
		DestinationChain: "polygon",
		Sender:           "0x00000000000000000000000000000000000000a1",
		Recipient:        "0x00000000000000000000000000000000000000b2",
		Amount:           decimal.NewFromInt(1000),
		Fee:              decimal.NewFromInt(30),
		BidVersion:       1,
	}
}

func newTestService(t *testing.T) (*transferService, *MockStore, *MockEnqueuer) {
	t.Helper()
	store := &MockStore{MemoryStore: transferstore.NewMemoryStore()}
	q := &MockEnqueuer{}
	svc := NewService(store, q, testSigners, zap.NewNop()).(*transferService)
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc, store, q
}

func TestSubmit_CreatesReceivedRecordAndQueuesValidation(t *testing.T) {
	svc, store, q := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)
	require.True(t, resp.Created)
	require.Equal(t, transfer.StateReceived, resp.State)

	rec, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, "eth-hot", rec.Source.Signer)
	require.Equal(t, "poly-hot", rec.Destination.Signer)
	require.Equal(t, svc.now(), rec.CreatedAt)

	require.Len(t, q.tasks, 1)
	require.Equal(t, queue.Transfers, q.tasks[0].Queue)
	require.Equal(t, "validate", q.tasks[0].Kind)
	require.Equal(t, "t-1", q.tasks[0].TransferID)
}

func TestSubmit_SameIntentIsIdempotent(t *testing.T) {
	svc, _, q := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	again := testIntent("t-1")
	again.Amount = decimal.RequireFromString("1000.00")
	resp, err := svc.Submit(ctx, again)
	require.NoError(t, err)
	require.False(t, resp.Created)
	require.Equal(t, "t-1", resp.TransferID)
	require.Len(t, q.tasks, 1, "a resubmission must not queue a second task")
}

func TestSubmit_ReusedIDForDifferentIntentConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	other := testIntent("t-1")
	other.Fee = decimal.NewFromInt(31)
	_, err = svc.Submit(ctx, other)
	require.True(t, apperrors.Is(err, apperrors.CategoryDataConflict), "got %v", err)
	require.ErrorIs(t, err, transferstore.ErrConflict)
}

func TestSubmit_RejectsMalformedIntents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(i *transfer.Intent)
	}{
		{"missing transfer id", func(i *transfer.Intent) { i.TransferID = "" }},
		{"bad sender address", func(i *transfer.Intent) { i.Sender = "alice" }},
		{"same chain on both legs", func(i *transfer.Intent) { i.DestinationChain = i.SourceChain }},
		{"zero amount", func(i *transfer.Intent) { i.Amount = decimal.Zero }},
		{"fractional amount", func(i *transfer.Intent) { i.Amount = decimal.RequireFromString("1.5") }},
		{"negative fee", func(i *transfer.Intent) { i.Fee = decimal.NewFromInt(-1) }},
		{"missing bid version", func(i *transfer.Intent) { i.BidVersion = 0 }},
		{"unconfigured chain", func(i *transfer.Intent) { i.DestinationChain = "cronos" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, q := newTestService(t)
			intent := testIntent("t-bad")
			tt.mutate(intent)

			_, err := svc.Submit(context.Background(), intent)
			require.True(t, apperrors.Is(err, apperrors.CategoryDataError), "got %v", err)

			_, err = store.Get(context.Background(), "t-bad")
			require.ErrorIs(t, err, transferstore.ErrNotFound)
			require.Empty(t, q.tasks)
		})
	}
}

func TestSubmit_EnqueueFailureStillAccepts(t *testing.T) {
	svc, store, q := newTestService(t)
	q.EnqueueFunc = func(context.Context, queue.Task) error { return errors.New("queue down") }

	resp, err := svc.Submit(context.Background(), testIntent("t-1"))
	require.NoError(t, err)
	require.True(t, resp.Created)

	_, err = store.Get(context.Background(), "t-1")
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Status(ctx, "missing")
	require.True(t, apperrors.Is(err, apperrors.CategoryResourceNotFound))

	_, err = svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	rec, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	ev, err := rec.Advance(transfer.StateRejected, transfer.ReasonFeeBelowMinimum, svc.now())
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, rec, []transfer.Event{ev}))

	st, err := svc.Status(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateRejected, st.State)
	require.True(t, st.Terminal)
	require.NotNil(t, st.Reason)
	require.Equal(t, transfer.ReasonFeeBelowMinimum, *st.Reason)

	history, err := svc.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, transfer.StateRejected, history[1].To)
}

func TestCancel_FromReceived(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	st, err := svc.Cancel(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateCancelled, st.State)
	require.Equal(t, transfer.ReasonCancelled, *st.Reason)

	rec, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateCancelled, rec.State)
	require.NotNil(t, rec.CompletedAt)

	// a second cancel reports the same outcome
	st, err = svc.Cancel(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateCancelled, st.State)
}

func TestCancel_RefusedOncePinned(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	rec, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	ev, err := rec.Advance(transfer.StateBidValidated, transfer.NoteBidValidated, svc.now())
	require.NoError(t, err)
	rec.Source.Pin(4, "0xabc", []byte{1})
	require.NoError(t, store.Update(ctx, rec, []transfer.Event{ev}))

	_, err = svc.Cancel(ctx, "t-1")
	require.True(t, apperrors.Is(err, apperrors.CategoryDataConflict), "got %v", err)
	require.ErrorIs(t, err, ErrNotCancellable)

	rec, err = store.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateBidValidated, rec.State)
}

func TestCancel_LosesRaceToConcurrentPin(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, testIntent("t-1"))
	require.NoError(t, err)

	calls := 0
	store.UpdateFunc = func(ctx context.Context, rec *transfer.Record, events []transfer.Event, opts ...transferstore.UpdateOption) error {
		calls++
		if calls == 1 {
			// the engine pins the source leg between the cancel's read and write
			pinned, err := store.MemoryStore.Get(ctx, rec.TransferID)
			require.NoError(t, err)
			ev, err := pinned.Advance(transfer.StateBidValidated, transfer.NoteBidValidated, svc.now())
			require.NoError(t, err)
			pinned.Source.Pin(4, "0xabc", []byte{1})
			require.NoError(t, store.MemoryStore.Update(ctx, pinned, []transfer.Event{ev}))
		}
		return store.MemoryStore.Update(ctx, rec, events, opts...)
	}

	_, err = svc.Cancel(ctx, "t-1")
	require.ErrorIs(t, err, ErrNotCancellable)
	require.Equal(t, 1, calls)

	rec, err := store.MemoryStore.Get(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, transfer.StateBidValidated, rec.State)
	require.True(t, rec.Source.Pinned())
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Cancel(context.Background(), "missing")
	require.True(t, apperrors.Is(err, apperrors.CategoryResourceNotFound))
}
