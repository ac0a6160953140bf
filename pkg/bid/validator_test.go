package bid

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/chainsafe/transfer-relay/pkg/transfer"
)

var (
	t0   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pair = Pair{Source: "ethereum", Destination: "polygon"}
)

func testSnapshot() *Snapshot {
	return NewSnapshot(1, t0, []Bid{
		{Pair: pair, Version: 1, MinFee: decimal.NewFromInt(100), ValidFrom: t0, ValidUntil: t0.Add(time.Hour)},
		{Pair: pair, Version: 2, MinFee: decimal.NewFromInt(50), ValidFrom: t0.Add(2 * time.Hour), ValidUntil: t0.Add(3 * time.Hour)},
	})
}

func testIntent(fee int64, version uint64) transfer.Intent {
	return transfer.Intent{
		TransferID:       "t-1",
		SourceChain:      "ethereum",
		DestinationChain: "polygon",
		Amount:           decimal.NewFromInt(1000),
		Fee:              decimal.NewFromInt(fee),
		BidVersion:       version,
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator([]string{"ethereum", "polygon", "avalanche"},
		WithClock(func() time.Time { return t0.Add(30 * time.Minute) }))

	tests := []struct {
		name   string
		intent func() transfer.Intent
		reason string
	}{
		{
			name:   "accepted at exact minimum",
			intent: func() transfer.Intent { return testIntent(100, 1) },
		},
		{
			name: "unknown chain",
			intent: func() transfer.Intent {
				i := testIntent(100, 1)
				i.DestinationChain = "solana"
				return i
			},
			reason: transfer.ReasonUnsupportedChainPair,
		},
		{
			name: "supported chains without a table entry",
			intent: func() transfer.Intent {
				i := testIntent(100, 1)
				i.DestinationChain = "avalanche"
				return i
			},
			reason: transfer.ReasonUnsupportedChainPair,
		},
		{
			name:   "unknown bid version",
			intent: func() transfer.Intent { return testIntent(100, 9) },
			reason: transfer.ReasonBidNotFound,
		},
		{
			name:   "bid not yet valid",
			intent: func() transfer.Intent { return testIntent(100, 2) },
			reason: transfer.ReasonBidNotYetValid,
		},
		{
			name:   "fee below minimum",
			intent: func() transfer.Intent { return testIntent(99, 1) },
			reason: transfer.ReasonFeeBelowMinimum,
		},
		{
			// an underpriced bid outside its window reports the window
			name: "window checked before fee",
			intent: func() transfer.Intent {
				return testIntent(1, 2)
			},
			reason: transfer.ReasonBidNotYetValid,
		},
	}

	snap := testSnapshot()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(snap, tt.intent())
			if tt.reason == "" {
				require.NoError(t, err)
				require.Equal(t, uint64(1), got.Version)
				require.True(t, got.MinFee.Equal(decimal.NewFromInt(100)))
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			require.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestValidate_Expired(t *testing.T) {
	v := NewValidator([]string{"ethereum", "polygon"},
		WithClock(func() time.Time { return t0.Add(time.Hour) }))

	_, err := v.Validate(testSnapshot(), testIntent(500, 1))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, transfer.ReasonBidExpired, verr.Reason)
}

func TestValidate_Deterministic(t *testing.T) {
	v := NewValidator([]string{"ethereum", "polygon"},
		WithClock(func() time.Time { return t0.Add(time.Minute) }))
	snap := testSnapshot()

	first, err := v.Validate(snap, testIntent(150, 1))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := v.Validate(snap, testIntent(150, 1))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestValidate_NoSnapshot(t *testing.T) {
	v := NewValidator([]string{"ethereum", "polygon"})
	_, err := v.Validate(nil, testIntent(100, 1))
	require.ErrorIs(t, err, ErrNoSnapshot)
}
