package nonce

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
	"github.com/chainsafe/transfer-relay/pkg/pgutil"
	mghelper "github.com/chainsafe/transfer-relay/pkg/pgutil/migrations"
)

func setupPGStore(t *testing.T) (context.Context, Store) {
	t.Helper()

	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	if err := mghelper.CreateSchema(ctx, db, &dao.NonceCounterDao{}, &dao.NonceGapDao{}); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return ctx, NewStore(db)
}

func TestPGStore_ConcurrentAllocate(t *testing.T) {
	ctx, store := setupPGStore(t)
	a := NewAllocator(store, zap.NewNop())

	const n = 32
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := a.Allocate(ctx, testSigner, testChain)
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			mu.Lock()
			got = append(got, nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, n)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, nonce := range got {
		require.Equal(t, uint64(i), nonce)
	}
}

func TestPGStore_IncrementHonoursFloor(t *testing.T) {
	ctx, store := setupPGStore(t)
	key := Key{Signer: testSigner, Chain: testChain}

	n, err := store.Increment(ctx, key, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	n, err = store.Increment(ctx, key, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(6), n)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPGStore_RollbackAndGaps(t *testing.T) {
	ctx, store := setupPGStore(t)
	a := NewAllocator(store, zap.NewNop())

	n0, err := a.Allocate(ctx, testSigner, testChain)
	require.NoError(t, err)
	n1, err := a.Allocate(ctx, testSigner, testChain)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, testSigner, testChain, n0, OutcomePermanentlyFailed))
	require.NoError(t, a.Release(ctx, testSigner, testChain, n1, OutcomePermanentlyFailed))

	// n0 became a gap, n1 was rolled back
	first, err := a.Allocate(ctx, testSigner, testChain)
	require.NoError(t, err)
	require.Equal(t, n0, first)
	second, err := a.Allocate(ctx, testSigner, testChain)
	require.NoError(t, err)
	require.Equal(t, n1, second)
}

func TestPGStore_ReplacementGapsAndResync(t *testing.T) {
	ctx, store := setupPGStore(t)
	key := Key{Signer: testSigner, Chain: testChain}

	require.NoError(t, store.AddGap(ctx, Gap{Key: key, Nonce: 2, Broadcast: true, FeeBumps: 1}))
	require.NoError(t, store.AddGap(ctx, Gap{Key: key, Nonce: 2, Broadcast: true, FeeBumps: 2}))
	require.NoError(t, store.AddGap(ctx, Gap{Key: key, Nonce: 4}))

	_, ok, err := store.TakeGap(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.TakeGap(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "broadcast gaps are not reusable")

	gaps, err := store.ReplacementGaps(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(2), gaps[0].Nonce)
	require.True(t, gaps[0].Broadcast)
	require.Equal(t, 2, gaps[0].FeeBumps)

	require.NoError(t, store.Resync(ctx, key, 3))
	gaps, err = store.ReplacementGaps(ctx)
	require.NoError(t, err)
	require.Empty(t, gaps)

	n, err := store.Increment(ctx, key, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}
