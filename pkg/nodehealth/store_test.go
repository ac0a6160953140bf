package nodehealth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
	"github.com/chainsafe/transfer-relay/pkg/pgutil"
	mghelper "github.com/chainsafe/transfer-relay/pkg/pgutil/migrations"
)

func TestPGStore_SaveUpserts(t *testing.T) {
	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	if err := mghelper.CreateSchema(ctx, db, &dao.NodeHealthDao{}); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	store := NewStore(db)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Save(ctx, []ChainHealth{
		{Blockchain: "ethereum", HealthyTotal: 2, UnhealthyEndpoints: []string{}, UpdatedAt: now},
	}))
	require.NoError(t, store.Save(ctx, []ChainHealth{
		{Blockchain: "ethereum", HealthyTotal: 1, UnhealthyTotal: 1, UnhealthyEndpoints: []string{"https://a.example/ff"}, UpdatedAt: now},
		{Blockchain: "polygon", HealthyTotal: 1, UnhealthyEndpoints: []string{}, UpdatedAt: now},
	}))

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ethereum", got[0].Blockchain)
	require.Equal(t, 1, got[0].UnhealthyTotal)
	require.Equal(t, []string{"https://a.example/ff"}, got[0].UnhealthyEndpoints)
	require.Equal(t, "polygon", got[1].Blockchain)
	pgutil.AssertRowCount(t, db, "node_health", 2)
}
