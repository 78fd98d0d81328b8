package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lpguard/internal/domain"
	"lpguard/internal/storage"
)

func testSnapshot(strategyID string, at time.Time, nav string) *domain.ValuationSnapshot {
	return &domain.ValuationSnapshot{
		StrategyID:    strategyID,
		Timestamp:     at,
		CostBasis:     decimal.RequireFromString("1000"),
		AccruedFees:   decimal.RequireFromString("15"),
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.RequireFromString("-20"),
		Cash:          decimal.RequireFromString("500"),
		CurrentValue:  decimal.RequireFromString("1015"),
		NAV:           decimal.RequireFromString(nav),
	}
}

func TestValuationSnapshotStoreRoundTrip(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewValuationSnapshotStore(conn)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	snaps := []*domain.ValuationSnapshot{
		testSnapshot("strat-1", base, "1515"),
		testSnapshot("strat-1", base.Add(time.Minute), "1520"),
		testSnapshot("strat-2", base, "900"),
	}
	require.NoError(t, store.InsertBulk(ctx, snaps))

	latest, err := store.GetLatest(ctx, "strat-1")
	require.NoError(t, err)
	require.True(t, latest.NAV.Equal(decimal.RequireFromString("1520")))
	require.True(t, latest.UnrealizedPnL.Equal(decimal.RequireFromString("-20")))

	_, err = store.GetLatest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	list, err := store.ListByStrategy(ctx, "strat-1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.True(t, list[0].Timestamp.Before(list[1].Timestamp))
}

func TestValuationSnapshotStoreEmptyBulk(t *testing.T) {
	store := NewValuationSnapshotStore(nil)
	require.NoError(t, store.InsertBulk(context.Background(), nil))
}

func TestPnLCurveStoreRoundTrip(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	store := NewPnLCurveStore(conn)
	ctx := context.Background()

	points := []CurvePoint{
		{Price: 900, PnL: -50},
		{Price: 1000, PnL: 0},
		{Price: 1100, PnL: 40},
	}
	require.NoError(t, store.InsertRun(ctx, "run-1", time.Now().UTC(), points))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, points, got)
}
