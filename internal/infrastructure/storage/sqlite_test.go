package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_level_bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTrade(id string) *domain.Trade {
	entry := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Trade{
		PositionID:  id,
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		Quantity:    0.1,
		Leverage:    5,
		EntryPrice:  50000,
		ExitPrice:   50150,
		EntryTime:   entry,
		ExitTime:    entry.Add(30 * time.Minute),
		ExitReason:  "primary_target",
		RealizedPnL: 15,
	}
}

func TestSQLiteStore_SaveAndListTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade("a")))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("b")))

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, "primary_target", trades[0].ExitReason)
	assert.InDelta(t, 15, trades[0].RealizedPnL, 1e-9)
}

func TestSQLiteStore_ListTradesLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveTrade(ctx, sampleTrade("x")))
	}
	trades, err := store.ListTrades(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}

func TestSQLiteStore_PositionSnapshotUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pos := &domain.Position{
		ID:            "p1",
		Symbol:        "ETHUSDT",
		Side:          domain.SideShort,
		EntryPrice:    3000,
		Quantity:      1,
		Leverage:      3,
		NotionalValue: 3000,
		EntryTime:     time.Now().UTC(),
		Status:        domain.StatusOpen,
		StopLossPrice: 3030,
	}
	require.NoError(t, store.SavePositionSnapshot(ctx, pos))

	pos.Status = domain.StatusClosed
	pos.ExitReason = "trailing_stop"
	pos.LockedProfitUSD = 20
	require.NoError(t, store.SavePositionSnapshot(ctx, pos))

	var status, reason string
	var locked float64
	row := store.db.QueryRow(`SELECT status, exit_reason, locked_profit_usd FROM positions WHERE id = ?`, "p1")
	require.NoError(t, row.Scan(&status, &reason, &locked))
	assert.Equal(t, "closed", status)
	assert.Equal(t, "trailing_stop", reason)
	assert.InDelta(t, 20, locked, 1e-9)

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&count))
	assert.Equal(t, 1, count, "second snapshot updates, not inserts")
}

func TestSQLiteStore_SaveOpportunities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opps := []*domain.Opportunity{
		{
			Symbol:      "BTCUSDT",
			Level:       &domain.PriceLevel{Price: 60000, LevelType: domain.LevelSupport},
			Direction:   domain.SideLong,
			Score:       72,
			Tradable:    true,
			GeneratedAt: time.Now().UTC(),
		},
		{
			Symbol:          "BTCUSDT",
			Level:           &domain.PriceLevel{Price: 62000, LevelType: domain.LevelResistance},
			Direction:       domain.SideShort,
			Score:           40,
			Tradable:        false,
			RejectionReason: "score below threshold",
			GeneratedAt:     time.Now().UTC(),
		},
	}
	require.NoError(t, store.SaveOpportunities(ctx, opps))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM opportunities`).Scan(&count))
	assert.Equal(t, 2, count)
}
