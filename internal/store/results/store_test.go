package results

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"qtf/internal/engine"
	"qtf/internal/execution"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult() *engine.Result {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &engine.Result{
		StrategyID:     "sma_cross",
		Symbols:        []string{"BTCUSDT"},
		Interval:       "1d",
		StartTime:      base,
		EndTime:        base.AddDate(0, 0, 2),
		Bars:           3,
		InitialCapital: 100000,
		FinalEquity:    101000,
		TotalReturn:    0.01,
		TotalTrades:    2,
		WinRate:        1,
		EquityCurve: []engine.EquityPoint{
			{Time: base, Equity: 100000},
			{Time: base.AddDate(0, 0, 1), Equity: 100500},
			{Time: base.AddDate(0, 0, 2), Equity: 101000},
		},
		Fills: []execution.Fill{
			{ID: "f1", OrderID: "o1", Symbol: "BTCUSDT", Direction: execution.Buy, Price: 100, Volume: 10, Timestamp: base},
			{ID: "f2", OrderID: "o2", Symbol: "BTCUSDT", Direction: execution.Sell, Price: 110, Volume: 10,
				Realized: true, RealizedPnL: 100, Timestamp: base.AddDate(0, 0, 2)},
		},
		Orders: []*execution.Order{
			{ID: "o1", Symbol: "BTCUSDT", Direction: execution.Buy, Type: execution.Market,
				Volume: 10, Status: execution.Filled, FilledVolume: 10, FilledPrice: 100,
				CreateTime: base, UpdateTime: base},
		},
	}
}

func TestStoreSaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "run-1", "sma_cross", map[string]any{"interval": "1d"}))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, store.SaveResult(ctx, "run-1", sampleResult()))

	run, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, run.Status)
	assert.Equal(t, 3, run.Bars)
	assert.InDelta(t, 101000.0, run.FinalEquity, 1e-9)
	assert.Equal(t, "BTCUSDT", run.Symbols)
}

func TestStoreSaveResultDetails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveResult(ctx, "run-1", sampleResult()))

	curve, err := store.EquityCurve(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.InDelta(t, 100500.0, curve[1].Equity, 1e-9)

	fills, err := store.ListFills(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.True(t, fills[1].Realized)

	orders, err := store.ListOrders(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "FILLED", orders[0].Status)
}

func TestStoreSaveResultOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveResult(ctx, "run-1", sampleResult()))
	require.NoError(t, store.SaveResult(ctx, "run-1", sampleResult()))

	// 重跑不产生重复明细
	curve, err := store.EquityCurve(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, curve, 3)
}

func TestStoreMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "run-1", "s", nil))
	require.NoError(t, store.MarkFailed(ctx, "run-1", "数据缺失"))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "数据缺失", run.Message)

	assert.ErrorIs(t, store.MarkFailed(ctx, "nope", "x"), ErrRunNotFound)
	_, err = store.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStoreListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-1", "a", nil))
	require.NoError(t, store.CreateRun(ctx, "run-2", "b", nil))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
