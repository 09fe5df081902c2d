package candle

import (
	"context"
	"testing"
	"time"

	"qtf/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBars(n int) []market.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Bar, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = market.Bar{
			Symbol:    "BTCUSDT",
			Interval:  "1d",
			Timestamp: base.AddDate(0, 0, i),
			Open:      p, High: p + 1, Low: p - 1, Close: p + 0.5,
			Volume: 1000, Amount: p * 1000,
		}
	}
	return out
}

func TestStoreUpsertAndRange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	bars := testBars(10)
	n, err := store.Upsert(ctx, "BTCUSDT", "1d", bars)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got, err := store.Range(ctx, "BTCUSDT", "1d", bars[2].Timestamp, bars[5].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, bars[2].Timestamp, got[0].Timestamp)
	assert.InDelta(t, bars[2].Open, got[0].Open, 1e-9)
	require.NoError(t, market.ValidateBars("BTCUSDT", got))

	// 重复写入覆盖而不是报错
	bars[0].Close = 999
	_, err = store.Upsert(ctx, "BTCUSDT", "1d", bars[:1])
	require.NoError(t, err)
	got, err = store.Range(ctx, "BTCUSDT", "1d", bars[0].Timestamp, bars[0].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 999.0, got[0].Close, 1e-9)
}

func TestStoreLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	bars := testBars(10)
	_, err = store.Upsert(ctx, "BTCUSDT", "1d", bars)
	require.NoError(t, err)

	got, err := store.Latest(ctx, "BTCUSDT", "1d", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// 升序返回，最后一根是最新的
	assert.Equal(t, bars[9].Timestamp, got[2].Timestamp)
	assert.Equal(t, bars[7].Timestamp, got[0].Timestamp)
}

func TestStoreManifest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	bars := testBars(5)
	_, err = store.Upsert(ctx, "BTCUSDT", "1d", bars)
	require.NoError(t, err)

	m, err := store.Manifest(ctx, "BTCUSDT", "1d")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.Equal(t, int64(5), m.Rows)
	assert.Equal(t, bars[0].Timestamp.UnixMilli(), m.MinTime)
	assert.Equal(t, bars[4].Timestamp.UnixMilli(), m.MaxTime)
}

func TestEnsureRangeFetchesThenCaches(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	iv, _ := market.ParseInterval("1d")
	sim := market.NewSimulated(market.SimulatedConfig{Seed: 11})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 9)

	first, err := store.EnsureRange(ctx, sim, "ETHUSDT", iv, start, end)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// 第二次命中缓存，数据一致
	second, err := store.EnsureRange(ctx, sim, "ETHUSDT", iv, start, end)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Timestamp, second[i].Timestamp)
		assert.InDelta(t, first[i].Close, second[i].Close, 1e-9)
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Range(context.Background(), "", "1d", time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
	_, err = store.Upsert(context.Background(), "BTCUSDT", "", testBars(1))
	assert.Error(t, err)
}
