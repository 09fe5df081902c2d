package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"qtf/internal/market"
	"qtf/internal/store/candle"
	"qtf/internal/store/results"
	"qtf/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplates = `strategies:
  sma_cross:
    handler: sma_cross
    defaults:
      symbol: BTCUSDT
      fast_period: 3
      slow_period: 8
      volume: 1
`

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	dir := t.TempDir()

	tplPath := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(tplPath, []byte(testTemplates), 0o644))
	reg, err := strategy.NewRegistry(tplPath)
	require.NoError(t, err)

	candles, err := candle.NewStore(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { candles.Close() })

	res, err := results.NewStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })

	runner, err := NewRunner(RunnerConfig{
		Candles:  candles,
		Adapter:  market.NewSimulated(market.SimulatedConfig{Seed: 7}),
		Registry: reg,
		Results:  res,
	})
	require.NoError(t, err)
	return runner
}

func sampleParams() RunParams {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return RunParams{
		Strategy:       "sma_cross",
		Symbols:        []string{"btcusdt"},
		Interval:       "1d",
		StartTS:        start.UnixMilli(),
		EndTS:          start.AddDate(0, 0, 60).UnixMilli(),
		InitialCapital: 100000,
	}
}

func TestRunnerRunSync(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	runID, res, err := runner.RunSync(ctx, sampleParams())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Positive(t, res.Bars)
	assert.Len(t, res.EquityCurve, res.Bars)

	run, err := runner.results.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, results.StatusDone, run.Status)
	assert.Equal(t, res.Bars, run.Bars)
}

func TestRunnerSubmitAsync(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	runID, err := runner.Submit(sampleParams())
	require.NoError(t, err)
	runner.Wait()

	run, err := runner.results.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, results.StatusDone, run.Status)
}

func TestRunnerRejectsBadParams(t *testing.T) {
	runner := newTestRunner(t)

	p := sampleParams()
	p.Strategy = "nope"
	_, err := runner.Submit(p)
	assert.Error(t, err)

	p = sampleParams()
	p.Symbols = nil
	_, err = runner.Submit(p)
	assert.Error(t, err)

	p = sampleParams()
	p.EndTS = p.StartTS
	_, err = runner.Submit(p)
	assert.Error(t, err)

	p = sampleParams()
	p.Interval = "13x"
	_, err = runner.Submit(p)
	assert.Error(t, err)
}

func TestRunnerMarksFailedRun(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	// 策略模板存在但参数非法，执行期失败
	p := sampleParams()
	p.Params = map[string]any{"fast_period": 10, "slow_period": 5}
	runID, _, err := runner.RunSync(ctx, p)
	require.Error(t, err)

	run, err := runner.results.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, results.StatusFailed, run.Status)
	assert.NotEmpty(t, run.Message)
}
