package report

import (
	"os"
	"strings"
	"testing"
	"time"

	"qtf/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *engine.Result {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &engine.Result{
		StrategyID:     "sma_cross",
		Symbols:        []string{"BTCUSDT"},
		Interval:       "1d",
		InitialCapital: 100000,
		FinalEquity:    102000,
		TotalReturn:    0.02,
		MaxDrawdown:    0.01,
		EquityCurve: []engine.EquityPoint{
			{Time: base, Equity: 100000},
			{Time: base.AddDate(0, 0, 1), Equity: 101000},
			{Time: base.AddDate(0, 0, 2), Equity: 99990},
			{Time: base.AddDate(0, 0, 3), Equity: 102000},
		},
	}
}

func TestWriteHTML(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteHTML(dir, "run-1", sampleResult())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "sma_cross_run-1.html"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "权益曲线")
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "2024-01-02")
}

func TestWriteHTMLNilResult(t *testing.T) {
	_, err := WriteHTML(t.TempDir(), "run-1", nil)
	assert.Error(t, err)
}
