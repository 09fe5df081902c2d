package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qtfcfg "qtf/internal/config"

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

func testConfig(t *testing.T) *qtfcfg.Config {
	t.Helper()
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(tplPath, []byte(testTemplates), 0o644))

	cfgPath := filepath.Join(dir, "config.yaml")
	content := `
app:
  http_addr: "127.0.0.1:0"
  log_path: ""
data:
  source: simulated
  root: ` + filepath.Join(dir, "candles") + `
store:
  runs_db: ` + filepath.Join(dir, "runs.db") + `
strategy:
  templates_path: ` + tplPath + `
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	cfg, err := qtfcfg.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func TestBuildAppBacktestOnly(t *testing.T) {
	cfg := testConfig(t)

	a, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.Runner())
	assert.NotNil(t, a.http)
	assert.Nil(t, a.live)
}

func TestBuildAppWithLive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Live.Enabled = true
	cfg.Live.Strategy = "sma_cross"
	cfg.Live.Symbols = []string{"BTCUSDT"}
	cfg.Live.Interval = "1m"

	a, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.live)
}

func TestBuildAppRejectsNilConfig(t *testing.T) {
	_, err := NewAppBuilder(nil).Build(context.Background())
	assert.Error(t, err)

	_, err = NewApp(nil)
	assert.Error(t, err)
}

func TestBuildAppUnknownLiveStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Live.Enabled = true
	cfg.Live.Strategy = "ghost"
	cfg.Live.Symbols = []string{"BTCUSDT"}

	_, err := NewAppBuilder(cfg).Build(context.Background())
	assert.Error(t, err)
}
