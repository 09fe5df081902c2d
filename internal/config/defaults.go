package config

import "strings"

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9980"
	defaultAppLogPath       = "logs/qtf.log"
	defaultDataSource       = "binance"
	defaultDataRoot         = "data/candles"
	defaultBinanceREST      = "https://fapi.binance.com"
	defaultInitialCapital   = 100000
	defaultCommissionRate   = 0.001
	defaultBacktestInterval = "1d"
	defaultExpiryBars       = 10
	defaultHistoryDepth     = 500
	defaultMaxConcurrent    = 2
	defaultReportDir        = "reports"
	defaultLiveInterval     = "1m"
	defaultLiveQueueSize    = 1024
	defaultPreloadBars      = 200
	defaultRunsDB           = "data/runs.db"
	defaultTemplatesPath    = "configs/strategies.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.source", &d.Source, defaultDataSource),
		stringFieldDefault("data.root", &d.Root, defaultDataRoot),
		stringFieldDefault("data.binance.rest_base_url", &d.Binance.RESTBaseURL, defaultBinanceREST),
	)
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "backtest.initial_capital",
			need:  func() bool { return b.InitialCapital <= 0 },
			apply: func() { b.InitialCapital = defaultInitialCapital },
		},
		fieldDefault{
			key:   "backtest.commission_rate",
			need:  func() bool { return b.CommissionRate <= 0 },
			apply: func() { b.CommissionRate = defaultCommissionRate },
		},
		fieldDefault{
			key:   "backtest.expiry_bars",
			need:  func() bool { return b.ExpiryBars <= 0 },
			apply: func() { b.ExpiryBars = defaultExpiryBars },
		},
		fieldDefault{
			key:   "backtest.history_depth",
			need:  func() bool { return b.HistoryDepth <= 0 },
			apply: func() { b.HistoryDepth = defaultHistoryDepth },
		},
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = defaultMaxConcurrent },
		},
		stringFieldDefault("backtest.interval", &b.Interval, defaultBacktestInterval),
		stringFieldDefault("backtest.report_dir", &b.ReportDir, defaultReportDir),
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("live.interval", &l.Interval, defaultLiveInterval),
		fieldDefault{
			key:   "live.queue_size",
			need:  func() bool { return l.QueueSize <= 0 },
			apply: func() { l.QueueSize = defaultLiveQueueSize },
		},
		fieldDefault{
			key:   "live.history_depth",
			need:  func() bool { return l.HistoryDepth <= 0 },
			apply: func() { l.HistoryDepth = defaultHistoryDepth },
		},
		fieldDefault{
			key:   "live.preload_bars",
			need:  func() bool { return l.PreloadBars <= 0 },
			apply: func() { l.PreloadBars = defaultPreloadBars },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.runs_db", &s.RunsDB, defaultRunsDB),
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.templates_path", &s.TemplatesPath, defaultTemplatesPath),
	)
}

// Helper functions

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
