package config

import "strings"

// Config 是 qtf 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Data     DataConfig     `toml:"data"`
	Backtest BacktestConfig `toml:"backtest"`
	Live     LiveConfig     `toml:"live"`
	Store    StoreConfig    `toml:"store"`
	Strategy StrategyConfig `toml:"strategy"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// DataConfig 控制行情数据来源与本地缓存。
type DataConfig struct {
	Source string `toml:"source"` // "binance" | "simulated"
	Root   string `toml:"root"`   // K 线缓存目录

	Binance BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	RESTBaseURL string `toml:"rest_base_url"`
	ProxyURL    string `toml:"proxy_url"`
}

type BacktestConfig struct {
	InitialCapital float64 `toml:"initial_capital"`
	CommissionRate float64 `toml:"commission_rate"`
	SlippageRate   float64 `toml:"slippage_rate"`
	ExpiryBars     int     `toml:"expiry_bars"`
	HistoryDepth   int     `toml:"history_depth"`
	Interval       string  `toml:"interval"`
	MaxConcurrent  int     `toml:"max_concurrent"`
	ReportDir      string  `toml:"report_dir"`
}

// LiveConfig 控制实盘引擎。Enabled 关闭时应用只提供回测 API。
type LiveConfig struct {
	Enabled      bool           `toml:"enabled"`
	Strategy     string         `toml:"strategy"`
	Params       map[string]any `toml:"params"`
	Symbols      []string       `toml:"symbols"`
	Interval     string         `toml:"interval"`
	QueueSize    int            `toml:"queue_size"`
	HistoryDepth int            `toml:"history_depth"`
	PreloadBars  int            `toml:"preload_bars"`
}

type StoreConfig struct {
	RunsDB string `toml:"runs_db"`
}

type StrategyConfig struct {
	TemplatesPath string `toml:"templates_path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
