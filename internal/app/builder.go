package app

import (
	"context"
	"fmt"
	"strings"

	qtfcfg "qtf/internal/config"
	"qtf/internal/engine"
	"qtf/internal/execution"
	"qtf/internal/logger"
	"qtf/internal/market"
	"qtf/internal/market/binance"
	"qtf/internal/service"
	"qtf/internal/store/candle"
	"qtf/internal/store/results"
	"qtf/internal/strategy"
	httpapi "qtf/internal/transport/http"
)

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *qtfcfg.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

// AppBuilder 把各个依赖的构建步骤拆成可替换的函数，测试时可以
// 注入替身。
type AppBuilder struct {
	cfg *qtfcfg.Config

	adapterFn func(*qtfcfg.Config) (market.Adapter, error)
	brokerFn  func(*qtfcfg.Config) execution.Broker
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *qtfcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		adapterFn: buildAdapter,
		brokerFn:  buildBroker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithAdapter 覆盖行情适配器构建。
func WithAdapter(fn func(*qtfcfg.Config) (market.Adapter, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.adapterFn = fn }
}

// WithBroker 覆盖实盘 broker 构建。
func WithBroker(fn func(*qtfcfg.Config) execution.Broker) AppBuilderOption {
	return func(b *AppBuilder) { b.brokerFn = fn }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	adapter, err := b.adapterFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化行情适配器失败: %w", err)
	}
	logger.Infof("✓ 行情来源: %s", adapter.Name())

	candles, err := candle.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	runs, err := results.NewStore(cfg.Store.RunsDB)
	if err != nil {
		_ = candles.Close()
		return nil, fmt.Errorf("初始化结果存储失败: %w", err)
	}

	registry, err := strategy.NewRegistry(cfg.Strategy.TemplatesPath)
	if err != nil {
		_ = candles.Close()
		_ = runs.Close()
		return nil, fmt.Errorf("初始化策略模板失败: %w", err)
	}
	logger.Infof("✓ 策略模板: %v", registry.IDs())

	runner, err := service.NewRunner(service.RunnerConfig{
		Candles:       candles,
		Adapter:       adapter,
		Registry:      registry,
		Results:       runs,
		ReportDir:     cfg.Backtest.ReportDir,
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		_ = candles.Close()
		_ = runs.Close()
		return nil, err
	}

	httpSrv, err := httpapi.NewServer(httpapi.Config{
		Addr:     cfg.App.HTTPAddr,
		Runner:   runner,
		Results:  runs,
		Registry: registry,
		Candles:  candles,
	})
	if err != nil {
		_ = candles.Close()
		_ = runs.Close()
		return nil, err
	}

	app := &App{
		cfg:     cfg,
		runner:  runner,
		http:    httpSrv,
		closers: []func() error{candles.Close, runs.Close},
	}

	if cfg.Live.Enabled {
		live, err := b.buildLive(cfg, adapter, registry)
		if err != nil {
			app.close()
			return nil, err
		}
		app.live = live
	}
	return app, nil
}

func (b *AppBuilder) buildLive(cfg *qtfcfg.Config, adapter market.Adapter, registry *strategy.Registry) (*engine.Live, error) {
	st, err := registry.Build(cfg.Live.Strategy, cfg.Live.Params)
	if err != nil {
		return nil, fmt.Errorf("构建实盘策略失败: %w", err)
	}
	broker := b.brokerFn(cfg)
	live, err := engine.NewLive(engine.LiveConfig{
		Symbols:      cfg.Live.Symbols,
		Interval:     cfg.Live.Interval,
		QueueSize:    cfg.Live.QueueSize,
		HistoryDepth: cfg.Live.HistoryDepth,
		PreloadBars:  cfg.Live.PreloadBars,
	}, adapter, broker, st)
	if err != nil {
		return nil, fmt.Errorf("构建实盘引擎失败: %w", err)
	}
	return live, nil
}

func buildAdapter(cfg *qtfcfg.Config) (market.Adapter, error) {
	switch strings.ToLower(cfg.Data.Source) {
	case "simulated":
		return market.NewSimulated(market.SimulatedConfig{}), nil
	case "binance", "":
		return binance.New(binance.Config{
			RESTBaseURL:  cfg.Data.Binance.RESTBaseURL,
			ProxyEnabled: cfg.Data.Binance.ProxyURL != "",
			RESTProxyURL: cfg.Data.Binance.ProxyURL,
		})
	default:
		return nil, fmt.Errorf("未知数据源: %s", cfg.Data.Source)
	}
}

// buildBroker 实盘目前只接模拟撮合，真实下单通道后续接入。
func buildBroker(cfg *qtfcfg.Config) execution.Broker {
	return execution.NewSimulator(execution.SimulatorConfig{
		AccountID:      "live-paper",
		InitialCapital: cfg.Backtest.InitialCapital,
		CommissionRate: cfg.Backtest.CommissionRate,
		SlippageRate:   cfg.Backtest.SlippageRate,
		ExpiryBars:     cfg.Backtest.ExpiryBars,
	}, nil)
}
