package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qtf/internal/event"
	"qtf/internal/execution"
	"qtf/internal/logger"
	"qtf/internal/market"
)

// BacktestConfig 回测参数。
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	SlippageRate   float64 `mapstructure:"slippage_rate"`
	ExpiryBars     int     `mapstructure:"expiry_bars"`
	HistoryDepth   int     `mapstructure:"history_depth"`
	Interval       string  `mapstructure:"interval"`
}

var btLog = logger.For("backtest")

// Backtest 历史行情回放引擎：多标的 bar 按时间归并后逐根驱动
// 撮合器与策略。整个回放在调用方协程内同步完成，同样的输入
// 必然产出逐字节一致的权益曲线。
type Backtest struct {
	cfg      BacktestConfig
	strategy Strategy
	data     map[string][]market.Bar
	symbols  []string

	bus *event.Bus
	sim *execution.Simulator
	ctx *Context
	now time.Time

	errors []event.ErrorPayload
}

// NewBacktest 创建回测引擎。
func NewBacktest(cfg BacktestConfig) *Backtest {
	if cfg.Interval == "" {
		cfg.Interval = "1d"
	}
	return &Backtest{
		cfg:  cfg,
		data: make(map[string][]market.Bar),
	}
}

// SetStrategy 绑定策略，Run 之前必须调用。
func (b *Backtest) SetStrategy(s Strategy) { b.strategy = s }

// AddData 注入一个标的的历史 bar。时间戳必须严格递增，
// 乱序数据立刻返回 DataOrderError，绝不静默重排。
func (b *Backtest) AddData(symbol string, bars []market.Bar) error {
	if symbol == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if len(bars) == 0 {
		return fmt.Errorf("%s: 数据为空", symbol)
	}
	if err := market.ValidateBars(symbol, bars); err != nil {
		return err
	}
	if _, dup := b.data[symbol]; dup {
		return fmt.Errorf("%s: 数据重复注入", symbol)
	}
	b.data[symbol] = bars
	b.symbols = append(b.symbols, symbol)
	sort.Strings(b.symbols)
	return nil
}

// Run 执行回放并产出结果。策略 OnInit/OnStart 的错误是致命的；
// 行情回调里的错误被捕获成 error 事件后继续回放。
func (b *Backtest) Run(ctx context.Context) (*Result, error) {
	if b.strategy == nil {
		return nil, fmt.Errorf("未设置策略")
	}
	if len(b.data) == 0 {
		return nil, fmt.Errorf("未注入任何行情数据")
	}
	interval, err := market.ParseInterval(b.cfg.Interval)
	if err != nil {
		return nil, err
	}

	merged := b.mergeBars()
	b.now = merged[0].Timestamp

	b.bus = event.NewBus(0)
	b.sim = execution.NewSimulator(execution.SimulatorConfig{
		InitialCapital: b.cfg.InitialCapital,
		CommissionRate: b.cfg.CommissionRate,
		SlippageRate:   b.cfg.SlippageRate,
		ExpiryBars:     b.cfg.ExpiryBars,
	}, b.bus)
	b.sim.SetClock(b.now)
	b.ctx = newContext(b.strategy.ID(), b.bus, b.sim, func() time.Time { return b.now }, b.cfg.HistoryDepth, false)
	b.registerHandlers()

	btLog.Infof("开始回放: strategy=%s symbols=%v bars=%d",
		b.strategy.ID(), b.symbols, len(merged))

	if err := b.strategy.OnInit(b.ctx); err != nil {
		return nil, fmt.Errorf("策略初始化失败: %w", err)
	}
	if err := b.strategy.OnStart(b.ctx); err != nil {
		return nil, fmt.Errorf("策略启动失败: %w", err)
	}
	b.bus.Dispatch(event.NewAt(event.TypeStrategyStart, b.now, "backtest", b.strategy.ID()))

	curve := make([]EquityPoint, 0, len(merged))
	for i, bar := range merged {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		b.now = bar.Timestamp
		// 先撮合再推给策略：上一根 bar 挂出的订单在本根成交，
		// 策略在 OnBar 里看到的已经是成交后的账户。
		b.sim.OnBar(bar)
		b.ctx.pushBar(bar)
		b.bus.Dispatch(event.NewAt(event.TypeBar, bar.Timestamp, "backtest", bar))
		b.sim.MarkToMarket(bar.Symbol, bar.Close, bar.Timestamp)
		for _, tp := range b.ctx.advanceTimers(bar.Timestamp) {
			b.bus.Dispatch(event.NewAt(event.TypeTimer, tp.FiredAt, "backtest", tp))
		}
		// 同刻多标的只记一个权益点：等该时间戳的最后一根 bar 处理完再采样。
		if i+1 == len(merged) || !merged[i+1].Timestamp.Equal(bar.Timestamp) {
			curve = append(curve, EquityPoint{Time: bar.Timestamp, Equity: b.sim.Equity()})
		}
	}

	if err := b.strategy.OnStop(b.ctx); err != nil {
		btLog.Warnf("策略停止回调出错: %v", err)
	}
	b.bus.Dispatch(event.NewAt(event.TypeStrategyStop, b.now, "backtest", b.strategy.ID()))
	b.ctx.stopTimers()

	res := b.buildResult(merged, curve, interval)
	btLog.Infof("回放完成: return=%.2f%% maxdd=%.2f%% trades=%d errors=%d",
		res.TotalReturn*100, res.MaxDrawdown*100, res.TotalTrades, len(res.Errors))
	return res, nil
}

// mergeBars 把各标的的 bar 按 (时间戳, symbol) 归并成单一时间线。
// symbol 取字典序，保证同刻多标的的处理顺序确定。
func (b *Backtest) mergeBars() []market.Bar {
	total := 0
	cursor := make(map[string]int, len(b.data))
	for _, bars := range b.data {
		total += len(bars)
	}
	merged := make([]market.Bar, 0, total)
	for len(merged) < total {
		best := ""
		for _, sym := range b.symbols {
			i := cursor[sym]
			if i >= len(b.data[sym]) {
				continue
			}
			if best == "" {
				best = sym
				continue
			}
			bi, ci := b.data[best][cursor[best]], b.data[sym][i]
			if ci.Timestamp.Before(bi.Timestamp) {
				best = sym
			}
		}
		merged = append(merged, b.data[best][cursor[best]])
		cursor[best]++
	}
	return merged
}

func (b *Backtest) registerHandlers() {
	bindStrategy(b.bus, b.strategy, b.ctx)
	b.bus.Register(event.TypeError, func(ev event.Event) error {
		if p, ok := ev.Data.(event.ErrorPayload); ok {
			b.errors = append(b.errors, p)
			btLog.Warnf("策略回调出错: origin=%s err=%v", p.Origin, p.Err)
		}
		return nil
	})
}

// bindStrategy 把策略回调挂到总线上。负载类型不匹配按错误事件处理。
func bindStrategy(bus *event.Bus, st Strategy, ctx *Context) {
	bus.Register(event.TypeBar, func(ev event.Event) error {
		bar, ok := ev.Data.(market.Bar)
		if !ok {
			return fmt.Errorf("bar 事件负载类型错误: %T", ev.Data)
		}
		return st.OnBar(ctx, bar)
	})
	bus.Register(event.TypeQuote, func(ev event.Event) error {
		q, ok := ev.Data.(market.Quote)
		if !ok {
			return fmt.Errorf("quote 事件负载类型错误: %T", ev.Data)
		}
		return st.OnQuote(ctx, q)
	})
	bus.Register(event.TypeOrder, func(ev event.Event) error {
		o, ok := ev.Data.(*execution.Order)
		if !ok {
			return fmt.Errorf("order 事件负载类型错误: %T", ev.Data)
		}
		return st.OnOrder(ctx, o)
	})
	bus.Register(event.TypeTrade, func(ev event.Event) error {
		f, ok := ev.Data.(execution.Fill)
		if !ok {
			return fmt.Errorf("trade 事件负载类型错误: %T", ev.Data)
		}
		return st.OnTrade(ctx, f)
	})
	bus.Register(event.TypeTimer, func(ev event.Event) error {
		tp, ok := ev.Data.(event.TimerPayload)
		if !ok {
			return fmt.Errorf("timer 事件负载类型错误: %T", ev.Data)
		}
		return st.OnTimer(ctx, tp)
	})
	// 其余类型没有专属回调，统一走 OnEvent。
	for _, t := range []event.Type{
		event.TypeLog, event.TypeError,
		event.TypePosition, event.TypeAccount,
		event.TypeEngineStart, event.TypeEngineStop,
		event.TypeStrategyStart, event.TypeStrategyStop,
	} {
		bus.Register(t, func(ev event.Event) error {
			return st.OnEvent(ctx, ev)
		})
	}
}

func (b *Backtest) buildResult(merged []market.Bar, curve []EquityPoint, interval market.Interval) *Result {
	res := &Result{
		StrategyID:     b.strategy.ID(),
		Symbols:        append([]string(nil), b.symbols...),
		Interval:       interval.Key,
		StartTime:      merged[0].Timestamp,
		EndTime:        merged[len(merged)-1].Timestamp,
		Bars:           len(merged),
		InitialCapital: b.sim.InitialCapital(),
		EquityCurve:    curve,
		Fills:          b.sim.Fills(),
		Orders:         b.sim.GetOrders("", ""),
		Account:        b.sim.GetAccount(),
		Positions:      b.sim.GetPositions(),
		Errors:         b.errors,
	}
	computeMetrics(res, interval)
	return res
}
