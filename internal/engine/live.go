package engine

import (
	"context"
	"fmt"
	"time"

	"qtf/internal/event"
	"qtf/internal/execution"
	"qtf/internal/logger"
	"qtf/internal/market"
)

var liveLog = logger.For("live")

// LiveConfig 实盘运行参数。
type LiveConfig struct {
	Symbols      []string `mapstructure:"symbols"`
	Interval     string   `mapstructure:"interval"`
	QueueSize    int      `mapstructure:"queue_size"`
	HistoryDepth int      `mapstructure:"history_depth"`
	PreloadBars  int      `mapstructure:"preload_bars"`
}

// Live 实盘引擎：行情适配器的回调被转成事件压入总线，
// 由总线的单消费协程串行驱动策略，和回测走同一条代码路径。
// 实时 quote 会按配置的周期聚合成 bar 再派发。
type Live struct {
	cfg      LiveConfig
	adapter  market.Adapter
	broker   execution.Broker
	strategy Strategy

	bus      *event.Bus
	ctx      *Context
	interval market.Interval
	bars     map[string]*market.Bar // 聚合中的未完成 bar
	stopped  chan struct{}
}

// NewLive 创建实盘引擎。
func NewLive(cfg LiveConfig, adapter market.Adapter, broker execution.Broker, strategy Strategy) (*Live, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("未配置任何标的")
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	iv, err := market.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	return &Live{
		cfg:      cfg,
		adapter:  adapter,
		broker:   broker,
		strategy: strategy,
		interval: iv,
		bars:     make(map[string]*market.Bar),
		stopped:  make(chan struct{}),
	}, nil
}

// Run 启动并阻塞到 ctx 取消或 Stop 被调用。
func (l *Live) Run(ctx context.Context) error {
	l.bus = event.NewBus(l.cfg.QueueSize)
	l.ctx = newContext(l.strategy.ID(), l.bus, l.broker, time.Now, l.cfg.HistoryDepth, true)
	// 历史窗口只在总线消费协程里更新，先于策略的 bar 回调注册。
	l.bus.Register(event.TypeBar, func(ev event.Event) error {
		if bar, ok := ev.Data.(market.Bar); ok {
			l.ctx.pushBar(bar)
		}
		return nil
	})
	bindStrategy(l.bus, l.strategy, l.ctx)
	l.bus.Register(event.TypeError, func(ev event.Event) error {
		if p, ok := ev.Data.(event.ErrorPayload); ok {
			liveLog.Errorf("策略回调出错: origin=%s err=%v", p.Origin, p.Err)
		}
		return nil
	})

	if err := l.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("行情连接失败: %w", err)
	}
	if err := l.broker.Connect(ctx); err != nil {
		return fmt.Errorf("交易通道连接失败: %w", err)
	}
	if err := l.preloadHistory(ctx); err != nil {
		liveLog.Warnf("历史预热失败: %v", err)
	}

	if err := l.strategy.OnInit(l.ctx); err != nil {
		return fmt.Errorf("策略初始化失败: %w", err)
	}
	if err := l.bus.Start(); err != nil {
		return err
	}
	if err := l.strategy.OnStart(l.ctx); err != nil {
		l.bus.Stop()
		return fmt.Errorf("策略启动失败: %w", err)
	}

	l.adapter.OnQuote(l.handleQuote)
	if err := l.adapter.Subscribe(l.cfg.Symbols); err != nil {
		liveLog.Errorf("订阅失败: %v", err)
	}
	l.bus.PublishNowait(event.New(event.TypeEngineStart, "live", l.strategy.ID()))
	liveLog.Infof("启动完成: strategy=%s symbols=%v interval=%s",
		l.strategy.ID(), l.cfg.Symbols, l.interval.Key)

	select {
	case <-ctx.Done():
	case <-l.stopped:
	}
	return l.shutdown(context.Background())
}

// Stop 请求停机，Run 返回前完成优雅收尾。
func (l *Live) Stop() {
	select {
	case <-l.stopped:
	default:
		close(l.stopped)
	}
}

func (l *Live) shutdown(ctx context.Context) error {
	liveLog.Infof("停机中")
	if err := l.adapter.Unsubscribe(l.cfg.Symbols); err != nil {
		liveLog.Warnf("退订失败: %v", err)
	}
	if err := l.adapter.Disconnect(ctx); err != nil {
		liveLog.Warnf("行情断开失败: %v", err)
	}
	// 只处理已入队事件，不再接收新事件
	if !l.bus.WaitEmpty(5 * time.Second) {
		liveLog.Warnf("队列未排空，强制停机")
	}
	l.bus.Stop()
	l.ctx.stopTimers()
	if err := l.strategy.OnStop(l.ctx); err != nil {
		liveLog.Warnf("策略停止回调出错: %v", err)
	}
	if err := l.broker.Disconnect(ctx); err != nil {
		liveLog.Warnf("交易通道断开失败: %v", err)
	}
	liveLog.Infof("已停机")
	return nil
}

// preloadHistory 回填历史 bar，让策略启动即有完整指标窗口。
func (l *Live) preloadHistory(ctx context.Context) error {
	n := l.cfg.PreloadBars
	if n <= 0 {
		return nil
	}
	end := time.Now()
	start := end.Add(-time.Duration(n) * l.interval.Duration)
	for _, sym := range l.cfg.Symbols {
		bars, err := l.adapter.GetHistory(ctx, sym, start, end, l.interval)
		if err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
		for _, bar := range bars {
			l.ctx.pushBar(bar)
		}
		liveLog.Infof("预热 %s: %d bars", sym, len(bars))
	}
	return nil
}

// handleQuote 行情回调：quote 原样入队，同时做 bar 聚合。
// 回调来自适配器协程，只做聚合和入队，重活交给总线消费方。
func (l *Live) handleQuote(q market.Quote) {
	if err := l.bus.PublishNowait(event.NewAt(event.TypeQuote, q.Timestamp, "live", q)); err != nil {
		liveLog.Warnf("quote 事件丢弃: %v", err)
	}
	if done := l.aggregate(q); done != nil {
		if err := l.bus.PublishNowait(event.NewAt(event.TypeBar, done.Timestamp, "live", *done)); err != nil {
			liveLog.Warnf("bar 事件丢弃: %v", err)
		}
	}
}

// aggregate 把逐笔 quote 聚合成周期 bar，跨过周期边界时返回完成的 bar。
func (l *Live) aggregate(q market.Quote) *market.Bar {
	bucket := l.interval.AlignDown(q.Timestamp)
	cur := l.bars[q.Symbol]
	if cur == nil {
		l.bars[q.Symbol] = newAggBar(q, bucket, l.interval.Key)
		return nil
	}
	if bucket.After(cur.Timestamp) {
		done := *cur
		l.bars[q.Symbol] = newAggBar(q, bucket, l.interval.Key)
		return &done
	}
	price := q.LastPrice
	if price > 0 {
		if price > cur.High {
			cur.High = price
		}
		if price < cur.Low {
			cur.Low = price
		}
		cur.Close = price
	}
	cur.Volume += q.Volume
	return nil
}

func newAggBar(q market.Quote, bucket time.Time, interval string) *market.Bar {
	p := q.LastPrice
	return &market.Bar{
		Symbol:    q.Symbol,
		Interval:  interval,
		Timestamp: bucket,
		Open:      p,
		High:      p,
		Low:       p,
		Close:     p,
		Volume:    q.Volume,
		Source:    q.Source,
	}
}
