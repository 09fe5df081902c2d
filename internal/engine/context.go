package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qtf/internal/event"
	"qtf/internal/execution"
	"qtf/internal/logger"
	"qtf/internal/market"
)

var engineLog = logger.For("engine")

// Clock 返回策略眼中的当前时间。回测里是最近一根 bar 的时间，
// 实盘里是墙上时钟。
type Clock func() time.Time

// Context 策略与框架之间的唯一通道：时间、行情历史、账户持仓查询、
// 下单撤单、变量存取与定时器。所有方法都设计为在事件回调内调用。
type Context struct {
	strategyID string
	bus        *event.Bus
	broker     execution.Broker
	clock      Clock
	live       bool

	historyDepth int
	history      map[string][]market.Bar

	varsMu sync.RWMutex
	vars   map[string]any

	timersMu sync.Mutex
	timers   map[string]*timerEntry
}

type timerEntry struct {
	id       string
	interval time.Duration
	next     time.Time
	cancel   chan struct{} // 仅实盘使用
}

func newContext(strategyID string, bus *event.Bus, broker execution.Broker, clock Clock, historyDepth int, live bool) *Context {
	if historyDepth <= 0 {
		historyDepth = 500
	}
	return &Context{
		strategyID:   strategyID,
		bus:          bus,
		broker:       broker,
		clock:        clock,
		live:         live,
		historyDepth: historyDepth,
		history:      make(map[string][]market.Bar),
		vars:         make(map[string]any),
		timers:       make(map[string]*timerEntry),
	}
}

// Now 当前策略时间。
func (c *Context) Now() time.Time { return c.clock() }

// pushBar 维护每个 symbol 的滚动历史窗口，引擎在派发 bar 前调用。
func (c *Context) pushBar(bar market.Bar) {
	h := append(c.history[bar.Symbol], bar)
	if len(h) > c.historyDepth {
		h = h[len(h)-c.historyDepth:]
	}
	c.history[bar.Symbol] = h
}

// History 返回最近 n 根 bar（n<=0 返回全部），时间升序。
func (c *Context) History(symbol string, n int) []market.Bar {
	h := c.history[symbol]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]market.Bar, len(h))
	copy(out, h)
	return out
}

// Closes 返回最近 n 个收盘价，便于直接喂给指标计算。
func (c *Context) Closes(symbol string, n int) []float64 {
	h := c.History(symbol, n)
	out := make([]float64, len(h))
	for i, b := range h {
		out[i] = b.Close
	}
	return out
}

// Buy 限价买入。
func (c *Context) Buy(symbol string, price, volume float64) (string, error) {
	return c.submit(symbol, execution.Buy, execution.Limit, price, 0, volume)
}

// BuyMarket 市价买入。
func (c *Context) BuyMarket(symbol string, volume float64) (string, error) {
	return c.submit(symbol, execution.Buy, execution.Market, 0, 0, volume)
}

// Sell 限价卖出。
func (c *Context) Sell(symbol string, price, volume float64) (string, error) {
	return c.submit(symbol, execution.Sell, execution.Limit, price, 0, volume)
}

// SellMarket 市价卖出。
func (c *Context) SellMarket(symbol string, volume float64) (string, error) {
	return c.submit(symbol, execution.Sell, execution.Market, 0, 0, volume)
}

// StopOrder 触发价订单。limitPrice 为 0 时触发后按市价成交。
func (c *Context) StopOrder(symbol string, dir execution.Direction, stopPrice, limitPrice, volume float64) (string, error) {
	typ := execution.Stop
	if limitPrice > 0 {
		typ = execution.StopLimit
	}
	return c.submit(symbol, dir, typ, limitPrice, stopPrice, volume)
}

func (c *Context) submit(symbol string, dir execution.Direction, typ execution.OrderType, price, stopPrice, volume float64) (string, error) {
	o := &execution.Order{
		Symbol:     symbol,
		Direction:  dir,
		Type:       typ,
		Price:      price,
		StopPrice:  stopPrice,
		Volume:     volume,
		StrategyID: c.strategyID,
	}
	return c.SubmitOrder(o)
}

// SubmitOrder 直接提交一张自行构造的订单。
// 实盘通道断开期间拒收新订单，避免重连后补发过期指令。
func (c *Context) SubmitOrder(o *execution.Order) (string, error) {
	if c.live && !c.broker.Connected() {
		return "", fmt.Errorf("broker 未连接，订单被拒收")
	}
	if o.StrategyID == "" {
		o.StrategyID = c.strategyID
	}
	return c.broker.PlaceOrder(context.Background(), o)
}

// Cancel 撤单，语义见 Broker.CancelOrder。
func (c *Context) Cancel(orderID string) error {
	return c.broker.CancelOrder(context.Background(), orderID)
}

// Order 按 ID 查询订单快照。
func (c *Context) Order(orderID string) (*execution.Order, bool) {
	return c.broker.GetOrder(orderID)
}

// Orders 按 symbol/status 过滤订单（空值不过滤）。
func (c *Context) Orders(symbol string, status execution.Status) []*execution.Order {
	return c.broker.GetOrders(symbol, status)
}

// OpenOrders 全部未完结订单。
func (c *Context) OpenOrders(symbol string) []*execution.Order {
	var out []*execution.Order
	for _, o := range c.broker.GetOrders(symbol, "") {
		if !execution.IsTerminal(o.Status) {
			out = append(out, o)
		}
	}
	return out
}

// Position 查询持仓快照，无持仓时 ok 为 false。
func (c *Context) Position(symbol string) (*execution.Position, bool) {
	return c.broker.GetPosition(symbol)
}

// PositionVolume 持仓数量，无持仓返回 0。
func (c *Context) PositionVolume(symbol string) float64 {
	if pos, ok := c.broker.GetPosition(symbol); ok {
		return pos.Volume
	}
	return 0
}

// Positions 全部持仓快照。
func (c *Context) Positions() []*execution.Position {
	return c.broker.GetPositions()
}

// Account 账户快照。
func (c *Context) Account() *execution.Account {
	return c.broker.GetAccount()
}

// SetVar 存策略变量，跨回调存续。
func (c *Context) SetVar(key string, value any) {
	c.varsMu.Lock()
	c.vars[key] = value
	c.varsMu.Unlock()
}

// GetVar 取策略变量。
func (c *Context) GetVar(key string) (any, bool) {
	c.varsMu.RLock()
	defer c.varsMu.RUnlock()
	v, ok := c.vars[key]
	return v, ok
}

// AddTimer 注册周期定时器。回测里按 bar 收盘时间推进（粒度受 bar
// 间隔限制），实盘用墙上时钟。重复注册同名定时器先撤旧的。
func (c *Context) AddTimer(id string, interval time.Duration) error {
	if id == "" {
		return fmt.Errorf("timer id 不能为空")
	}
	if interval <= 0 {
		return fmt.Errorf("timer interval 必须大于 0")
	}
	c.CancelTimer(id)

	entry := &timerEntry{id: id, interval: interval, next: c.clock().Add(interval)}
	c.timersMu.Lock()
	c.timers[id] = entry
	c.timersMu.Unlock()

	if c.live {
		entry.cancel = make(chan struct{})
		go c.runLiveTimer(entry)
	}
	return nil
}

// CancelTimer 撤销定时器，不存在时为空操作。
func (c *Context) CancelTimer(id string) {
	c.timersMu.Lock()
	entry, ok := c.timers[id]
	if ok {
		delete(c.timers, id)
	}
	c.timersMu.Unlock()
	if ok && entry.cancel != nil {
		close(entry.cancel)
	}
}

// advanceTimers 回测定时器推进：把 next<=now 的定时器逐个补发。
// 返回到期的 payload，由引擎按序派发。
func (c *Context) advanceTimers(now time.Time) []event.TimerPayload {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	var fired []event.TimerPayload
	for _, entry := range c.timers {
		for !entry.next.After(now) {
			fired = append(fired, event.TimerPayload{
				TimerID:  entry.id,
				FiredAt:  entry.next,
				Interval: entry.interval,
			})
			entry.next = entry.next.Add(entry.interval)
		}
	}
	return fired
}

func (c *Context) runLiveTimer(entry *timerEntry) {
	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()
	for {
		select {
		case <-entry.cancel:
			return
		case t := <-ticker.C:
			payload := event.TimerPayload{TimerID: entry.id, FiredAt: t, Interval: entry.interval}
			if err := c.bus.PublishNowait(event.NewAt(event.TypeTimer, t, c.strategyID, payload)); err != nil {
				engineLog.Warnf("timer %s publish failed: %v", entry.id, err)
			}
		}
	}
}

// stopTimers 停止全部实盘定时器。
func (c *Context) stopTimers() {
	c.timersMu.Lock()
	entries := make([]*timerEntry, 0, len(c.timers))
	for _, e := range c.timers {
		entries = append(entries, e)
	}
	c.timers = make(map[string]*timerEntry)
	c.timersMu.Unlock()
	for _, e := range entries {
		if e.cancel != nil {
			close(e.cancel)
		}
	}
}

// Log 策略日志：写进程日志并同时发一条 log 事件，方便外部订阅。
func (c *Context) Log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.For(c.strategyID).Infof("%s", msg)
	payload := event.LogPayload{Level: "INFO", Source: c.strategyID, Message: msg}
	ev := event.NewAt(event.TypeLog, c.clock(), c.strategyID, payload)
	if c.live {
		if err := c.bus.PublishNowait(ev); err != nil {
			engineLog.Debugf("log event dropped: %v", err)
		}
		return
	}
	c.bus.Dispatch(ev)
}
