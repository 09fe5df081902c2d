package engine

import (
	"qtf/internal/event"
	"qtf/internal/execution"
	"qtf/internal/market"
)

// Strategy 策略生命周期契约。回测与实盘共用同一套回调，
// 所有回调都在事件总线的单消费协程里串行执行，策略内部无需加锁。
//
// OnInit/OnStart 返回错误会中止引擎启动；其余回调的错误只会被
// 捕获并转成 error 事件，不影响引擎继续运行。
type Strategy interface {
	// ID 策略标识，订单与成交会带上它。
	ID() string

	OnInit(ctx *Context) error
	OnStart(ctx *Context) error
	OnBar(ctx *Context, bar market.Bar) error
	OnQuote(ctx *Context, quote market.Quote) error
	OnOrder(ctx *Context, order *execution.Order) error
	OnTrade(ctx *Context, fill execution.Fill) error
	OnTimer(ctx *Context, timer event.TimerPayload) error
	OnStop(ctx *Context) error

	// OnEvent 兜底回调：没有专属回调的事件类型（日志、错误、
	// 持仓/账户快照、生命周期）统一从这里经过。
	OnEvent(ctx *Context, ev event.Event) error
}

// BaseStrategy 空实现。业务策略内嵌它之后只需覆写关心的回调。
type BaseStrategy struct {
	Name string
}

func (b *BaseStrategy) ID() string {
	if b.Name == "" {
		return "strategy"
	}
	return b.Name
}

func (b *BaseStrategy) OnInit(ctx *Context) error                          { return nil }
func (b *BaseStrategy) OnStart(ctx *Context) error                         { return nil }
func (b *BaseStrategy) OnBar(ctx *Context, bar market.Bar) error           { return nil }
func (b *BaseStrategy) OnQuote(ctx *Context, quote market.Quote) error     { return nil }
func (b *BaseStrategy) OnOrder(ctx *Context, order *execution.Order) error { return nil }
func (b *BaseStrategy) OnTrade(ctx *Context, fill execution.Fill) error    { return nil }
func (b *BaseStrategy) OnTimer(ctx *Context, timer event.TimerPayload) error {
	return nil
}
func (b *BaseStrategy) OnStop(ctx *Context) error                 { return nil }
func (b *BaseStrategy) OnEvent(ctx *Context, ev event.Event) error { return nil }
