package event

import (
	"time"
)

// Type 事件类型。
type Type string

const (
	// 行情事件
	TypeQuote Type = "quote"
	TypeBar   Type = "bar"

	// 交易事件
	TypeOrder    Type = "order"
	TypeTrade    Type = "trade"
	TypePosition Type = "position"
	TypeAccount  Type = "account"

	// 系统事件
	TypeTimer Type = "timer"
	TypeLog   Type = "log"
	TypeError Type = "error"

	// 引擎生命周期事件
	TypeEngineStart   Type = "engine_start"
	TypeEngineStop    Type = "engine_stop"
	TypeStrategyStart Type = "strategy_start"
	TypeStrategyStop  Type = "strategy_stop"
)

// Event 总线上流转的不可变消息。发布后不得修改 Data 指向的内容，
// 消费方只读。
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string
	Data      any
}

// New 构造事件，时间戳取当前时间。
func New(t Type, source string, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), Source: source, Data: data}
}

// NewAt 构造带指定时间戳的事件（回测中使用模拟时间）。
func NewAt(t Type, ts time.Time, source string, data any) Event {
	return Event{Type: t, Timestamp: ts, Source: source, Data: data}
}

// TimerPayload 定时器事件负载。
type TimerPayload struct {
	TimerID  string
	FiredAt  time.Time
	Interval time.Duration
}

// LogPayload 日志事件负载。
type LogPayload struct {
	Level   string
	Source  string
	Message string
}

// ErrorPayload 错误事件负载，记录 handler 或策略回调抛出的错误。
type ErrorPayload struct {
	Origin    Type   // 引发错误的事件类型
	Source    string // handler 所属组件
	Err       error
	Recovered any // 非空表示来自 panic
}
