package execution

import (
	"fmt"
	"time"
)

// Direction 订单方向。
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// OrderType 订单类型。
type OrderType string

const (
	Limit     OrderType = "LIMIT"
	Market    OrderType = "MARKET"
	Stop      OrderType = "STOP"
	StopLimit OrderType = "STOP_LIMIT"
)

// Status 订单状态，状态机见 state.go。
type Status string

const (
	Pending   Status = "PENDING"
	Submitted Status = "SUBMITTED"
	Partial   Status = "PARTIAL"
	Filled    Status = "FILLED"
	Cancelled Status = "CANCELLED"
	Rejected  Status = "REJECTED"
	Expired   Status = "EXPIRED"
)

// Order 订单。同一时刻只被一个持有者修改（Context → Simulator/Broker），
// 对外只暴露副本。
type Order struct {
	ID        string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Type      OrderType `json:"order_type"`
	Price     float64   `json:"price"`
	StopPrice float64   `json:"stop_price,omitempty"`
	Volume    float64   `json:"volume"`

	Status       Status  `json:"status"`
	FilledVolume float64 `json:"filled_volume"`
	FilledPrice  float64 `json:"filled_price"`
	Reason       string  `json:"reason,omitempty"`

	StrategyID string `json:"strategy_id,omitempty"`
	AccountID  string `json:"account_id,omitempty"`

	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`

	// 回测撮合簿记：提交时该 symbol 已回放的 bar 序号，以及冻结金额。
	submitIndex int
	frozenCash  float64
	triggered   bool
}

// Clone 返回订单快照。
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Position 持仓聚合，由 Simulator/Broker 独占持有，策略只读快照。
type Position struct {
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Available  float64 `json:"available"`
	CostPrice  float64 `json:"cost_price"`
	CurrPrice  float64 `json:"current_price"`
	MarketVal  float64 `json:"market_value"`
	Profit     float64 `json:"profit"`
	AccountID  string  `json:"account_id,omitempty"`
	UpdateTime time.Time
}

// Clone 返回持仓快照。
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// Account 资金账户。结算后恒有
// TotalAsset == Available + Frozen + MarketVal 且 Available + Frozen == Balance。
type Account struct {
	ID         string  `json:"account_id"`
	Balance    float64 `json:"balance"`
	Available  float64 `json:"available"`
	Frozen     float64 `json:"frozen"`
	MarketVal  float64 `json:"market_value"`
	TotalAsset float64 `json:"total_asset"`
	Profit     float64 `json:"profit"`
	Currency   string  `json:"currency,omitempty"`
	UpdateTime time.Time
}

// Clone 返回账户快照。
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}

// Fill 一笔成交。Realized 为真表示平仓成交，RealizedPnL 含手续费。
type Fill struct {
	ID          string    `json:"trade_id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	Commission  float64   `json:"commission"`
	Realized    bool      `json:"realized"`
	RealizedPnL float64   `json:"realized_pnl"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OrderError 订单参数非法或资金/持仓不足。
type OrderError struct {
	OrderID string
	Reason  string
}

func (e *OrderError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("order rejected: %s", e.Reason)
	}
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}
