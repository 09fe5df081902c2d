package execution

import "context"

// Broker 交易执行契约。实盘接真实券商驱动，回测由 Simulator 实现。
// 订单状态机与事件发布契约对两者完全一致。
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// PlaceOrder 接受订单并返回订单 ID。拒单（资金/持仓不足等）
	// 不是错误：订单转入 REJECTED 并通过 order 事件回报。
	PlaceOrder(ctx context.Context, order *Order) (string, error)
	// CancelOrder 撤单。对已撤订单重复撤单返回成功（幂等）；
	// 对其余终态订单返回 InvalidStateError。
	CancelOrder(ctx context.Context, orderID string) error

	GetOrder(orderID string) (*Order, bool)
	GetOrders(symbol string, status Status) []*Order
	GetPositions() []*Position
	GetPosition(symbol string) (*Position, bool)
	GetAccount() *Account
	RefreshAccount(ctx context.Context) error
}
