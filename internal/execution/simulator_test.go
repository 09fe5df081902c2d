package execution

import (
	"context"
	"testing"
	"time"

	"qtf/internal/event"
	"qtf/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEmitter 同步收集撮合器发出的事件。
type captureEmitter struct {
	events []event.Event
}

func (c *captureEmitter) Dispatch(ev event.Event) {
	c.events = append(c.events, ev)
}

func (c *captureEmitter) ordersByStatus(status Status) []*Order {
	var out []*Order
	for _, ev := range c.events {
		if ev.Type != event.TypeOrder {
			continue
		}
		if o, ok := ev.Data.(*Order); ok && o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

func newTestSim(t *testing.T) (*Simulator, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	sim := NewSimulator(SimulatorConfig{
		AccountID:      "test",
		InitialCapital: 100000,
		CommissionRate: 0.001,
	}, emitter)
	return sim, emitter
}

func bar(symbol string, day int, o, h, l, c float64) market.Bar {
	return market.Bar{
		Symbol:    symbol,
		Interval:  "1d",
		Timestamp: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    1000,
	}
}

func TestMarketOrderFillsAtNextBarOpen(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	// bar 1 喂入后下单，市价单须在 bar 2 的开盘价成交
	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10,
	})
	require.NoError(t, err)

	o, ok := sim.GetOrder(id)
	require.True(t, ok)
	assert.Equal(t, Submitted, o.Status)

	sim.OnBar(bar("AAPL", 2, 102, 103, 101, 102))
	o, _ = sim.GetOrder(id)
	assert.Equal(t, Filled, o.Status)
	assert.InDelta(t, 102.0, o.FilledPrice, 1e-9)
	assert.InDelta(t, 10.0, o.FilledVolume, 1e-9)
}

func TestMarketOrderSlippage(t *testing.T) {
	emitter := &captureEmitter{}
	sim := NewSimulator(SimulatorConfig{
		InitialCapital: 100000,
		SlippageRate:   0.01,
	}, emitter)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	buyID, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 2, 100, 105, 95, 100))

	o, _ := sim.GetOrder(buyID)
	require.Equal(t, Filled, o.Status)
	// 买单滑向高价：100 * 1.01
	assert.InDelta(t, 101.0, o.FilledPrice, 1e-9)

	sellID, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Sell, Type: Market, Volume: 10})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 3, 100, 105, 95, 100))

	o, _ = sim.GetOrder(sellID)
	require.Equal(t, Filled, o.Status)
	// 卖单滑向低价：100 * 0.99
	assert.InDelta(t, 99.0, o.FilledPrice, 1e-9)
}

func TestNoLookAhead(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	// 提交时的 bar 价格条件已满足，但不得在提交 bar 成交
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 100, Volume: 10,
	})
	require.NoError(t, err)

	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	sim.OnBar(bar("AAPL", 2, 98, 99, 97, 98))
	o, _ = sim.GetOrder(id)
	assert.Equal(t, Filled, o.Status)
	// bar.Open < 限价，按更优的开盘价成交
	assert.InDelta(t, 98.0, o.FilledPrice, 1e-9)
}

func TestLimitBuyWaitsForPrice(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 110, 112, 108, 110))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 100, Volume: 10,
	})
	require.NoError(t, err)

	// 最低价未触及限价，不成交
	sim.OnBar(bar("AAPL", 2, 109, 111, 105, 108))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	// low <= 100，开盘 104 高于限价，按限价成交
	sim.OnBar(bar("AAPL", 3, 104, 106, 99, 101))
	o, _ = sim.GetOrder(id)
	require.Equal(t, Filled, o.Status)
	assert.InDelta(t, 100.0, o.FilledPrice, 1e-9)
}

func TestLimitSellFillPrice(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	// 先建仓
	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	_, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 2, 100, 101, 99, 100))

	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Sell, Type: Limit, Price: 102, Volume: 10,
	})
	require.NoError(t, err)

	// high=101 < 102，不成交
	sim.OnBar(bar("AAPL", 3, 100, 101, 99, 100))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	// high=103 >= 102，open=100 低于限价，按限价 102 成交
	sim.OnBar(bar("AAPL", 4, 100, 103, 99, 102))
	o, _ = sim.GetOrder(id)
	require.Equal(t, Filled, o.Status)
	assert.InDelta(t, 102.0, o.FilledPrice, 1e-9)
}

func TestLimitSellOpensAboveLimit(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	_, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 2, 100, 101, 99, 100))

	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Sell, Type: Limit, Price: 102, Volume: 10,
	})
	require.NoError(t, err)

	// 开盘 105 优于限价，按 max(102, 105) = 105 成交
	sim.OnBar(bar("AAPL", 3, 105, 106, 103, 104))
	o, _ := sim.GetOrder(id)
	require.Equal(t, Filled, o.Status)
	assert.InDelta(t, 105.0, o.FilledPrice, 1e-9)
}

func TestStopBuyTriggersThenFillsAsMarket(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Stop, StopPrice: 105, Volume: 10,
	})
	require.NoError(t, err)

	// high < stop，未触发
	sim.OnBar(bar("AAPL", 2, 100, 104, 99, 103))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	// high >= 105 盘中触发，开盘价低于触发价，按触发价成交
	sim.OnBar(bar("AAPL", 3, 104, 107, 103, 106))
	o, _ = sim.GetOrder(id)
	require.Equal(t, Filled, o.Status)
	assert.InDelta(t, 105.0, o.FilledPrice, 1e-9)
}

func TestInsufficientFundsRejected(t *testing.T) {
	sim, emitter := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 100, Volume: 10000,
	})
	// 拒单不是错误，通过事件回报
	require.NoError(t, err)

	o, ok := sim.GetOrder(id)
	require.True(t, ok)
	assert.Equal(t, Rejected, o.Status)
	assert.NotEmpty(t, o.Reason)
	require.Len(t, emitter.ordersByStatus(Rejected), 1)

	// 账户不受影响
	acc := sim.GetAccount()
	assert.InDelta(t, 100000.0, acc.Available, 1e-9)
	assert.InDelta(t, 0.0, acc.Frozen, 1e-9)
}

func TestMarketBuyGapBeyondFrozenCashRejected(t *testing.T) {
	sim, emitter := newTestSim(t)
	ctx := context.Background()

	// 收盘 100 估算冻结 99099，下一根跳空到 150 开盘，
	// 成交额 148648.5 超出账户全部现金，必须拒单而不是让现金变负
	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 990,
	})
	require.NoError(t, err)

	sim.OnBar(bar("AAPL", 2, 150, 155, 149, 152))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Rejected, o.Status)
	assert.NotEmpty(t, o.Reason)
	require.Len(t, emitter.ordersByStatus(Rejected), 1)

	// 冻结全额退回，现金不透支
	acc := sim.GetAccount()
	assert.InDelta(t, 100000.0, acc.Available, 1e-9)
	assert.InDelta(t, 0.0, acc.Frozen, 1e-9)
	assert.GreaterOrEqual(t, acc.Available, 0.0)

	_, ok := sim.GetPosition("AAPL")
	assert.False(t, ok)
}

func TestSellWithoutPositionRejected(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Sell, Type: Market, Volume: 1,
	})
	require.NoError(t, err)
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Rejected, o.Status)
}

func TestAccountInvariantsAfterRoundTrip(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	checkInvariants := func() {
		acc := sim.GetAccount()
		assert.InDelta(t, acc.Balance, acc.Available+acc.Frozen, 1e-6)
		assert.InDelta(t, acc.TotalAsset, acc.Available+acc.Frozen+acc.MarketVal, 1e-6)
	}

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	sim.MarkToMarket("AAPL", 100, sim.Now())
	checkInvariants()

	_, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 100})
	require.NoError(t, err)
	checkInvariants()

	sim.OnBar(bar("AAPL", 2, 102, 103, 101, 104))
	sim.MarkToMarket("AAPL", 104, sim.Now())
	checkInvariants()

	pos, ok := sim.GetPosition("AAPL")
	require.True(t, ok)
	assert.InDelta(t, 100.0, pos.Volume, 1e-9)
	assert.InDelta(t, 102.0, pos.CostPrice, 1e-9)

	// 买入后现金减少 102*100 + 手续费 10.2
	acc := sim.GetAccount()
	assert.InDelta(t, 100000-10200-10.2, acc.Available, 1e-6)

	_, err = sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Sell, Type: Market, Volume: 100})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 3, 106, 107, 105, 106))
	sim.MarkToMarket("AAPL", 106, sim.Now())
	checkInvariants()

	fills := sim.Fills()
	require.Len(t, fills, 2)
	sell := fills[1]
	assert.True(t, sell.Realized)
	// (106-102)*100 - 106*100*0.001
	assert.InDelta(t, 400-10.6, sell.RealizedPnL, 1e-6)
}

func TestCancelIdempotent(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 90, Volume: 10,
	})
	require.NoError(t, err)

	require.NoError(t, sim.CancelOrder(ctx, id))
	o, _ := sim.GetOrder(id)
	require.Equal(t, Cancelled, o.Status)
	firstUpdate := o.UpdateTime

	// 重复撤单幂等，UpdateTime 不变
	require.NoError(t, sim.CancelOrder(ctx, id))
	o, _ = sim.GetOrder(id)
	assert.Equal(t, Cancelled, o.Status)
	assert.True(t, o.UpdateTime.Equal(firstUpdate))

	// 撤单释放冻结资金
	acc := sim.GetAccount()
	assert.InDelta(t, 100000.0, acc.Available, 1e-9)
	assert.InDelta(t, 0.0, acc.Frozen, 1e-9)
}

func TestCancelFilledOrderReturnsInvalidState(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10})
	require.NoError(t, err)
	sim.OnBar(bar("AAPL", 2, 100, 101, 99, 100))

	err = sim.CancelOrder(ctx, id)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, Filled, ise.State)
}

func TestOrderExpiry(t *testing.T) {
	emitter := &captureEmitter{}
	sim := NewSimulator(SimulatorConfig{
		InitialCapital: 100000,
		ExpiryBars:     2,
	}, emitter)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{
		Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 50, Volume: 10,
	})
	require.NoError(t, err)

	sim.OnBar(bar("AAPL", 2, 100, 101, 99, 100))
	sim.OnBar(bar("AAPL", 3, 100, 101, 99, 100))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	// 超出有效期窗口
	sim.OnBar(bar("AAPL", 4, 100, 101, 99, 100))
	o, _ = sim.GetOrder(id)
	assert.Equal(t, Expired, o.Status)

	acc := sim.GetAccount()
	assert.InDelta(t, 100000.0, acc.Available, 1e-9)
}

func TestOtherSymbolBarDoesNotMatch(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	id, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Market, Volume: 10})
	require.NoError(t, err)

	sim.OnBar(bar("MSFT", 2, 300, 301, 299, 300))
	o, _ := sim.GetOrder(id)
	assert.Equal(t, Submitted, o.Status)

	sim.OnBar(bar("AAPL", 2, 100, 101, 99, 100))
	o, _ = sim.GetOrder(id)
	assert.Equal(t, Filled, o.Status)
}

func TestGetOrdersFilter(t *testing.T) {
	sim, _ := newTestSim(t)
	ctx := context.Background()

	sim.OnBar(bar("AAPL", 1, 100, 101, 99, 100))
	_, err := sim.PlaceOrder(ctx, &Order{Symbol: "AAPL", Direction: Buy, Type: Limit, Price: 90, Volume: 1})
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, &Order{Symbol: "MSFT", Direction: Buy, Type: Limit, Price: 90, Volume: 1})
	require.NoError(t, err)

	assert.Len(t, sim.GetOrders("", ""), 2)
	assert.Len(t, sim.GetOrders("AAPL", ""), 1)
	assert.Len(t, sim.GetOrders("", Submitted), 2)
	assert.Len(t, sim.GetOrders("AAPL", Filled), 0)
}
