package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qtf/internal/event"
	"qtf/internal/logger"
	"qtf/internal/market"

	"github.com/google/uuid"
)

var simLog = logger.For("simulator")

// Emitter 事件出口。回测里由 event.Bus 的同步 Dispatch 充当，
// 保证成交回报在当前 bar 的处理序列内送达策略。
type Emitter interface {
	Dispatch(event.Event)
}

// SimulatorConfig 撮合参数。
type SimulatorConfig struct {
	AccountID      string
	InitialCapital float64
	CommissionRate float64 // 手续费率，按成交额收取
	SlippageRate   float64 // 滑点比例，市价单向不利方向移动
	ExpiryBars     int     // 订单在 N 根 bar 内未成交则过期，0 表示不过期
}

func (c SimulatorConfig) withDefaults() SimulatorConfig {
	if c.AccountID == "" {
		c.AccountID = "backtest"
	}
	if c.InitialCapital <= 0 {
		c.InitialCapital = 100000
	}
	if c.CommissionRate < 0 {
		c.CommissionRate = 0
	}
	if c.SlippageRate < 0 {
		c.SlippageRate = 0
	}
	return c
}

// Simulator 回测撮合器：把订单流推演为确定性的成交流，
// 并独占维护 Position/Account 状态。实现 Broker 契约。
//
// 撮合规则（刻意保持简单以保证可复现）：
//   - 订单最早在提交后的下一根 bar 成交，杜绝 look-ahead；
//   - 限价买在 bar.Low <= price 时按 min(price, bar.Open) 成交，卖为镜像；
//   - 市价单按下一根 bar.Open 加滑点成交；
//   - 触发价订单先判定触发（买 High>=stop / 卖 Low<=stop）再按类型撮合；
//   - 不拆分部分成交：价格条件满足即全量成交（已知局限）。
type Simulator struct {
	cfg SimulatorConfig
	bus Emitter

	mu        sync.Mutex
	account   *Account
	positions map[string]*Position
	orders    map[string]*Order
	pending   []string // 待撮合订单 ID，按提交顺序
	fills     []Fill

	barsSeen  map[string]int
	lastPrice map[string]float64
	now       time.Time
}

// NewSimulator 创建撮合器。bus 可为 nil（不发事件，便于单测）。
func NewSimulator(cfg SimulatorConfig, bus Emitter) *Simulator {
	final := cfg.withDefaults()
	return &Simulator{
		cfg: final,
		bus: bus,
		account: &Account{
			ID:         final.AccountID,
			Balance:    final.InitialCapital,
			Available:  final.InitialCapital,
			TotalAsset: final.InitialCapital,
			Currency:   "USD",
		},
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		barsSeen:  make(map[string]int),
		lastPrice: make(map[string]float64),
	}
}

func (s *Simulator) Connect(ctx context.Context) error    { return nil }
func (s *Simulator) Disconnect(ctx context.Context) error { return nil }
func (s *Simulator) Connected() bool                      { return true }

// SetClock 设置模拟时钟，订单时间戳取自当前回放到的 bar。
func (s *Simulator) SetClock(t time.Time) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Now 返回模拟时间。
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// PlaceOrder 接单。参数校验或资金/持仓检查失败时订单直接转 REJECTED
// 并通过 order 事件回报，不返回错误。
func (s *Simulator) PlaceOrder(ctx context.Context, order *Order) (string, error) {
	if order == nil {
		return "", &OrderError{Reason: "nil order"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order.ID = uuid.NewString()
	order.AccountID = s.cfg.AccountID
	order.Status = Pending
	order.CreateTime = s.now
	order.UpdateTime = s.now
	order.submitIndex = s.barsSeen[order.Symbol]
	s.orders[order.ID] = order

	if reason := s.validateLocked(order); reason != "" {
		s.rejectLocked(order, reason)
		return order.ID, nil
	}
	if order.Direction == Buy {
		s.freezeCashLocked(order)
	} else {
		pos := s.positions[order.Symbol]
		pos.Available -= order.Volume
	}
	if err := order.transition(Submitted, s.now); err != nil {
		return order.ID, err
	}
	s.pending = append(s.pending, order.ID)
	s.emitOrderLocked(order)
	return order.ID, nil
}

func (s *Simulator) validateLocked(o *Order) string {
	if o.Symbol == "" {
		return "symbol 不能为空"
	}
	if o.Volume <= 0 {
		return "volume 必须大于 0"
	}
	switch o.Direction {
	case Buy, Sell:
	default:
		return fmt.Sprintf("未知方向: %s", o.Direction)
	}
	switch o.Type {
	case Limit, StopLimit:
		if o.Price <= 0 {
			return "限价单需要正的价格"
		}
	case Market:
	case Stop:
	default:
		return fmt.Sprintf("未知订单类型: %s", o.Type)
	}
	if o.Type == Stop || o.Type == StopLimit {
		if o.StopPrice <= 0 {
			return "触发价订单需要正的 stop price"
		}
	}
	if o.Direction == Buy {
		ref := s.referencePriceLocked(o)
		if ref <= 0 {
			return "无参考价，无法估算买入资金占用"
		}
		need := notional(ref, o.Volume) + commissionFor(ref, o.Volume, s.cfg.CommissionRate)
		if need > s.account.Available {
			return fmt.Sprintf("可用资金不足: 需要 %.2f, 可用 %.2f", need, s.account.Available)
		}
	} else {
		pos, ok := s.positions[o.Symbol]
		if !ok || pos.Available < o.Volume {
			have := 0.0
			if ok {
				have = pos.Available
			}
			return fmt.Sprintf("可用持仓不足: 需要 %v, 可用 %v", o.Volume, have)
		}
	}
	return ""
}

// referencePriceLocked 买单资金占用的估价基准：限价用限价，
// 市价/触发单用最近 bar 价，再退回到触发价。
func (s *Simulator) referencePriceLocked(o *Order) float64 {
	if o.Price > 0 {
		return o.Price
	}
	if last := s.lastPrice[o.Symbol]; last > 0 {
		return last
	}
	return o.StopPrice
}

func (s *Simulator) freezeCashLocked(o *Order) {
	ref := s.referencePriceLocked(o)
	amt := notional(ref, o.Volume) + commissionFor(ref, o.Volume, s.cfg.CommissionRate)
	o.frozenCash = amt
	s.account.Available -= amt
	s.account.Frozen += amt
	s.account.UpdateTime = s.now
}

func (s *Simulator) rejectLocked(o *Order, reason string) {
	o.Reason = reason
	if err := o.transition(Rejected, s.now); err != nil {
		simLog.Warnf("reject transition failed: %v", err)
		return
	}
	simLog.Debugf("order rejected: %s %s %v@%v (%s)",
		o.Direction, o.Symbol, o.Volume, o.Price, reason)
	s.emitOrderLocked(o)
}

// CancelOrder 撤单。对 CANCELLED 订单幂等（返回 nil 且不动 UpdateTime），
// 对其余终态返回 InvalidStateError。
func (s *Simulator) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return &OrderError{OrderID: orderID, Reason: "订单不存在"}
	}
	if o.Status == Cancelled {
		return nil
	}
	if IsTerminal(o.Status) {
		return &InvalidStateError{OrderID: orderID, State: o.Status, Op: "cancel"}
	}
	s.releaseLocked(o)
	if err := o.transition(Cancelled, s.now); err != nil {
		return err
	}
	s.removePendingLocked(orderID)
	s.emitOrderLocked(o)
	return nil
}

// releaseLocked 释放订单未成交部分占用的资金或持仓。
func (s *Simulator) releaseLocked(o *Order) {
	if o.Direction == Buy {
		if o.frozenCash > 0 {
			s.account.Frozen -= o.frozenCash
			s.account.Available += o.frozenCash
			o.frozenCash = 0
		}
	} else {
		remaining := o.Volume - o.FilledVolume
		if pos, ok := s.positions[o.Symbol]; ok && remaining > 0 {
			pos.Available += remaining
		}
	}
	s.account.UpdateTime = s.now
}

func (s *Simulator) removePendingLocked(orderID string) {
	for i, id := range s.pending {
		if id == orderID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

// OnBar 撮合入口：引擎在派发 bar 事件时最先调用（注册顺序保证），
// 因此上一根 bar 提交的订单会先于策略看到新 bar 前完成撮合。
func (s *Simulator) OnBar(bar market.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = bar.Timestamp
	s.barsSeen[bar.Symbol]++
	seen := s.barsSeen[bar.Symbol]

	kept := s.pending[:0]
	for _, id := range s.pending {
		o := s.orders[id]
		if o == nil || IsTerminal(o.Status) {
			continue
		}
		if o.Symbol != bar.Symbol {
			kept = append(kept, id)
			continue
		}
		// 提交 bar 本身不可成交，杜绝 look-ahead。
		if o.submitIndex >= seen {
			kept = append(kept, id)
			continue
		}
		if s.cfg.ExpiryBars > 0 && seen-o.submitIndex > s.cfg.ExpiryBars {
			s.expireLocked(o)
			continue
		}
		if s.tryMatchLocked(o, bar) {
			continue
		}
		kept = append(kept, id)
	}
	s.pending = kept
	s.lastPrice[bar.Symbol] = bar.Close
}

func (s *Simulator) expireLocked(o *Order) {
	s.releaseLocked(o)
	o.Reason = "未在有效期内成交"
	if err := o.transition(Expired, s.now); err != nil {
		simLog.Warnf("expire transition failed: %v", err)
		return
	}
	s.emitOrderLocked(o)
}

// tryMatchLocked 按 §撮合规则尝试成交，成交返回 true。
func (s *Simulator) tryMatchLocked(o *Order, bar market.Bar) bool {
	typ := o.Type
	base := bar.Open
	if typ == Stop || typ == StopLimit {
		if !o.triggered {
			if !stopTriggered(o, bar) {
				return false
			}
			o.triggered = true
		}
		if typ == Stop {
			// 开盘价在触发价的未触发一侧时，视为盘中触及触发价成交。
			if o.Direction == Buy {
				base = maxPrice(bar.Open, o.StopPrice)
			} else {
				base = minPrice(bar.Open, o.StopPrice)
			}
			typ = Market
		} else {
			typ = Limit
		}
	}

	var price float64
	switch typ {
	case Market:
		price = applySlippage(base, o.Direction, s.cfg.SlippageRate)
	case Limit:
		if o.Direction == Buy {
			if bar.Low > o.Price {
				return false
			}
			price = minPrice(o.Price, bar.Open)
		} else {
			if bar.High < o.Price {
				return false
			}
			price = maxPrice(o.Price, bar.Open)
		}
	default:
		return false
	}
	// 冻结按提交时的参考价估算，跳空高开可能让实际成交额超出冻结额。
	// 资金不够补差时拒单，账户现金不得透支。
	if o.Direction == Buy {
		volume := o.Volume - o.FilledVolume
		need := notional(price, volume) + commissionFor(price, volume, s.cfg.CommissionRate)
		if need > s.account.Available+o.frozenCash+1e-9 {
			s.releaseLocked(o)
			s.rejectLocked(o, fmt.Sprintf("成交价 %.4f 超出可用资金: 需要 %.2f", price, need))
			return true
		}
	}
	s.fillLocked(o, price, bar.Timestamp)
	return true
}

func stopTriggered(o *Order, bar market.Bar) bool {
	if o.Direction == Buy {
		return bar.High >= o.StopPrice
	}
	return bar.Low <= o.StopPrice
}

// fillLocked 全量成交：更新订单、持仓与账户，并发出 trade/order 事件。
func (s *Simulator) fillLocked(o *Order, price float64, at time.Time) {
	volume := o.Volume - o.FilledVolume
	comm := commissionFor(price, volume, s.cfg.CommissionRate)
	cost := notional(price, volume)

	fill := Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Direction:  o.Direction,
		Price:      price,
		Volume:     volume,
		Commission: comm,
		StrategyID: o.StrategyID,
		Timestamp:  at,
	}

	pos, ok := s.positions[o.Symbol]
	if !ok {
		pos = &Position{Symbol: o.Symbol, AccountID: s.cfg.AccountID}
		s.positions[o.Symbol] = pos
	}

	if o.Direction == Buy {
		// 释放冻结，再按实际成交额扣款。
		s.account.Frozen -= o.frozenCash
		s.account.Available += o.frozenCash
		o.frozenCash = 0
		s.account.Available -= cost + comm

		pos.CostPrice = weightedAverage(pos.CostPrice, pos.Volume, price, volume)
		pos.Volume += volume
		pos.Available += volume
	} else {
		pnl := realizedPnL(pos.CostPrice, price, volume) - comm
		fill.Realized = true
		fill.RealizedPnL = pnl

		s.account.Available += cost - comm
		pos.Volume -= volume
		if pos.Volume <= 0 {
			pos.Volume = 0
			pos.Available = 0
			pos.CostPrice = 0
		}
	}
	s.account.Balance = s.account.Available + s.account.Frozen
	s.account.UpdateTime = at
	pos.UpdateTime = at

	if err := o.applyFill(price, volume, at); err != nil {
		simLog.Warnf("apply fill failed: %v", err)
	}
	s.fills = append(s.fills, fill)

	s.emitLocked(event.NewAt(event.TypeTrade, at, "simulator", fill))
	s.emitOrderLocked(o)
	s.emitLocked(event.NewAt(event.TypePosition, at, "simulator", pos.Clone()))
	s.emitLocked(event.NewAt(event.TypeAccount, at, "simulator", s.account.Clone()))
}

// MarkToMarket 用最新价重估持仓与账户。引擎每根 bar 的 close 调一次。
func (s *Simulator) MarkToMarket(symbol string, price float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[symbol]; ok {
		pos.CurrPrice = price
		pos.MarketVal = notional(price, pos.Volume)
		pos.Profit = realizedPnL(pos.CostPrice, price, pos.Volume)
		pos.UpdateTime = at
	}
	s.lastPrice[symbol] = price
	s.recalcAccountLocked(at)
}

func (s *Simulator) recalcAccountLocked(at time.Time) {
	total := 0.0
	for _, pos := range s.positions {
		total += pos.MarketVal
	}
	s.account.MarketVal = total
	s.account.TotalAsset = s.account.Available + s.account.Frozen + s.account.MarketVal
	s.account.Profit = s.account.TotalAsset - s.cfg.InitialCapital
	s.account.UpdateTime = at
}

// InitialCapital 初始资金（已套用默认值）。
func (s *Simulator) InitialCapital() float64 {
	return s.cfg.InitialCapital
}

// Equity 当前总资产。
func (s *Simulator) Equity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.TotalAsset
}

func (s *Simulator) GetOrder(orderID string) (*Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// GetOrders 按 symbol/status 过滤（空值表示不过滤），按创建时间排序。
func (s *Simulator) GetOrders(symbol string, status Status) []*Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

func (s *Simulator) GetPositions() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Volume > 0 {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *Simulator) GetPosition(symbol string) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *Simulator) GetAccount() *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Clone()
}

func (s *Simulator) RefreshAccount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recalcAccountLocked(s.now)
	return nil
}

// Fills 全部成交记录快照。
func (s *Simulator) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fill, len(s.fills))
	copy(out, s.fills)
	return out
}

func (s *Simulator) emitOrderLocked(o *Order) {
	s.emitLocked(event.NewAt(event.TypeOrder, s.now, "simulator", o.Clone()))
}

func (s *Simulator) emitLocked(ev event.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Dispatch(ev)
}

func minPrice(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxPrice(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
