package strategy

import (
	"fmt"

	"qtf/internal/analysis/indicator"
	"qtf/internal/engine"
	"qtf/internal/execution"
	"qtf/internal/market"
)

// SMACrossParams 双均线参数。
type SMACrossParams struct {
	Symbol     string  `json:"symbol" mapstructure:"symbol"`
	FastPeriod int     `json:"fast_period" mapstructure:"fast_period"`
	SlowPeriod int     `json:"slow_period" mapstructure:"slow_period"`
	Volume     float64 `json:"volume" mapstructure:"volume"`
}

// SMACross 双均线策略：快线上穿慢线市价买入，下穿清仓。
// 主要作为框架自带的参照实现。
type SMACross struct {
	engine.BaseStrategy
	params SMACrossParams

	prevFast float64
	prevSlow float64
	ready    bool
}

// NewSMACross 创建策略，参数非法时返回错误。
func NewSMACross(name string, params SMACrossParams) (*SMACross, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("sma_cross: symbol 不能为空")
	}
	if params.FastPeriod <= 0 {
		params.FastPeriod = 5
	}
	if params.SlowPeriod <= 0 {
		params.SlowPeriod = 20
	}
	if params.FastPeriod >= params.SlowPeriod {
		return nil, fmt.Errorf("sma_cross: 快线周期 %d 必须小于慢线周期 %d",
			params.FastPeriod, params.SlowPeriod)
	}
	if params.Volume <= 0 {
		params.Volume = 1
	}
	if name == "" {
		name = "sma_cross"
	}
	return &SMACross{
		BaseStrategy: engine.BaseStrategy{Name: name},
		params:       params,
	}, nil
}

// Params 返回生效后的参数（含默认值回填）。
func (s *SMACross) Params() SMACrossParams {
	return s.params
}

func (s *SMACross) OnStart(ctx *engine.Context) error {
	ctx.Log("sma_cross 启动: symbol=%s fast=%d slow=%d",
		s.params.Symbol, s.params.FastPeriod, s.params.SlowPeriod)
	return nil
}

func (s *SMACross) OnBar(ctx *engine.Context, bar market.Bar) error {
	if bar.Symbol != s.params.Symbol {
		return nil
	}
	closes := ctx.Closes(s.params.Symbol, s.params.SlowPeriod+1)
	fast, okF := indicator.SMA(closes, s.params.FastPeriod)
	slow, okS := indicator.SMA(closes, s.params.SlowPeriod)
	if !okF || !okS {
		return nil
	}
	defer func() {
		s.prevFast, s.prevSlow, s.ready = fast, slow, true
	}()
	if !s.ready {
		return nil
	}

	crossUp := s.prevFast <= s.prevSlow && fast > slow
	crossDown := s.prevFast >= s.prevSlow && fast < slow
	holding := ctx.PositionVolume(s.params.Symbol) > 0

	switch {
	case crossUp && !holding:
		id, err := ctx.BuyMarket(s.params.Symbol, s.params.Volume)
		if err != nil {
			return err
		}
		ctx.Log("金叉买入: fast=%.4f slow=%.4f order=%s", fast, slow, id)
	case crossDown && holding:
		id, err := ctx.SellMarket(s.params.Symbol, ctx.PositionVolume(s.params.Symbol))
		if err != nil {
			return err
		}
		ctx.Log("死叉卖出: fast=%.4f slow=%.4f order=%s", fast, slow, id)
	}
	return nil
}

func (s *SMACross) OnOrder(ctx *engine.Context, order *execution.Order) error {
	if order.Status == execution.Rejected {
		ctx.Log("订单被拒: %s (%s)", order.ID, order.Reason)
	}
	return nil
}

func (s *SMACross) OnStop(ctx *engine.Context) error {
	acc := ctx.Account()
	ctx.Log("sma_cross 结束: total_asset=%.2f profit=%.2f", acc.TotalAsset, acc.Profit)
	return nil
}
