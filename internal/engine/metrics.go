package engine

import (
	"math"
	"time"

	"qtf/internal/event"
	"qtf/internal/execution"
	"qtf/internal/market"
)

// EquityPoint 权益曲线上的一个采样点，每根 bar 收盘后记录一次。
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result 回测结果：指标汇总加全量明细。
type Result struct {
	StrategyID string    `json:"strategy_id"`
	Symbols    []string  `json:"symbols"`
	Interval   string    `json:"interval"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Bars       int       `json:"bars"`

	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	AnnualReturn   float64 `json:"annual_return"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	Sharpe         float64 `json:"sharpe"`
	WinRate        float64 `json:"win_rate"`

	TotalTrades  int     `json:"total_trades"`
	ClosedTrades int     `json:"closed_trades"`
	WinTrades    int     `json:"win_trades"`
	Commission   float64 `json:"commission"`

	EquityCurve []EquityPoint          `json:"equity_curve"`
	Fills       []execution.Fill       `json:"fills"`
	Orders      []*execution.Order     `json:"orders"`
	Account     *execution.Account     `json:"account"`
	Positions   []*execution.Position  `json:"positions"`
	Errors      []event.ErrorPayload   `json:"-"`
}

// computeMetrics 从权益曲线和成交流推导绩效指标。
//
//   - 年化收益按日历跨度折算，一年记 365 天；
//   - 夏普比率用逐 bar 收益率，按 bar 间隔年化，无风险利率记 0；
//   - 胜率只统计平仓成交（已实现盈亏），未平仓头寸不计入。
func computeMetrics(res *Result, interval market.Interval) {
	if len(res.EquityCurve) == 0 || res.InitialCapital <= 0 {
		return
	}
	final := res.EquityCurve[len(res.EquityCurve)-1].Equity
	res.FinalEquity = final
	res.TotalReturn = final/res.InitialCapital - 1

	years := res.EndTime.Sub(res.StartTime).Hours() / (365 * 24)
	switch {
	case years <= 0:
		res.AnnualReturn = res.TotalReturn
	case 1+res.TotalReturn <= 0:
		res.AnnualReturn = -1
	default:
		res.AnnualReturn = math.Pow(1+res.TotalReturn, 1/years) - 1
	}

	res.MaxDrawdown = maxDrawdown(res.EquityCurve)
	res.Sharpe = sharpeRatio(res.EquityCurve, interval.PeriodsPerYear())

	res.TotalTrades = len(res.Fills)
	for _, f := range res.Fills {
		res.Commission += f.Commission
		if !f.Realized {
			continue
		}
		res.ClosedTrades++
		if f.RealizedPnL > 0 {
			res.WinTrades++
		}
	}
	if res.ClosedTrades > 0 {
		res.WinRate = float64(res.WinTrades) / float64(res.ClosedTrades)
	}
}

// maxDrawdown 峰值回撤比例，返回正数（0.2 表示最大回撤 20%）。
func maxDrawdown(curve []EquityPoint) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeRatio 逐 bar 收益率的年化夏普。波动为零返回 0。
func sharpeRatio(curve []EquityPoint, periodsPerYear float64) float64 {
	if len(curve) < 2 || periodsPerYear <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}
