package execution

import (
	"math"

	"github.com/shopspring/decimal"
)

// 资金相关的运算统一走 decimal，避免 float 累积误差影响回测可复现性。
// 模型字段仍用 float64，仅在计算边界转换。

func decFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func decToFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}

// commission = price * volume * rate
func commissionFor(price, volume, rate float64) float64 {
	return decToFloat(decFromFloat(price).Mul(decFromFloat(volume)).Mul(decFromFloat(rate)))
}

// notional = price * volume
func notional(price, volume float64) float64 {
	return decToFloat(decFromFloat(price).Mul(decFromFloat(volume)))
}

// applySlippage 把价格向不利方向移动 rate（买贵卖贱）。
func applySlippage(price float64, dir Direction, rate float64) float64 {
	p := decFromFloat(price)
	r := decFromFloat(rate)
	switch dir {
	case Buy:
		return decToFloat(p.Mul(decimal.NewFromInt(1).Add(r)))
	case Sell:
		return decToFloat(p.Mul(decimal.NewFromInt(1).Sub(r)))
	}
	return price
}

// weightedAverage 成交量加权均价。
func weightedAverage(oldPrice, oldVolume, newPrice, newVolume float64) float64 {
	totalVol := decFromFloat(oldVolume).Add(decFromFloat(newVolume))
	if totalVol.IsZero() {
		return 0
	}
	sum := decFromFloat(oldPrice).Mul(decFromFloat(oldVolume)).
		Add(decFromFloat(newPrice).Mul(decFromFloat(newVolume)))
	return decToFloat(sum.Div(totalVol))
}

// realizedPnL 平仓已实现盈亏（未扣手续费）。
func realizedPnL(costPrice, fillPrice, volume float64) float64 {
	return decToFloat(decFromFloat(fillPrice).Sub(decFromFloat(costPrice)).Mul(decFromFloat(volume)))
}
