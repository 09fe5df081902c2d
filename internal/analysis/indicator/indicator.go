package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"qtf/internal/market"
)

// Series 把 bar 序列拆成指标计算需要的列向量。
type Series struct {
	Closes  []float64
	Highs   []float64
	Lows    []float64
	Volumes []float64
}

// FromBars 从 bar 历史构建列向量。
func FromBars(bars []market.Bar) Series {
	s := Series{
		Closes:  make([]float64, len(bars)),
		Highs:   make([]float64, len(bars)),
		Lows:    make([]float64, len(bars)),
		Volumes: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.Closes[i] = b.Close
		s.Highs[i] = b.High
		s.Lows[i] = b.Low
		s.Volumes[i] = b.Volume
	}
	return s
}

// SMA 简单移动平均，返回最新值。数据不足返回 0 和 false。
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	return lastValid(talib.Sma(closes, period)), true
}

// EMA 指数移动平均，返回最新值。
func EMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	series := trimLeadingZeros(sanitizeSeries(talib.Ema(closes, period)))
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// RSI（Wilder 平滑），返回最新值。
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	series := sanitizeSeries(talib.Rsi(closes, period))
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// MACD 返回最新的 macd/signal/hist 三元组。
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist float64, ok bool) {
	if fast <= 0 {
		fast = 12
	}
	if slow <= 0 {
		slow = 26
	}
	if signal <= 0 {
		signal = 9
	}
	if len(closes) < slow+signal {
		return 0, 0, 0, false
	}
	m, s, h := talib.Macd(closes, fast, slow, signal)
	return lastValid(m), lastValid(s), lastValid(h), true
}

// ATR 平均真实波幅，返回最新值。
func ATR(s Series, period int) (float64, bool) {
	if period <= 0 {
		period = 14
	}
	if len(s.Closes) <= period {
		return 0, false
	}
	series := sanitizeSeries(talib.Atr(s.Highs, s.Lows, s.Closes, period))
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// SMASeries 完整 SMA 序列（已剔除前导 NaN）。
func SMASeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	return sanitizeSeries(talib.Sma(closes, period))
}

// Snapshot 单个 symbol 的指标快照，供报告与 HTTP 查询输出。
type Snapshot struct {
	Symbol string             `json:"symbol"`
	Count  int                `json:"count"`
	Values map[string]float64 `json:"values"`
}

// Compute 计算常用指标快照。数据不足的指标直接省略。
func Compute(symbol string, bars []market.Bar) (Snapshot, error) {
	snap := Snapshot{Symbol: symbol, Count: len(bars), Values: make(map[string]float64)}
	if len(bars) == 0 {
		return snap, fmt.Errorf("no bars for %s", symbol)
	}
	s := FromBars(bars)
	if v, ok := SMA(s.Closes, 20); ok {
		snap.Values["sma_20"] = round4(v)
	}
	if v, ok := EMA(s.Closes, 21); ok {
		snap.Values["ema_21"] = round4(v)
	}
	if v, ok := EMA(s.Closes, 50); ok {
		snap.Values["ema_50"] = round4(v)
	}
	if v, ok := RSI(s.Closes, 14); ok {
		snap.Values["rsi_14"] = round4(v)
	}
	if m, sig, hist, ok := MACD(s.Closes, 12, 26, 9); ok {
		snap.Values["macd"] = round4(m)
		snap.Values["macd_signal"] = round4(sig)
		snap.Values["macd_hist"] = round4(hist)
	}
	if v, ok := ATR(s, 14); ok {
		snap.Values["atr_14"] = round4(v)
	}
	return snap, nil
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// trimLeadingZeros 去掉 TALib 用零占位的 EMA 预热段。
func trimLeadingZeros(series []float64) []float64 {
	start := 0
	for start < len(series) && math.Abs(series[start]) <= 1e-9 {
		start++
	}
	return series[start:]
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
