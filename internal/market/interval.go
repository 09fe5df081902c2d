package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval 描述 K 线周期（内部 duration + 数据源 interval 名）。
type Interval struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseInterval 返回标准化周期定义。
func ParseInterval(input string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return iv, nil
}

// SupportedIntervals 返回所有支持的 key（排序后）。
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PeriodsPerYear 年化因子：一年包含多少个该周期。
// 夏普比率、年化收益的缩放都用它。
func (iv Interval) PeriodsPerYear() float64 {
	if iv.Duration <= 0 {
		return 0
	}
	const year = 365 * 24 * time.Hour
	return float64(year) / float64(iv.Duration)
}

// AlignDown 将时间对齐到周期网格。
func (iv Interval) AlignDown(ts time.Time) time.Time {
	if iv.Duration <= 0 {
		return ts
	}
	return ts.Truncate(iv.Duration)
}
