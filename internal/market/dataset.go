package market

import (
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

// LoadBarsFile 从 JSON 文件加载 K 线序列。支持两种布局：
//   - 交易所 kline 数组: [[openTimeMs, "open", "high", "low", "close", "volume", ...], ...]
//   - 对象数组: [{"timestamp": ..., "open": ..., ...}, ...]，timestamp
//     可以是毫秒时间戳或 RFC3339 字符串。
func LoadBarsFile(path, symbol string, interval Interval) ([]Bar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取数据文件失败: %w", err)
	}
	bars, err := ParseBars(raw, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return bars, nil
}

// ParseBars 解析 JSON K 线数据并校验时间顺序。
func ParseBars(raw []byte, symbol string, interval Interval) ([]Bar, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, fmt.Errorf("期望 JSON 数组")
	}
	items := root.Array()
	bars := make([]Bar, 0, len(items))
	for i, item := range items {
		var bar Bar
		var err error
		switch {
		case item.IsArray():
			bar, err = parseKlineRow(item)
		case item.IsObject():
			bar, err = parseBarObject(item)
		default:
			err = fmt.Errorf("未知元素类型")
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 条记录: %w", i, err)
		}
		bar.Symbol = symbol
		bar.Interval = interval.Key
		bars = append(bars, bar)
	}
	if err := ValidateBars(symbol, bars); err != nil {
		return nil, err
	}
	return bars, nil
}

func parseKlineRow(row gjson.Result) (Bar, error) {
	cols := row.Array()
	if len(cols) < 6 {
		return Bar{}, fmt.Errorf("kline 行至少需要 6 列，实际 %d", len(cols))
	}
	ts := cols[0].Int()
	if ts <= 0 {
		return Bar{}, fmt.Errorf("open time 非法: %s", cols[0].Raw)
	}
	bar := Bar{
		Timestamp: time.UnixMilli(ts).UTC(),
		Open:      cols[1].Float(),
		High:      cols[2].Float(),
		Low:       cols[3].Float(),
		Close:     cols[4].Float(),
		Volume:    cols[5].Float(),
	}
	if len(cols) > 7 {
		bar.Amount = cols[7].Float()
	}
	return bar, nil
}

func parseBarObject(item gjson.Result) (Bar, error) {
	tsField := item.Get("timestamp")
	if !tsField.Exists() {
		tsField = item.Get("open_time")
	}
	var ts time.Time
	switch tsField.Type {
	case gjson.Number:
		ts = time.UnixMilli(tsField.Int()).UTC()
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339, tsField.String())
		if err != nil {
			return Bar{}, fmt.Errorf("timestamp 解析失败: %w", err)
		}
		ts = parsed
	default:
		return Bar{}, fmt.Errorf("缺少 timestamp 字段")
	}
	return Bar{
		Timestamp: ts,
		Open:      item.Get("open").Float(),
		High:      item.Get("high").Float(),
		Low:       item.Get("low").Float(),
		Close:     item.Get("close").Float(),
		Volume:    item.Get("volume").Float(),
		Amount:    item.Get("amount").Float(),
	}, nil
}
