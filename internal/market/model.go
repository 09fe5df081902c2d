package market

import "time"

// Quote 实时行情快照。
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`

	BidPrice  float64 `json:"bid_price"`
	BidVolume float64 `json:"bid_volume"`
	AskPrice  float64 `json:"ask_price"`
	AskVolume float64 `json:"ask_volume"`

	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	PreClose float64 `json:"pre_close"`
	Volume   float64 `json:"volume"`
	Amount   float64 `json:"amount"`

	Source string `json:"source,omitempty"`
}

// Bar 单个周期的 K 线。同一 (symbol, interval) 的序列要求时间戳严格递增。
type Bar struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Amount float64 `json:"amount"`

	Source string `json:"source,omitempty"`
}

// Tick 逐笔成交。
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction,omitempty"` // B/S/N
	Source    string    `json:"source,omitempty"`
}
