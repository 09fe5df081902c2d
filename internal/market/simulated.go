package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"qtf/internal/logger"
)

var simLog = logger.For("simulated")

// SimulatedConfig 模拟行情源参数。
type SimulatedConfig struct {
	InitialPrice float64       // 订阅标的的起始价
	TickInterval time.Duration // 推送间隔
	Drift        float64       // 单步最大随机波动（比例）
	Seed         int64         // 随机种子，0 表示按时间取
}

func (c SimulatedConfig) withDefaults() SimulatedConfig {
	if c.InitialPrice <= 0 {
		c.InitialPrice = 100
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Drift <= 0 {
		c.Drift = 0.005
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Simulated 随机游走行情源，用于联调和示例。
type Simulated struct {
	CallbackHub

	cfg SimulatedConfig

	mu        sync.Mutex
	prices    map[string]float64
	connected bool
	cancel    context.CancelFunc
	rng       *rand.Rand
}

// NewSimulated 创建模拟行情源。
func NewSimulated(cfg SimulatedConfig) *Simulated {
	final := cfg.withDefaults()
	return &Simulated{
		cfg:    final,
		prices: make(map[string]float64),
		rng:    rand.New(rand.NewSource(final.Seed)),
	}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.connected = true
	go s.pushLoop(runCtx)
	simLog.Infof("connected")
	return nil
}

func (s *Simulated) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.cancel()
	s.connected = false
	simLog.Infof("disconnected")
	return nil
}

func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulated) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := s.prices[sym]; !ok {
			s.prices[sym] = s.cfg.InitialPrice
		}
	}
	return nil
}

func (s *Simulated) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.prices, sym)
	}
	return nil
}

// GetHistory 生成确定性的随机游走日线序列（同一 seed 可复现）。
func (s *Simulated) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]Bar, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("history 区间非法: start=%s end=%s", start, end)
	}
	step := interval.Duration
	if step <= 0 {
		return nil, fmt.Errorf("interval 无效: %s", interval.Key)
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed ^ int64(hashSymbol(symbol))))
	price := s.cfg.InitialPrice
	var bars []Bar
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		open := price
		change := (rng.Float64()*2 - 1) * s.cfg.Drift * 4
		price = price * (1 + change)
		high := open
		low := open
		if price > high {
			high = price
		}
		if price < low {
			low = price
		}
		high *= 1 + rng.Float64()*s.cfg.Drift
		low *= 1 - rng.Float64()*s.cfg.Drift
		bars = append(bars, Bar{
			Symbol:    symbol,
			Interval:  interval.Key,
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    float64(1000 + rng.Intn(9000)),
			Source:    s.Name(),
		})
	}
	return bars, nil
}

func (s *Simulated) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	price, ok := s.prices[symbol]
	if !ok {
		price = s.cfg.InitialPrice
	}
	return &Quote{
		Symbol:    symbol,
		LastPrice: price,
		Timestamp: time.Now(),
		Source:    s.Name(),
	}, nil
}

func (s *Simulated) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushOnce()
		}
	}
}

func (s *Simulated) pushOnce() {
	s.mu.Lock()
	quotes := make([]Quote, 0, len(s.prices))
	for sym, old := range s.prices {
		change := (s.rng.Float64()*2 - 1) * s.cfg.Drift
		next := old * (1 + change)
		s.prices[sym] = next
		quotes = append(quotes, Quote{
			Symbol:    sym,
			LastPrice: next,
			PreClose:  old,
			High:      maxFloat(old, next),
			Low:       minFloat(old, next),
			Volume:    float64(1 + s.rng.Intn(100)),
			Timestamp: time.Now(),
			Source:    s.Name(),
		})
	}
	s.mu.Unlock()
	for _, q := range quotes {
		s.Emit(q)
	}
}

func hashSymbol(symbol string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return h
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
