package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotConnected 适配器未连接时的读写操作。
var ErrNotConnected = errors.New("market data adapter not connected")

// DataOrderError 行情数据乱序或重复时间戳。引擎 fail fast，
// 不做静默重排，便于暴露上游适配器的 bug。
type DataOrderError struct {
	Symbol   string
	Interval string
	Index    int
	Prev     time.Time
	Curr     time.Time
}

func (e *DataOrderError) Error() string {
	return fmt.Sprintf("bar 序列乱序: %s@%s index=%d prev=%s curr=%s",
		e.Symbol, e.Interval, e.Index,
		e.Prev.Format(time.RFC3339), e.Curr.Format(time.RFC3339))
}

// ValidateBars 校验序列按时间戳严格递增。
func ValidateBars(symbol string, bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return &DataOrderError{
				Symbol:   symbol,
				Interval: bars[i].Interval,
				Index:    i,
				Prev:     bars[i-1].Timestamp,
				Curr:     bars[i].Timestamp,
			}
		}
	}
	return nil
}

// QuoteCallback 实时行情推送回调。
type QuoteCallback func(Quote)

// Adapter 行情数据源契约。GetHistory 返回的序列必须按时间戳升序、
// 无重复时间戳（引擎侧仍会用 ValidateBars 把关）。
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error

	GetHistory(ctx context.Context, symbol string, start, end time.Time, interval Interval) ([]Bar, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	OnQuote(cb QuoteCallback)
}

// CallbackHub 管理推送回调，具体适配器内嵌它获得 OnQuote/emit 能力。
type CallbackHub struct {
	mu        sync.RWMutex
	callbacks []QuoteCallback
}

// OnQuote 注册回调。
func (h *CallbackHub) OnQuote(cb QuoteCallback) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.callbacks = append(h.callbacks, cb)
	h.mu.Unlock()
}

// Emit 依注册顺序推送一条行情。
func (h *CallbackHub) Emit(q Quote) {
	h.mu.RLock()
	cbs := make([]QuoteCallback, len(h.callbacks))
	copy(cbs, h.callbacks)
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(q)
	}
}
