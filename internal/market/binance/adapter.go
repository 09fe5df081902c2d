// Package binance 基于 go-binance SDK 实现 market.Adapter，
// 提供历史 K 线拉取与 bookTicker 实时推送。
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"qtf/internal/logger"
	"qtf/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

var bnLog = logger.For("binance")

const maxHistoryLimit = 1500

// Adapter 币安行情适配器。只做行情，不做交易（下单走 BrokerDriver）。
type Adapter struct {
	market.CallbackHub

	cfg    Config
	client *futures.Client

	mu        sync.Mutex
	connected bool
	subscribed map[string]bool
	streamStop context.CancelFunc
}

func New(cfg Config) (*Adapter, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Adapter{
		cfg:        final,
		client:     client,
		subscribed: make(map[string]bool),
	}, nil
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance ping failed: %w", err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streamStop != nil {
		a.streamStop()
		a.streamStop = nil
	}
	a.connected = false
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Subscribe 订阅 bookTicker 推送，重复订阅会重建 websocket 流。
func (a *Adapter) Subscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return market.ErrNotConnected
	}
	for _, sym := range symbols {
		clean := cleanSymbol(sym)
		if clean != "" {
			a.subscribed[clean] = true
		}
	}
	return a.restartStreamLocked()
}

func (a *Adapter) Unsubscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sym := range symbols {
		delete(a.subscribed, cleanSymbol(sym))
	}
	if len(a.subscribed) == 0 {
		if a.streamStop != nil {
			a.streamStop()
			a.streamStop = nil
		}
		return nil
	}
	return a.restartStreamLocked()
}

func (a *Adapter) restartStreamLocked() error {
	if a.streamStop != nil {
		a.streamStop()
		a.streamStop = nil
	}
	symbols := make([]string, 0, len(a.subscribed))
	for sym := range a.subscribed {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.streamStop = cancel
	go a.runBookTickerLoop(ctx, symbols)
	return nil
}

func (a *Adapter) runBookTickerLoop(ctx context.Context, symbols []string) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		handler := func(event *futures.WsBookTickerEvent) {
			if event == nil {
				return
			}
			bid := parseFloat(event.BestBidPrice)
			ask := parseFloat(event.BestAskPrice)
			a.Emit(market.Quote{
				Symbol:    event.Symbol,
				LastPrice: (bid + ask) / 2,
				BidPrice:  bid,
				BidVolume: parseFloat(event.BestBidQty),
				AskPrice:  ask,
				AskVolume: parseFloat(event.BestAskQty),
				Timestamp: time.Now(),
				Source:    a.Name(),
			})
		}
		errHandler := func(err error) {
			if err != nil {
				bnLog.Warnf("bookTicker stream error: %v", err)
			}
		}
		doneC, stopC, err := futures.WsCombinedBookTickerServe(symbols, handler, errHandler)
		if err != nil {
			bnLog.Warnf("bookTicker subscribe failed: %v", err)
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		bnLog.Warnf("bookTicker stream closed, reconnecting")
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

// GetHistory 分页拉取 [start, end] 区间的 K 线，返回升序序列。
func (a *Adapter) GetHistory(ctx context.Context, symbol string, start, end time.Time, interval market.Interval) ([]market.Bar, error) {
	clean := cleanSymbol(symbol)
	if clean == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("invalid history range")
	}
	var out []market.Bar
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	for cursor <= endMs {
		svc := a.client.NewKlinesService().
			Symbol(clean).
			Interval(interval.SourceInterval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(maxHistoryLimit)
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s@%s: %w", clean, interval.Key, err)
		}
		if len(kls) == 0 {
			break
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, market.Bar{
				Symbol:    symbol,
				Interval:  interval.Key,
				Timestamp: time.UnixMilli(kl.OpenTime).UTC(),
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
				Amount:    parseFloat(kl.QuoteAssetVolume),
				Source:    a.Name(),
			})
		}
		next := kls[len(kls)-1].OpenTime + interval.Duration.Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
	}
	if err := market.ValidateBars(symbol, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	clean := cleanSymbol(symbol)
	if clean == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	tickers, err := a.client.NewListBookTickersService().Symbol(clean).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch book ticker %s: %w", clean, err)
	}
	if len(tickers) == 0 || tickers[0] == nil {
		return nil, nil
	}
	bt := tickers[0]
	bid := parseFloat(bt.BidPrice)
	ask := parseFloat(bt.AskPrice)
	return &market.Quote{
		Symbol:    symbol,
		LastPrice: (bid + ask) / 2,
		BidPrice:  bid,
		BidVolume: parseFloat(bt.BidQuantity),
		AskPrice:  ask,
		AskVolume: parseFloat(bt.AskQuantity),
		Timestamp: time.Now(),
		Source:    a.Name(),
	}, nil
}

// cleanSymbol 去掉分隔符并大写（"eth/usdt" -> "ETHUSDT"）。
func cleanSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(cur time.Duration) time.Duration {
	next := cur * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
