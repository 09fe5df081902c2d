package config

import (
	"fmt"
	"strings"

	"qtf/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Live.validate(); err != nil {
		return err
	}
	return nil
}

func (d *DataConfig) validate() error {
	switch d.Source {
	case "binance", "simulated":
	default:
		return fmt.Errorf("data.source 仅支持 binance/simulated，当前为 %s", d.Source)
	}
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("data.root 不能为空")
	}
	if d.Source == "binance" && strings.TrimSpace(d.Binance.RESTBaseURL) == "" {
		return fmt.Errorf("data.binance.rest_base_url 不能为空")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital 必须大于 0")
	}
	if b.CommissionRate < 0 || b.CommissionRate >= 1 {
		return fmt.Errorf("backtest.commission_rate 必须落在 [0,1)")
	}
	if b.SlippageRate < 0 || b.SlippageRate >= 1 {
		return fmt.Errorf("backtest.slippage_rate 必须落在 [0,1)")
	}
	if b.ExpiryBars <= 0 {
		return fmt.Errorf("backtest.expiry_bars 必须大于 0")
	}
	if _, err := market.ParseInterval(b.Interval); err != nil {
		return fmt.Errorf("backtest.interval 非法: %w", err)
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if _, err := market.ParseInterval(l.Interval); err != nil {
		return fmt.Errorf("live.interval 非法: %w", err)
	}
	for _, s := range l.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("live.symbols 含空元素")
		}
	}
	if l.Enabled {
		if strings.TrimSpace(l.Strategy) == "" {
			return fmt.Errorf("live.strategy 不能为空")
		}
		if len(l.Symbols) == 0 {
			return fmt.Errorf("live.symbols 不能为空")
		}
	}
	return nil
}
