package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"qtf/internal/engine"
	"qtf/internal/logger"
	"qtf/internal/market"
	"qtf/internal/report"
	"qtf/internal/store/candle"
	"qtf/internal/store/results"
	"qtf/internal/strategy"
)

var runnerLog = logger.For("backtest")

// RunParams 描述一次回测请求。
type RunParams struct {
	Strategy       string         `json:"strategy" binding:"required"`
	Params         map[string]any `json:"params"`
	Symbols        []string       `json:"symbols" binding:"required"`
	Interval       string         `json:"interval"`
	StartTS        int64          `json:"start_ts" binding:"required"`
	EndTS          int64          `json:"end_ts" binding:"required"`
	InitialCapital float64        `json:"initial_capital"`
	CommissionRate float64        `json:"commission_rate"`
	SlippageRate   float64        `json:"slippage_rate"`
	ExpiryBars     int            `json:"expiry_bars"`
}

// RunnerConfig 配置回测服务的依赖。
type RunnerConfig struct {
	Candles       *candle.Store
	Adapter       market.Adapter
	Registry      *strategy.Registry
	Results       *results.Store
	ReportDir     string
	MaxConcurrent int
}

// Runner 负责回测任务的编排：取数、建策略、跑引擎、落库、出报告。
// Submit 异步执行，状态通过 results store 查询。
type Runner struct {
	candles   *candle.Store
	adapter   market.Adapter
	registry  *strategy.Registry
	results   *results.Store
	reportDir string

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	baseCtx context.Context
}

// NewRunner 构建回测服务。
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("数据源 adapter 不能为空")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("strategy registry 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("results store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Runner{
		candles:   cfg.Candles,
		adapter:   cfg.Adapter,
		registry:  cfg.Registry,
		results:   cfg.Results,
		reportDir: cfg.ReportDir,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		baseCtx:   context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

// Submit 校验参数后异步执行回测，立即返回 run ID。
func (r *Runner) Submit(p RunParams) (string, error) {
	p, err := r.normalize(p)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	if err := r.results.CreateRun(r.baseCtx, runID, p.Strategy, p); err != nil {
		return "", err
	}
	runnerLog.Infof("任务 %s 提交: strategy=%s symbols=%v interval=%s",
		runID, p.Strategy, p.Symbols, p.Interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.baseCtx, 1); err != nil {
			_ = r.results.MarkFailed(context.Background(), runID, "服务已关闭")
			return
		}
		defer r.sem.Release(1)
		if _, err := r.execute(r.baseCtx, runID, p); err != nil {
			runnerLog.Errorf("任务 %s 失败: %v", runID, err)
			_ = r.results.MarkFailed(context.Background(), runID, err.Error())
		}
	}()
	return runID, nil
}

// RunSync 同步执行一次回测并返回结果，CLI 入口使用。
func (r *Runner) RunSync(ctx context.Context, p RunParams) (string, *engine.Result, error) {
	p, err := r.normalize(p)
	if err != nil {
		return "", nil, err
	}
	runID := uuid.NewString()
	if err := r.results.CreateRun(ctx, runID, p.Strategy, p); err != nil {
		return "", nil, err
	}
	res, err := r.execute(ctx, runID, p)
	if err != nil {
		_ = r.results.MarkFailed(ctx, runID, err.Error())
		return runID, nil, err
	}
	return runID, res, nil
}

// Wait 等待全部在跑任务结束，关机时调用。
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) normalize(p RunParams) (RunParams, error) {
	p.Strategy = strings.TrimSpace(p.Strategy)
	if p.Strategy == "" {
		return p, fmt.Errorf("strategy 不能为空")
	}
	if _, ok := r.registry.Template(p.Strategy); !ok {
		return p, fmt.Errorf("未知策略模板: %s", p.Strategy)
	}
	if len(p.Symbols) == 0 {
		return p, fmt.Errorf("symbols 不能为空")
	}
	for i, s := range p.Symbols {
		p.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		if p.Symbols[i] == "" {
			return p, fmt.Errorf("symbols 含空元素")
		}
	}
	if p.Interval == "" {
		p.Interval = "1d"
	}
	if _, err := market.ParseInterval(p.Interval); err != nil {
		return p, err
	}
	if p.EndTS <= p.StartTS {
		return p, fmt.Errorf("start 与 end 需要构成区间")
	}
	return p, nil
}

func (r *Runner) execute(ctx context.Context, runID string, p RunParams) (*engine.Result, error) {
	iv, err := market.ParseInterval(p.Interval)
	if err != nil {
		return nil, err
	}
	st, err := r.registry.Build(p.Strategy, p.Params)
	if err != nil {
		return nil, err
	}

	bt := engine.NewBacktest(engine.BacktestConfig{
		InitialCapital: p.InitialCapital,
		CommissionRate: p.CommissionRate,
		SlippageRate:   p.SlippageRate,
		ExpiryBars:     p.ExpiryBars,
		Interval:       p.Interval,
	})
	bt.SetStrategy(st)

	start := time.UnixMilli(p.StartTS).UTC()
	end := time.UnixMilli(p.EndTS).UTC()
	for _, symbol := range p.Symbols {
		bars, err := r.candles.EnsureRange(ctx, r.adapter, symbol, iv, start, end)
		if err != nil {
			return nil, fmt.Errorf("取数失败 %s: %w", symbol, err)
		}
		if len(bars) == 0 {
			return nil, fmt.Errorf("区间内没有 %s 的数据", symbol)
		}
		if err := bt.AddData(symbol, bars); err != nil {
			return nil, err
		}
	}

	res, err := bt.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.results.SaveResult(ctx, runID, res); err != nil {
		return nil, fmt.Errorf("结果落库失败: %w", err)
	}
	if r.reportDir != "" {
		if path, err := report.WriteHTML(r.reportDir, runID, res); err != nil {
			runnerLog.Warnf("报告生成失败 run=%s: %v", runID, err)
		} else {
			runnerLog.Infof("报告已生成: %s", path)
		}
	}
	runnerLog.Infof("任务 %s 完成: bars=%d return=%.4f sharpe=%.2f",
		runID, res.Bars, res.TotalReturn, res.Sharpe)
	return res, nil
}
