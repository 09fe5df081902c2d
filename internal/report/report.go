package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"qtf/internal/engine"
)

// 回测 HTML 报告：权益曲线 + 回撤曲线 + 指标摘要，
// go-echarts 直接产出自包含页面，浏览器打开即用。

const (
	colorEquity   = "#3b82f6"
	colorDrawdown = "#f87171"

	chartWidth  = "1400px"
	chartHeight = "480px"
)

// WriteHTML 生成报告并写入 dir/<strategy>_<runID>.html，返回文件路径。
func WriteHTML(dir, runID string, res *engine.Result) (string, error) {
	if res == nil {
		return "", fmt.Errorf("result 不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("%s backtest report", res.StrategyID)

	page.AddCharts(
		equityChart(res),
		drawdownChart(res),
	)

	name := fmt.Sprintf("%s_%s.html", strings.ToLower(res.StrategyID), runID)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return "", err
	}
	return path, nil
}

func equityChart(res *engine.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s 权益曲线", res.StrategyID),
			Subtitle: fmt.Sprintf(
				"symbols=%s  return=%.2f%%  annual=%.2f%%  sharpe=%.2f  win=%.1f%%  trades=%d",
				strings.Join(res.Symbols, ","),
				res.TotalReturn*100, res.AnnualReturn*100,
				res.Sharpe, res.WinRate*100, res.TotalTrades),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)

	xs, ys := curveSeries(res)
	line.SetXAxis(xs).AddSeries("equity", ys,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity}),
	)
	return line
}

func drawdownChart(res *engine.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "回撤",
			Subtitle: fmt.Sprintf("max drawdown=%.2f%%", res.MaxDrawdown*100),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)

	xs := make([]string, 0, len(res.EquityCurve))
	ys := make([]opts.LineData, 0, len(res.EquityCurve))
	peak := 0.0
	for _, p := range res.EquityCurve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - p.Equity) / peak * 100
		}
		xs = append(xs, p.Time.Format(timeLayout(res.Interval)))
		ys = append(ys, opts.LineData{Value: -dd})
	}
	line.SetXAxis(xs).AddSeries("drawdown %", ys,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.3)}),
	)
	return line
}

func curveSeries(res *engine.Result) ([]string, []opts.LineData) {
	layout := timeLayout(res.Interval)
	xs := make([]string, 0, len(res.EquityCurve))
	ys := make([]opts.LineData, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		xs = append(xs, p.Time.Format(layout))
		ys = append(ys, opts.LineData{Value: p.Equity})
	}
	return xs, ys
}

// timeLayout 日线以上只显示日期，日内带时分。
func timeLayout(interval string) string {
	switch interval {
	case "1d", "1w":
		return "2006-01-02"
	default:
		return "2006-01-02 15:04"
	}
}
