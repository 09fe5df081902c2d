package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"qtf/internal/engine"
)

// 回测结果持久化：runs 汇总一张表，订单/成交/权益点各一张明细表，
// 全部挂在 run_id 下。HTTP 查询接口直接读这里。

// RunStatus 回测任务状态。
type RunStatus string

const (
	StatusRunning RunStatus = "RUNNING"
	StatusDone    RunStatus = "DONE"
	StatusFailed  RunStatus = "FAILED"
)

// ErrRunNotFound 指定 run 不存在。
var ErrRunNotFound = errors.New("backtest run not found")

// RunModel 一次回测任务的汇总记录。
type RunModel struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	StrategyID string    `gorm:"column:strategy_id;index" json:"strategy_id"`
	Symbols    string    `gorm:"column:symbols" json:"symbols"`
	Interval   string    `gorm:"column:interval" json:"interval"`
	Status     RunStatus `gorm:"column:status;index" json:"status"`
	Message    string    `gorm:"column:message" json:"message,omitempty"`

	StartTS int64 `gorm:"column:start_ts" json:"start_ts"`
	EndTS   int64 `gorm:"column:end_ts" json:"end_ts"`
	Bars    int   `gorm:"column:bars" json:"bars"`

	InitialCapital float64 `gorm:"column:initial_capital" json:"initial_capital"`
	FinalEquity    float64 `gorm:"column:final_equity" json:"final_equity"`
	TotalReturn    float64 `gorm:"column:total_return" json:"total_return"`
	AnnualReturn   float64 `gorm:"column:annual_return" json:"annual_return"`
	MaxDrawdown    float64 `gorm:"column:max_drawdown" json:"max_drawdown"`
	Sharpe         float64 `gorm:"column:sharpe" json:"sharpe"`
	WinRate        float64 `gorm:"column:win_rate" json:"win_rate"`
	TotalTrades    int     `gorm:"column:total_trades" json:"total_trades"`
	Commission     float64 `gorm:"column:commission" json:"commission"`

	ConfigJSON datatypes.JSON `gorm:"column:config_json" json:"config,omitempty"`

	CreatedAt int64 `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

func (RunModel) TableName() string { return "backtest_runs" }

// OrderModel 回测订单明细。
type OrderModel struct {
	ID           int64   `gorm:"column:id;primaryKey" json:"-"`
	RunID        string  `gorm:"column:run_id;index" json:"run_id"`
	OrderID      string  `gorm:"column:order_id" json:"order_id"`
	Symbol       string  `gorm:"column:symbol" json:"symbol"`
	Direction    string  `gorm:"column:direction" json:"direction"`
	Type         string  `gorm:"column:order_type" json:"order_type"`
	Price        float64 `gorm:"column:price" json:"price"`
	Volume       float64 `gorm:"column:volume" json:"volume"`
	Status       string  `gorm:"column:status" json:"status"`
	FilledVolume float64 `gorm:"column:filled_volume" json:"filled_volume"`
	FilledPrice  float64 `gorm:"column:filled_price" json:"filled_price"`
	Reason       string  `gorm:"column:reason" json:"reason,omitempty"`
	CreateTS     int64   `gorm:"column:create_ts" json:"create_ts"`
	UpdateTS     int64   `gorm:"column:update_ts" json:"update_ts"`
}

func (OrderModel) TableName() string { return "backtest_orders" }

// FillModel 回测成交明细。
type FillModel struct {
	ID          int64   `gorm:"column:id;primaryKey" json:"-"`
	RunID       string  `gorm:"column:run_id;index" json:"run_id"`
	TradeID     string  `gorm:"column:trade_id" json:"trade_id"`
	OrderID     string  `gorm:"column:order_id" json:"order_id"`
	Symbol      string  `gorm:"column:symbol" json:"symbol"`
	Direction   string  `gorm:"column:direction" json:"direction"`
	Price       float64 `gorm:"column:price" json:"price"`
	Volume      float64 `gorm:"column:volume" json:"volume"`
	Commission  float64 `gorm:"column:commission" json:"commission"`
	Realized    bool    `gorm:"column:realized" json:"realized"`
	RealizedPnL float64 `gorm:"column:realized_pnl" json:"realized_pnl"`
	Timestamp   int64   `gorm:"column:ts" json:"ts"`
}

func (FillModel) TableName() string { return "backtest_fills" }

// EquityModel 权益曲线采样点。
type EquityModel struct {
	ID     int64   `gorm:"column:id;primaryKey" json:"-"`
	RunID  string  `gorm:"column:run_id;index" json:"run_id"`
	TS     int64   `gorm:"column:ts" json:"ts"`
	Equity float64 `gorm:"column:equity" json:"equity"`
}

func (EquityModel) TableName() string { return "backtest_equity" }

// Store 基于 gorm + sqlite 的结果库。
type Store struct {
	db *gorm.DB
}

// NewStore 打开（或创建）结果库并完成建表。
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("results store 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RunModel{}, &OrderModel{}, &FillModel{}, &EquityModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// WAL 下允许少量并发，照顾 HTTP 读
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun 登记一个 RUNNING 状态的任务，config 原样存 JSON。
func (s *Store) CreateRun(ctx context.Context, runID, strategyID string, config any) error {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}
	model := RunModel{
		ID:         runID,
		StrategyID: strategyID,
		Status:     StatusRunning,
		ConfigJSON: datatypes.JSON(cfgJSON),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// SaveResult 落盘完整回测结果并把任务标记为 DONE。
// 重跑同一 run_id 时覆盖旧明细。
func (s *Store) SaveResult(ctx context.Context, runID string, res *engine.Result) error {
	if res == nil {
		return fmt.Errorf("result 不能为空")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := RunModel{
			ID:             runID,
			StrategyID:     res.StrategyID,
			Symbols:        strings.Join(res.Symbols, ","),
			Interval:       res.Interval,
			Status:         StatusDone,
			StartTS:        res.StartTime.UnixMilli(),
			EndTS:          res.EndTime.UnixMilli(),
			Bars:           res.Bars,
			InitialCapital: res.InitialCapital,
			FinalEquity:    res.FinalEquity,
			TotalReturn:    res.TotalReturn,
			AnnualReturn:   res.AnnualReturn,
			MaxDrawdown:    res.MaxDrawdown,
			Sharpe:         res.Sharpe,
			WinRate:        res.WinRate,
			TotalTrades:    res.TotalTrades,
			Commission:     res.Commission,
		}
		cols := []string{
			"strategy_id", "symbols", "interval", "status", "start_ts", "end_ts", "bars",
			"initial_capital", "final_equity", "total_return", "annual_return",
			"max_drawdown", "sharpe", "win_rate", "total_trades", "commission", "updated_at",
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).Create(&run).Error; err != nil {
			return err
		}

		for _, table := range []any{&OrderModel{}, &FillModel{}, &EquityModel{}} {
			if err := tx.Where("run_id = ?", runID).Delete(table).Error; err != nil {
				return err
			}
		}

		if len(res.Orders) > 0 {
			orders := make([]OrderModel, 0, len(res.Orders))
			for _, o := range res.Orders {
				orders = append(orders, OrderModel{
					RunID:        runID,
					OrderID:      o.ID,
					Symbol:       o.Symbol,
					Direction:    string(o.Direction),
					Type:         string(o.Type),
					Price:        o.Price,
					Volume:       o.Volume,
					Status:       string(o.Status),
					FilledVolume: o.FilledVolume,
					FilledPrice:  o.FilledPrice,
					Reason:       o.Reason,
					CreateTS:     o.CreateTime.UnixMilli(),
					UpdateTS:     o.UpdateTime.UnixMilli(),
				})
			}
			if err := tx.CreateInBatches(orders, 200).Error; err != nil {
				return err
			}
		}
		if len(res.Fills) > 0 {
			fills := make([]FillModel, 0, len(res.Fills))
			for _, f := range res.Fills {
				fills = append(fills, FillModel{
					RunID:       runID,
					TradeID:     f.ID,
					OrderID:     f.OrderID,
					Symbol:      f.Symbol,
					Direction:   string(f.Direction),
					Price:       f.Price,
					Volume:      f.Volume,
					Commission:  f.Commission,
					Realized:    f.Realized,
					RealizedPnL: f.RealizedPnL,
					Timestamp:   f.Timestamp.UnixMilli(),
				})
			}
			if err := tx.CreateInBatches(fills, 200).Error; err != nil {
				return err
			}
		}
		if len(res.EquityCurve) > 0 {
			points := make([]EquityModel, 0, len(res.EquityCurve))
			for _, p := range res.EquityCurve {
				points = append(points, EquityModel{RunID: runID, TS: p.Time.UnixMilli(), Equity: p.Equity})
			}
			if err := tx.CreateInBatches(points, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkFailed 任务失败收尾。
func (s *Store) MarkFailed(ctx context.Context, runID, message string) error {
	res := s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ?", runID).
		Updates(map[string]any{"status": StatusFailed, "message": message})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun 按 ID 读取任务汇总。
func (s *Store) GetRun(ctx context.Context, runID string) (RunModel, error) {
	var run RunModel
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunModel{}, ErrRunNotFound
	}
	return run, err
}

// ListRuns 最近的任务列表，按创建时间倒序。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []RunModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// EquityCurve 读取权益曲线，时间升序。
func (s *Store) EquityCurve(ctx context.Context, runID string) ([]engine.EquityPoint, error) {
	var models []EquityModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("ts ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]engine.EquityPoint, 0, len(models))
	for _, m := range models {
		out = append(out, engine.EquityPoint{Time: time.UnixMilli(m.TS).UTC(), Equity: m.Equity})
	}
	return out, nil
}

// ListOrders 读取订单明细。
func (s *Store) ListOrders(ctx context.Context, runID string, limit int) ([]OrderModel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var out []OrderModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("create_ts ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListFills 读取成交明细。
func (s *Store) ListFills(ctx context.Context, runID string, limit int) ([]FillModel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var out []FillModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("ts ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
