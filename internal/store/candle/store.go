package candle

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"qtf/internal/logger"
	"qtf/internal/market"
)

var storeLog = logger.For("candle")

// Manifest 记录某个 symbol@interval 数据文件的覆盖范围。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Store 本地 K 线缓存。每个 symbol@interval 一个 sqlite 文件，
// 回测反复跑同一段历史时不必每次都打数据源。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewStore 创建缓存，root 目录不存在时自动建立。
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

// Close 关闭全部已打开的数据库句柄。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(symbol, interval string) (*sql.DB, string, error) {
	if symbol == "" || interval == "" {
		return nil, "", fmt.Errorf("symbol/interval 不能为空")
	}
	key := strings.ToUpper(symbol) + "@" + strings.ToLower(interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, s.dbPath(symbol, interval), nil
	}
	path := s.dbPath(symbol, interval)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, symbol, interval); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(symbol, interval string) string {
	dir := filepath.Join(s.root, strings.ToUpper(symbol))
	return filepath.Join(dir, strings.ToLower(interval)+".db")
}

// Upsert 批量写入 bar，重复时间戳覆盖旧值。
func (s *Store) Upsert(ctx context.Context, symbol, interval string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (open_time, open, high, low, close, volume, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    amount=excluded.amount`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Timestamp.UnixMilli(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// Range 读取闭区间 [start, end] 内的 bar，时间升序。
func (s *Store) Range(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("区间非法: start=%s end=%s", start, end)
	}
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, amount
		FROM bars WHERE open_time BETWEEN ? AND ?
		ORDER BY open_time ASC`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBars(rows, symbol, interval)
}

// Latest 读取最近 limit 根 bar，时间升序返回。
func (s *Store) Latest(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	if limit <= 0 {
		limit = 200
	}
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, amount
		FROM bars ORDER BY open_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bars, err := scanBars(rows, symbol, interval)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Manifest 返回数据文件的覆盖统计。
func (s *Store) Manifest(ctx context.Context, symbol, interval string) (Manifest, error) {
	db, path, err := s.db(symbol, interval)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT symbol, interval, min_time, max_time, rows, last_sync_at FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Symbol, &m.Interval, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM bars),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM bars),
		    rows = (SELECT COUNT(1) FROM bars),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func scanBars(rows *sql.Rows, symbol, interval string) ([]market.Bar, error) {
	var out []market.Bar
	for rows.Next() {
		var ts int64
		var b market.Bar
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, err
		}
		b.Symbol = symbol
		b.Interval = interval
		b.Timestamp = time.UnixMilli(ts).UTC()
		b.Source = "cache"
		out = append(out, b)
	}
	return out, rows.Err()
}

func ensureSchema(db *sql.DB, symbol, interval string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			open_time  INTEGER PRIMARY KEY,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			amount     REAL DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, symbol, interval) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, interval=excluded.interval;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, strings.ToUpper(symbol), strings.ToLower(interval))
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureRange 缓存穿透读：区间已被本地覆盖则直接返回，否则经
// adapter 拉取缺口并落盘。只做整段补齐，不做逐洞修补。
func (s *Store) EnsureRange(ctx context.Context, adapter market.Adapter, symbol string, iv market.Interval, start, end time.Time) ([]market.Bar, error) {
	m, err := s.Manifest(ctx, symbol, iv.Key)
	if err == nil && m.Rows > 0 &&
		m.MinTime <= start.UnixMilli() && m.MaxTime >= end.Add(-iv.Duration).UnixMilli() {
		return s.Range(ctx, symbol, iv.Key, start, end)
	}
	bars, err := adapter.GetHistory(ctx, symbol, start, end, iv)
	if err != nil {
		return nil, err
	}
	if n, err := s.Upsert(ctx, symbol, iv.Key, bars); err != nil {
		storeLog.Warnf("缓存写入失败 %s@%s: %v", symbol, iv.Key, err)
	} else {
		storeLog.Debugf("缓存补齐 %s@%s: %d rows", symbol, iv.Key, n)
	}
	return bars, nil
}
