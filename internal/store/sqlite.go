package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"divscan/internal/logger"
	"divscan/internal/market"
)

// SQLiteStore 基于 SQLite 的 K 线持久化，供回补与批量扫描复用历史数据。
// 只存 K 线本身，不存扫描结果。
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库文件，开启 WAL 并执行幂等迁移。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("数据库路径不能为空")
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debugf("[store] sqlite 就绪: %s", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS candles (
            symbol     TEXT    NOT NULL,
            interval   TEXT    NOT NULL,
            open_time  INTEGER NOT NULL,
            open       REAL    NOT NULL,
            high       REAL    NOT NULL,
            low        REAL    NOT NULL,
            close      REAL    NOT NULL,
            volume     REAL    NOT NULL,
            close_time INTEGER NOT NULL,
            trades     INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (symbol, interval, open_time)
        )`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("迁移失败: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("store 未初始化")
	}
	return db, nil
}

func normalizeKey(symbol, interval string) (string, string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	iv := strings.TrimSpace(interval)
	if sym == "" || iv == "" {
		return "", "", errors.New("symbol/interval 不能为空")
	}
	return sym, iv, nil
}

// Upsert 批量写入 K 线，重复的 (symbol, interval, open_time) 覆盖旧值。
func (s *SQLiteStore) Upsert(ctx context.Context, symbol, interval string, candles []market.Candle) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	sym, iv, err := normalizeKey(symbol, interval)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume, close_time, trades)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
            open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
            volume=excluded.volume, close_time=excluded.close_time, trades=excluded.trades`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, sym, iv, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime, c.Trades); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入 %s %s open_time=%d 失败: %w", sym, iv, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

// Load 返回区间内按开盘时间升序的 K 线。
// start/end 为 0 表示不限制对应边界，limit<=0 表示不限量。
func (s *SQLiteStore) Load(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	sym, iv, err := normalizeKey(symbol, interval)
	if err != nil {
		return nil, err
	}
	query := `SELECT open_time, open, high, low, close, volume, close_time, trades
        FROM candles WHERE symbol=? AND interval=?`
	args := []interface{}{sym, iv}
	if start > 0 {
		query += " AND open_time>=?"
		args = append(args, start)
	}
	if end > 0 {
		query += " AND open_time<=?"
		args = append(args, end)
	}
	query += " ORDER BY open_time ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows)
}

// LoadRecent 返回最近 limit 根 K 线（升序）。
func (s *SQLiteStore) LoadRecent(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	sym, iv, err := normalizeKey(symbol, interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
        SELECT open_time, open, high, low, close, volume, close_time, trades
        FROM candles WHERE symbol=? AND interval=?
        ORDER BY open_time DESC LIMIT ?`, sym, iv, limit)
	if err != nil {
		return nil, err
	}
	out, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// LoadOpenTimes 返回区间内已入库的开盘时间（升序），供完整性检查使用。
func (s *SQLiteStore) LoadOpenTimes(ctx context.Context, symbol, interval string, start, end int64) ([]int64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	sym, iv, err := normalizeKey(symbol, interval)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
        SELECT open_time FROM candles
        WHERE symbol=? AND interval=? AND open_time>=? AND open_time<=?
        ORDER BY open_time ASC`, sym, iv, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Manifest 描述某 symbol+interval 的入库概况。
type Manifest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Count    int64  `json:"count"`
	First    int64  `json:"first"`
	Last     int64  `json:"last"`
}

// Manifest 统计指定序列的入库数量与首尾开盘时间。
func (s *SQLiteStore) Manifest(ctx context.Context, symbol, interval string) (Manifest, error) {
	db, err := s.handle()
	if err != nil {
		return Manifest{}, err
	}
	sym, iv, err := normalizeKey(symbol, interval)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Symbol: sym, Interval: iv}
	row := db.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0)
        FROM candles WHERE symbol=? AND interval=?`, sym, iv)
	if err := row.Scan(&m.Count, &m.First, &m.Last); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Close 关闭底层数据库连接，此后所有操作返回未初始化错误。
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func scanCandles(rows *sql.Rows) ([]market.Candle, error) {
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime, &c.Trades); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
