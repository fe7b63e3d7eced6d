package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default file-backed store
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database file at path, creating its directory
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the tables when missing
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, query := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) TodayBalance(ctx context.Context, day time.Time) (*BalanceRow, error) {
	start, end := dayBounds(day)
	var (
		row                  BalanceRow
		withdrawal           int
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, value, variation, pnl_hour, withdrawal, created_at, updated_at
		FROM account_balance WHERE created_at >= ? AND created_at < ?
		ORDER BY id LIMIT 1`,
		start.UnixMilli(), end.UnixMilli(),
	).Scan(&row.ID, &row.Value, &row.Variation, &row.PnlHour, &withdrawal, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	row.Withdrawal = withdrawal != 0
	row.CreatedAt = time.UnixMilli(createdAt).UTC()
	row.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &row, nil
}

func (s *SQLiteStore) InsertBalance(ctx context.Context, value float64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO account_balance (value, variation, pnl_hour, withdrawal, created_at, updated_at)
		VALUES (?, 0, 0, 0, ?, ?)`,
		value, at.UnixMilli(), at.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert balance: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UpdateBalance(ctx context.Context, id int64, variation, pnlHour float64, at time.Time) error {
	return s.execOne(ctx, "update balance",
		`UPDATE account_balance SET variation = ?, pnl_hour = ?, updated_at = ? WHERE id = ?`,
		variation, pnlHour, at.UnixMilli(), id)
}

func (s *SQLiteStore) PruneDay(ctx context.Context, day time.Time, keepID int64) (int64, error) {
	start, end := dayBounds(day)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM account_balance WHERE created_at >= ? AND created_at < ? AND id != ?`,
		start.UnixMilli(), end.UnixMilli(), keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune balance rows: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) MarkWithdrawal(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "mark withdrawal",
		`UPDATE account_balance SET withdrawal = 1, updated_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
}

func (s *SQLiteStore) UpsertCandle(ctx context.Context, c Candle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbol_candle (name, kline_interval, open_time, open, high, low, close, volume, close_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, kline_interval, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
			volume = excluded.volume, close_time = excluded.close_time, updated_at = excluded.updated_at`,
		c.Symbol, c.Interval, c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume,
		c.CloseTime.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s: %w", c.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kline_interval, open_time, open, high, low, close, volume, close_time, updated_at
		FROM symbol_candle WHERE name = ? AND kline_interval = ?
		ORDER BY open_time DESC LIMIT ?`,
		symbol, interval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var (
			c                            Candle
			openTime, closeTime, updated int64
		)
		if err := rows.Scan(&c.Symbol, &c.Interval, &openTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &closeTime, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(openTime).UTC()
		c.CloseTime = time.UnixMilli(closeTime).UTC()
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func reverse(c []Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}
