package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the same tables in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects with a small pool sized for one tick
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, query := range postgresMigrations {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) TodayBalance(ctx context.Context, day time.Time) (*BalanceRow, error) {
	start, end := dayBounds(day)
	var row BalanceRow
	err := s.pool.QueryRow(ctx,
		`SELECT id, value::float8, variation::float8, pnl_hour::float8, withdrawal, created_at, updated_at
		FROM account_balance WHERE created_at >= $1 AND created_at < $2
		ORDER BY id LIMIT 1`,
		start, end,
	).Scan(&row.ID, &row.Value, &row.Variation, &row.PnlHour, &row.Withdrawal, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &row, nil
}

func (s *PostgresStore) InsertBalance(ctx context.Context, value float64, at time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO account_balance (value, variation, pnl_hour, withdrawal, created_at, updated_at)
		VALUES ($1, 0, 0, FALSE, $2, $2) RETURNING id`,
		value, at.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert balance: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, id int64, variation, pnlHour float64, at time.Time) error {
	return s.execOne(ctx, "update balance",
		`UPDATE account_balance SET variation = $1, pnl_hour = $2, updated_at = $3 WHERE id = $4`,
		variation, pnlHour, at.UTC(), id)
}

func (s *PostgresStore) PruneDay(ctx context.Context, day time.Time, keepID int64) (int64, error) {
	start, end := dayBounds(day)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM account_balance WHERE created_at >= $1 AND created_at < $2 AND id != $3`,
		start, end, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune balance rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkWithdrawal(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "mark withdrawal",
		`UPDATE account_balance SET withdrawal = TRUE, updated_at = $1 WHERE id = $2`,
		at.UTC(), id)
}

func (s *PostgresStore) UpsertCandle(ctx context.Context, c Candle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO symbol_candle (name, kline_interval, open_time, open, high, low, close, volume, close_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name, kline_interval, open_time) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, close_time = EXCLUDED.close_time, updated_at = EXCLUDED.updated_at`,
		c.Symbol, c.Interval, c.OpenTime.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume,
		c.CloseTime.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s: %w", c.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, kline_interval, open_time, open::float8, high::float8, low::float8, close::float8,
			volume::float8, close_time, updated_at
		FROM symbol_candle WHERE name = $1 AND kline_interval = $2
		ORDER BY open_time DESC LIMIT $3`,
		symbol, interval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
