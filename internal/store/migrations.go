package store

// Timestamps are stored as UTC unix milliseconds in SQLite and as
// TIMESTAMPTZ in Postgres.

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS account_balance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value REAL NOT NULL,
		variation REAL NOT NULL DEFAULT 0,
		pnl_hour REAL NOT NULL DEFAULT 0,
		withdrawal INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_balance_created_at ON account_balance(created_at)`,

	`CREATE TABLE IF NOT EXISTS symbol_candle (
		name TEXT NOT NULL,
		kline_interval TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL DEFAULT 0,
		close_time INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (name, kline_interval, open_time)
	)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS account_balance (
		id BIGSERIAL PRIMARY KEY,
		value DECIMAL(20, 8) NOT NULL,
		variation DECIMAL(20, 8) NOT NULL DEFAULT 0,
		pnl_hour DECIMAL(20, 8) NOT NULL DEFAULT 0,
		withdrawal BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_balance_created_at ON account_balance(created_at)`,

	`CREATE TABLE IF NOT EXISTS symbol_candle (
		name VARCHAR(20) NOT NULL,
		kline_interval VARCHAR(8) NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		open DECIMAL(20, 8) NOT NULL,
		high DECIMAL(20, 8) NOT NULL,
		low DECIMAL(20, 8) NOT NULL,
		close DECIMAL(20, 8) NOT NULL,
		volume DECIMAL(28, 8) NOT NULL DEFAULT 0,
		close_time TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (name, kline_interval, open_time)
	)`,
}
