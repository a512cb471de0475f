package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// HealthCheck verifies the pool can reach the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trading_pairs (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(30) NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			pair_id INTEGER NOT NULL REFERENCES trading_pairs(id),
			side VARCHAR(5) NOT NULL,
			level_price DECIMAL(24, 10) NOT NULL,
			entry_price DECIMAL(24, 10) NOT NULL DEFAULT 0,
			stop_loss_price DECIMAL(24, 10) NOT NULL DEFAULT 0,
			take_profit_price DECIMAL(24, 10) NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			trade_status VARCHAR(40) NOT NULL DEFAULT '',
			order_id VARCHAR(64) NOT NULL DEFAULT '',
			quantity DECIMAL(24, 10) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			filled_at TIMESTAMPTZ,
			exit_price DECIMAL(24, 10) NOT NULL DEFAULT 0,
			exit_at TIMESTAMPTZ,
			exit_reason VARCHAR(30) NOT NULL DEFAULT '',
			elder_screen_1_passed BOOLEAN NOT NULL DEFAULT FALSE,
			elder_screen_2_passed BOOLEAN NOT NULL DEFAULT FALSE,
			meta JSONB NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_trade_status ON signals(trade_status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pair_side ON signals(pair_id, side)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,

		`CREATE TABLE IF NOT EXISTS signal_logs (
			id BIGSERIAL PRIMARY KEY,
			signal_id BIGINT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			event_type VARCHAR(50) NOT NULL,
			status VARCHAR(40) NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			details JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_logs_signal_id ON signal_logs(signal_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
