// Package postgres stores trades and candles in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// Schema creates the tables the store writes to
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	platform   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      NUMERIC NOT NULL,
	qty        NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform, symbol, ts, side, price, qty)
);
CREATE TABLE IF NOT EXISTS klines (
	ts       TIMESTAMPTZ NOT NULL,
	platform TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	open     NUMERIC NOT NULL,
	high     NUMERIC NOT NULL,
	low      NUMERIC NOT NULL,
	close    NUMERIC NOT NULL,
	volume   NUMERIC NOT NULL,
	PRIMARY KEY (platform, symbol, ts)
);`

// Open connects, configures the pool and verifies the connection
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies Schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
