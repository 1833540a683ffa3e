package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps the database connection
type DB struct {
	conn *sqlx.DB
	log  zerolog.Logger
}

// New creates a new database connection, creates missing tables and applies
// schema migrations.
func New(ctx context.Context, dsn string, pool PoolConfig, log zerolog.Logger) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, log: log.With().Str("component", "database").Logger()}

	if err := db.createTables(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.migrateSchema(ctx)

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn.DB
}

// Stats reports connection pool statistics.
func (db *DB) Stats() sql.DBStats {
	return db.conn.Stats()
}

// createTables creates the necessary tables
func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			discord_id TEXT PRIMARY KEY,
			house TEXT,
			daily_points INTEGER NOT NULL DEFAULT 0,
			monthly_points INTEGER NOT NULL DEFAULT 0,
			total_points BIGINT NOT NULL DEFAULT 0,
			daily_minutes INTEGER NOT NULL DEFAULT 0,
			monthly_minutes INTEGER NOT NULL DEFAULT 0,
			total_minutes BIGINT NOT NULL DEFAULT 0,
			streak INTEGER NOT NULL DEFAULT 0,
			streak_updated_today BOOLEAN NOT NULL DEFAULT FALSE,
			last_daily_reset TIMESTAMPTZ,
			last_monthly_reset TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id BIGSERIAL PRIMARY KEY,
			discord_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL,
			left_at TIMESTAMPTZ,
			last_heartbeat TIMESTAMPTZ,
			current_duration_minutes INTEGER NOT NULL DEFAULT 0,
			duration_minutes INTEGER,
			points_earned INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			recovery_note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS daily_voice_stats (
			discord_id TEXT NOT NULL,
			date DATE NOT NULL,
			total_minutes INTEGER NOT NULL DEFAULT 0,
			points_earned INTEGER NOT NULL DEFAULT 0,
			session_count INTEGER NOT NULL DEFAULT 0,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (discord_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS voice_channel_hours (
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			total_seconds BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS house_points (
			house TEXT PRIMARY KEY,
			points BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema brings tables created by older versions up to date. Each
// statement is idempotent; failures are logged and skipped.
func (db *DB) migrateSchema(ctx context.Context) {
	migrations := []string{
		`ALTER TABLE voice_sessions ADD COLUMN IF NOT EXISTS current_duration_minutes INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE voice_sessions ADD COLUMN IF NOT EXISTS points_earned INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE voice_sessions ADD COLUMN IF NOT EXISTS close_reason TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE voice_sessions ADD COLUMN IF NOT EXISTS recovery_note TEXT NOT NULL DEFAULT ''`,

		`ALTER TABLE daily_voice_stats ADD COLUMN IF NOT EXISTS session_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE daily_voice_stats ADD COLUMN IF NOT EXISTS archived BOOLEAN NOT NULL DEFAULT FALSE`,

		`ALTER TABLE users ADD COLUMN IF NOT EXISTS house TEXT`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS daily_minutes INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS monthly_minutes INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS total_minutes BIGINT NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS streak_updated_today BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS last_monthly_reset TIMESTAMPTZ`,

		// At most one open session per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS voice_sessions_one_open_per_user
			ON voice_sessions (discord_id) WHERE left_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS voice_sessions_discord_id_joined_at
			ON voice_sessions (discord_id, joined_at)`,
		`CREATE INDEX IF NOT EXISTS daily_voice_stats_date
			ON daily_voice_stats (date) WHERE NOT archived`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			db.log.Warn().Err(err).Msg("migration failed (this might be expected)")
		}
	}
}
