package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/deusflow/clearfeed/internal/news"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("not found")

// DB owns the connection pool and the dialect-specific statement builder.
type DB struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

// Open connects, applies connection settings for the driver and creates
// the schema if it does not exist.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*DB, error) {
	driver = strings.ToLower(driver)
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{
		db:     db,
		driver: driver,
		logger: logger.With("component", "storage"),
	}

	switch driver {
	case DriverSQLite:
		// A single connection serializes writers; SQLite allows only one anyway.
		db.SetMaxOpenConns(1)
		d.sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if !strings.Contains(dsn, "mode=memory") && dsn != ":memory:" {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("enable WAL: %w", err)
			}
		}
	case DriverPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		d.sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.logger.Info("Database ready", "driver", driver)
	return d, nil
}

func (d *DB) initSchema(ctx context.Context) error {
	stmts := schemaSQLite
	if d.driver == DriverPostgres {
		stmts = schemaPostgres
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &news.StorageError{Op: op, Err: err}
}

// dbTime normalizes timestamps before they are written. Values are kept in
// UTC at second precision so SQLite's text comparison orders them correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		category TEXT NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		published_at TIMESTAMP NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		trending_score REAL NOT NULL DEFAULT 0,
		trending_scored BOOLEAN NOT NULL DEFAULT 0,
		sentiment TEXT NOT NULL DEFAULT 'unknown'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_category_trending ON articles(category, trending_score)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		morning_time TEXT,
		evening_time TEXT,
		paused BOOLEAN NOT NULL DEFAULT 0,
		resumed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_categories (
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		PRIMARY KEY (user_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS user_sources (
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (user_id, category, source)
	)`,
	`CREATE TABLE IF NOT EXISTS user_blocked_keywords (
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		keyword TEXT NOT NULL,
		PRIMARY KEY (user_id, keyword)
	)`,
	`CREATE TABLE IF NOT EXISTS slot_deliveries (
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		slot TEXT NOT NULL,
		local_date TEXT NOT NULL,
		delivered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS sent_articles (
		user_id INTEGER NOT NULL,
		article_id TEXT NOT NULL,
		slot TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, article_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sent_articles_article ON sent_articles(article_id)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		id VARCHAR(40) PRIMARY KEY,
		url TEXT NOT NULL,
		category VARCHAR(32) NOT NULL,
		source VARCHAR(255) NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		published_at TIMESTAMP NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		trending_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		trending_scored BOOLEAN NOT NULL DEFAULT FALSE,
		sentiment VARCHAR(16) NOT NULL DEFAULT 'unknown'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_category_trending ON articles(category, trending_score)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id BIGINT PRIMARY KEY,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		morning_time VARCHAR(5),
		evening_time VARCHAR(5),
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		resumed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_categories (
		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		category VARCHAR(32) NOT NULL,
		PRIMARY KEY (user_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS user_sources (
		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		category VARCHAR(32) NOT NULL,
		source VARCHAR(255) NOT NULL,
		PRIMARY KEY (user_id, category, source)
	)`,
	`CREATE TABLE IF NOT EXISTS user_blocked_keywords (
		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		keyword TEXT NOT NULL,
		PRIMARY KEY (user_id, keyword)
	)`,
	`CREATE TABLE IF NOT EXISTS slot_deliveries (
		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		slot VARCHAR(16) NOT NULL,
		local_date VARCHAR(10) NOT NULL,
		delivered_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS sent_articles (
		user_id BIGINT NOT NULL,
		article_id VARCHAR(40) NOT NULL,
		slot VARCHAR(16) NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, article_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sent_articles_article ON sent_articles(article_id)`,
}
