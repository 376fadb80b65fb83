package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps attempts in a SQLite file so limits survive restarts.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the attempts database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes hits and keeps :memory: databases shared.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS rate_limit_hits (
	key TEXT NOT NULL,
	at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_key ON rate_limit_hits(key, at);
CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_at ON rate_limit_hits(at);`
	if _, err := conn.Exec(ddl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create rate limit table: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Hit(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-rule.Window).UnixNano()
	if _, err := tx.ExecContext(ctx, "DELETE FROM rate_limit_hits WHERE key = ? AND at <= ?", key, cutoff); err != nil {
		return Decision{}, fmt.Errorf("failed to drop expired hits: %w", err)
	}

	var count int
	var oldest sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*), MIN(at) FROM rate_limit_hits WHERE key = ?", key).
		Scan(&count, &oldest)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count hits: %w", err)
	}

	d := Decision{Allowed: count < rule.Max}
	if d.Allowed {
		if _, err := tx.ExecContext(ctx, "INSERT INTO rate_limit_hits (key, at) VALUES (?, ?)", key, now.UnixNano()); err != nil {
			return Decision{}, fmt.Errorf("failed to record hit: %w", err)
		}
	} else if oldest.Valid {
		d.Oldest = time.Unix(0, oldest.Int64)
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit hit: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM rate_limit_hits WHERE at <= ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge hits: %w", err)
	}
	return res.RowsAffected()
}
