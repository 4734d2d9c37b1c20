// Package duplicate implements a standalone SQLite-backed duplicate ledger,
// for deployments that run without a central PostgreSQL database.
package duplicate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/pkg/metrics"
)

type SQLiteLedger struct {
	db   *sql.DB
	path string
}

// NewSQLiteLedger opens (or creates) the ledger database at path and
// prepares its schema.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS duplicates (
			id TEXT NOT NULL,
			target TEXT NOT NULL,
			date TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (id, target, date)
		);
		CREATE INDEX IF NOT EXISTS idx_duplicates_expires ON duplicates (expires_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, path: path}, nil
}

// DuplicateCheck returns the stored expiry for the given key, or
// consts.ErrDBNotFound when no entry exists.
func (l *SQLiteLedger) DuplicateCheck(ctx context.Context, id, target, date string) (time.Time, error) {
	var unix int64
	err := l.db.QueryRowContext(ctx, `
		SELECT expires_at FROM duplicates WHERE id = ? AND target = ? AND date = ?
	`, id, target, date).Scan(&unix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.LedgerOps.WithLabelValues("check", "absent").Inc()
			return time.Time{}, consts.ErrDBNotFound
		}
		metrics.LedgerOps.WithLabelValues("check", "error").Inc()
		return time.Time{}, err
	}
	metrics.LedgerOps.WithLabelValues("check", "present").Inc()
	return time.Unix(unix, 0), nil
}

// DuplicateMark records the given expiry under the key, overwriting any
// existing entry.
func (l *SQLiteLedger) DuplicateMark(ctx context.Context, id, target, date string, expiresAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO duplicates (id, target, date, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id, target, date) DO UPDATE SET expires_at = excluded.expires_at
	`, id, target, date, expiresAt.Unix())
	if err != nil {
		metrics.LedgerOps.WithLabelValues("mark", "error").Inc()
		return err
	}
	metrics.LedgerOps.WithLabelValues("mark", "ok").Inc()
	return nil
}

// CleanupExpiredDuplicates removes entries whose expiry passed more than
// gracePeriod ago.
func (l *SQLiteLedger) CleanupExpiredDuplicates(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	cutoff := time.Now().Add(-gracePeriod).Unix()
	result, err := l.db.ExecContext(ctx, `DELETE FROM duplicates WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
