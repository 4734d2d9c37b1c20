package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/pkg/metrics"
)

// DuplicateCheck returns the stored expiry for the given ledger key, or
// consts.ErrDBNotFound when no entry exists. Check followed by a later mark
// is not atomic; concurrent deliveries of the same message may both observe
// an absent key.
func (db *Database) DuplicateCheck(ctx context.Context, id, target, date string) (time.Time, error) {
	var expiresAt time.Time
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT expires_at FROM duplicates
		WHERE id = $1 AND target = $2 AND date = $3
	`, id, target, date).Scan(&expiresAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.LedgerOps.WithLabelValues("check", "absent").Inc()
			return time.Time{}, consts.ErrDBNotFound
		}
		metrics.LedgerOps.WithLabelValues("check", "error").Inc()
		return time.Time{}, err
	}

	metrics.LedgerOps.WithLabelValues("check", "present").Inc()
	return expiresAt, nil
}

// DuplicateMark records the given expiry under the ledger key. The upsert is
// idempotent: marking an existing key overwrites its expiry.
func (db *Database) DuplicateMark(ctx context.Context, id, target, date string, expiresAt time.Time) error {
	_, err := db.GetWritePool().Exec(ctx, `
		INSERT INTO duplicates (id, target, date, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, target, date) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, id, target, date, expiresAt)

	if err != nil {
		metrics.LedgerOps.WithLabelValues("mark", "error").Inc()
		return err
	}
	metrics.LedgerOps.WithLabelValues("mark", "ok").Inc()
	return nil
}

// CleanupExpiredDuplicates removes ledger entries whose expiry passed more
// than gracePeriod ago.
func (db *Database) CleanupExpiredDuplicates(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	cutoff := time.Now().Add(-gracePeriod)

	result, err := db.GetWritePool().Exec(ctx, `
		DELETE FROM duplicates WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
