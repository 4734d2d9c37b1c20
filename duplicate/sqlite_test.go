package duplicate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieved/consts"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "duplicates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestCheckAbsent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.DuplicateCheck(ctx, "<msg@example.com>", "user@example.com", "")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)
}

func TestMarkThenCheck(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, ledger.DuplicateMark(ctx, "<msg@example.com>", "user@example.com", "", expiry))

	got, err := ledger.DuplicateCheck(ctx, "<msg@example.com>", "user@example.com", "")
	require.NoError(t, err)
	assert.True(t, got.Equal(expiry), "expected %v, got %v", expiry, got)
}

func TestMarkOverwritesExpiry(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	first := time.Now().Add(time.Hour).Truncate(time.Second)
	second := first.Add(24 * time.Hour)
	require.NoError(t, ledger.DuplicateMark(ctx, "id", "target", "date", first))
	require.NoError(t, ledger.DuplicateMark(ctx, "id", "target", "date", second))

	got, err := ledger.DuplicateCheck(ctx, "id", "target", "date")
	require.NoError(t, err)
	assert.True(t, got.Equal(second))
}

func TestKeyComponentsAreDistinct(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, ledger.DuplicateMark(ctx, "id", "alice@example.com", "", expiry))

	_, err := ledger.DuplicateCheck(ctx, "id", "bob@example.com", "")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)

	_, err = ledger.DuplicateCheck(ctx, "id", "alice@example.com", "2026-08-29")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)
}

func TestCleanupExpired(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.DuplicateMark(ctx, "old", "t", "", time.Now().Add(-48*time.Hour)))
	require.NoError(t, ledger.DuplicateMark(ctx, "live", "t", "", time.Now().Add(time.Hour)))

	removed, err := ledger.CleanupExpiredDuplicates(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = ledger.DuplicateCheck(ctx, "old", "t", "")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)

	_, err = ledger.DuplicateCheck(ctx, "live", "t", "")
	assert.NoError(t, err)
}
