package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/pkg/metrics"
)

// AppendOptions carries the metadata stored alongside a delivered message.
type AppendOptions struct {
	ContentHash  string
	MessageID    string
	InternalDate time.Time
	Size         int64
	Flags        []string
	RawHeaders   string
}

// AppendMessage files a message into the named mailbox. Returns
// consts.ErrMailboxNotFound when the mailbox does not exist, so the caller
// can decide whether to create it and retry.
func (db *Database) AppendMessage(ctx context.Context, accountID int64, mailboxName string, opts AppendOptions) (int64, error) {
	tx, err := db.GetWritePool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var mailboxID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM mailboxes WHERE account_id = $1 AND LOWER(name) = LOWER($2)
	`, accountID, mailboxName).Scan(&mailboxID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrMailboxNotFound
		}
		return 0, err
	}

	internalDate := opts.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	flags := opts.Flags
	if flags == nil {
		flags = []string{}
	}

	var messageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, mailbox_id, content_hash, message_id, internal_date, size, flags, raw_headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, accountID, mailboxID, opts.ContentHash, opts.MessageID, internalDate, opts.Size, flags, opts.RawHeaders).Scan(&messageID)
	if err != nil {
		metrics.MessagesDelivered.WithLabelValues("error").Inc()
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.MessagesDelivered.WithLabelValues("error").Inc()
		return 0, err
	}

	metrics.MessagesDelivered.WithLabelValues("ok").Inc()
	metrics.MessageSizeBytes.Observe(float64(opts.Size))
	return messageID, nil
}
