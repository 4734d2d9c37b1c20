package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/sieved/consts"
)

type Mailbox struct {
	ID         int64
	AccountID  int64
	Name       string
	SpecialUse string
	Subscribed bool
}

// GetAccountByAddress resolves a recipient address to an account id.
func (db *Database) GetAccountByAddress(ctx context.Context, address string) (int64, error) {
	var accountID int64
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id FROM accounts WHERE LOWER(address) = LOWER($1) AND deleted_at IS NULL
	`, address).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, err
	}
	return accountID, nil
}

// GetMailboxByName looks up a mailbox by its external name.
func (db *Database) GetMailboxByName(ctx context.Context, accountID int64, name string) (*Mailbox, error) {
	var mbox Mailbox
	var specialUse *string
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, account_id, name, special_use, subscribed FROM mailboxes
		WHERE account_id = $1 AND LOWER(name) = LOWER($2)
	`, accountID, name).Scan(&mbox.ID, &mbox.AccountID, &mbox.Name, &specialUse, &mbox.Subscribed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, err
	}
	if specialUse != nil {
		mbox.SpecialUse = *specialUse
	}
	return &mbox, nil
}

// GetMailboxBySpecialUse looks up a mailbox carrying the given special-use
// attribute (e.g. "\Archive").
func (db *Database) GetMailboxBySpecialUse(ctx context.Context, accountID int64, specialUse string) (*Mailbox, error) {
	var mbox Mailbox
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, account_id, name, special_use, subscribed FROM mailboxes
		WHERE account_id = $1 AND special_use = $2
		ORDER BY id LIMIT 1
	`, accountID, specialUse).Scan(&mbox.ID, &mbox.AccountID, &mbox.Name, &mbox.SpecialUse, &mbox.Subscribed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mbox, nil
}

// CreateMailbox creates a mailbox, subscribing the owner. A concurrent
// creation of the same name is treated as success, not an error.
func (db *Database) CreateMailbox(ctx context.Context, accountID int64, name string) error {
	_, err := db.GetWritePool().Exec(ctx, `
		INSERT INTO mailboxes (account_id, name, subscribed)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (account_id, LOWER(name)) DO NOTHING
	`, accountID, name)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// SetMailboxSpecialUse writes the special-use annotation on a mailbox.
func (db *Database) SetMailboxSpecialUse(ctx context.Context, accountID int64, name, specialUse string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE mailboxes SET special_use = $3
		WHERE account_id = $1 AND LOWER(name) = LOWER($2)
	`, accountID, name, specialUse)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}

// CreateDefaultMailboxes ensures the standard mailbox set exists for an
// account.
func (db *Database) CreateDefaultMailboxes(ctx context.Context, accountID int64) error {
	for _, name := range consts.DefaultMailboxes {
		if err := db.CreateMailbox(ctx, accountID, name); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
