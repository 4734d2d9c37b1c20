package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/sieved/consts"
)

// ResolveAddressBook finds an address book owned by the account. Names are
// matched case-insensitively.
func (db *Database) ResolveAddressBook(ctx context.Context, accountID int64, name string) (int64, error) {
	var bookID int64
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id FROM addressbooks WHERE account_id = $1 AND LOWER(name) = LOWER($2)
	`, accountID, name).Scan(&bookID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrDBNotFound
		}
		return 0, err
	}
	return bookID, nil
}

// AddressBookMembers returns every contact email in the book, in insertion
// order. An empty book yields an empty slice, not an error.
func (db *Database) AddressBookMembers(ctx context.Context, bookID int64) ([]string, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT email FROM contacts WHERE addressbook_id = $1 ORDER BY id
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		members = append(members, email)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}
