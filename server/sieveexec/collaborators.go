package sieveexec

import (
	"context"
	"time"
)

// MailboxStore is the mailbox storage collaborator. Append reports a
// missing mailbox with consts.ErrMailboxNotFound so fileinto can decide
// whether to autocreate and retry.
type MailboxStore interface {
	Append(ctx context.Context, accountID int64, mailbox string, messageBytes []byte, flags []string) error
	CreateMailbox(ctx context.Context, accountID int64, name string) error
	SetMailboxSpecialUse(ctx context.Context, accountID int64, name, specialUse string) error
	// MailboxNameBySpecialUse resolves a special-use attribute to the name
	// of an existing mailbox carrying it.
	MailboxNameBySpecialUse(ctx context.Context, accountID int64, specialUse string) (string, error)
}

// Ledger is the shared duplicate suppression store. One namespace serves
// redirect idempotency, vacation throttling and generic dedup; callers
// distinguish uses only by key shape. Check followed by a later mark is not
// atomic; concurrent deliveries racing on a key may duplicate an action.
type Ledger interface {
	// DuplicateCheck returns the stored expiry, or consts.ErrDBNotFound
	// when the key is absent.
	DuplicateCheck(ctx context.Context, id, target, date string) (time.Time, error)
	// DuplicateMark stores the expiry under the key, overwriting any
	// existing entry.
	DuplicateMark(ctx context.Context, id, target, date string, expiresAt time.Time) error
}

// AddressBook resolves address-book names and enumerates their members.
type AddressBook interface {
	ResolveAddressBook(ctx context.Context, accountID int64, name string) (int64, error)
	AddressBookMembers(ctx context.Context, bookID int64) ([]string, error)
}

// Notification carries the parameters of a Sieve notify action.
type Notification struct {
	Method   string
	Priority string
	Message  string
	Filename string
	Options  []string
}

// Notifier forwards notify actions to an external notification method.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
