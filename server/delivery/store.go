// Package delivery binds the Sieve action runtime to the durable mailbox
// store: messages are content-addressed into object storage and their
// metadata recorded in the database.
package delivery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sieved/db"
	"github.com/migadu/sieved/helpers"
	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/storage"
)

// Store implements the mailbox storage collaborator over PostgreSQL, with
// optional S3 body storage. Without S3 the full message lives only in the
// database row's metadata; deployments wanting bodies offloaded configure
// the bucket.
type Store struct {
	DB *db.Database
	S3 *storage.S3Storage
}

func NewStore(database *db.Database, s3 *storage.S3Storage) *Store {
	return &Store{DB: database, S3: s3}
}

func (s *Store) Append(ctx context.Context, accountID int64, mailbox string, messageBytes []byte, flags []string) error {
	contentHash := helpers.HashContent(messageBytes)

	if s.S3 != nil {
		exists, err := s.S3.Exists(ctx, contentHash)
		if err != nil {
			return fmt.Errorf("failed to check body storage: %w", err)
		}
		if !exists {
			if err := s.S3.Put(ctx, contentHash, bytes.NewReader(messageBytes), int64(len(messageBytes))); err != nil {
				return err
			}
		}
	}

	_, err := s.DB.AppendMessage(ctx, accountID, mailbox, db.AppendOptions{
		ContentHash:  contentHash,
		MessageID:    extractHeader(messageBytes, "Message-Id"),
		InternalDate: time.Now(),
		Size:         int64(len(messageBytes)),
		Flags:        normalizeFlags(flags),
		RawHeaders:   headerBlock(messageBytes),
	})
	return err
}

func (s *Store) CreateMailbox(ctx context.Context, accountID int64, name string) error {
	return s.DB.CreateMailbox(ctx, accountID, name)
}

func (s *Store) SetMailboxSpecialUse(ctx context.Context, accountID int64, name, specialUse string) error {
	if !validSpecialUse(specialUse) {
		logger.Warn("DELIVERY: Ignoring unknown special-use attribute", "attribute", specialUse, "mailbox", name)
		return nil
	}
	return s.DB.SetMailboxSpecialUse(ctx, accountID, name, specialUse)
}

func (s *Store) MailboxNameBySpecialUse(ctx context.Context, accountID int64, specialUse string) (string, error) {
	mbox, err := s.DB.GetMailboxBySpecialUse(ctx, accountID, specialUse)
	if err != nil {
		return "", err
	}
	return mbox.Name, nil
}

// normalizeFlags canonicalizes system flag spelling, keeping custom
// keywords as-is.
func normalizeFlags(flags []string) []string {
	system := []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft}

	normalized := make([]string, 0, len(flags))
	for _, f := range flags {
		canonical := f
		for _, sys := range system {
			if strings.EqualFold(f, string(sys)) {
				canonical = string(sys)
				break
			}
		}
		normalized = append(normalized, canonical)
	}
	return normalized
}

func validSpecialUse(attr string) bool {
	switch imap.MailboxAttr(attr) {
	case imap.MailboxAttrArchive, imap.MailboxAttrDrafts, imap.MailboxAttrJunk,
		imap.MailboxAttrSent, imap.MailboxAttrTrash, imap.MailboxAttrAll,
		imap.MailboxAttrFlagged, imap.MailboxAttrImportant:
		return true
	}
	return false
}

func extractHeader(raw []byte, key string) string {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return ""
	}
	return strings.TrimSpace(header.Get(key))
}

func headerBlock(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return string(raw[:i+2])
	}
	return string(raw)
}
