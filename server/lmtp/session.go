package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
	"github.com/migadu/sieved/server"
	"github.com/migadu/sieved/server/sieveexec"
)

type recipient struct {
	address   server.Address
	accountID int64
}

type session struct {
	backend *Backend

	from       string
	recipients []recipient
}

func newSession(b *Backend) *session {
	return &session{backend: b}
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	// An empty MAIL FROM is the null sender used by bounces.
	if from != "" {
		if _, err := server.NewAddress(from); err != nil {
			return &smtp.SMTPError{
				Code:         501,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender address",
			}
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	addr, err := server.NewAddress(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	accountID, err := s.backend.accounts.GetAccountByAddress(context.Background(), addr.BaseAddress())
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	}

	s.recipients = append(s.recipients, recipient{address: addr, accountID: accountID})
	return nil
}

func (s *session) Data(r io.Reader) error {
	// The server runs in LMTP mode; for plain SMTP data the first
	// per-recipient error decides the reply.
	collector := &firstError{}
	if err := s.LMTPData(r, collector); err != nil {
		return err
	}
	return collector.err
}

// LMTPData runs the Sieve engine once per recipient, reporting each
// recipient's outcome separately as LMTP requires.
func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	messageID := extractMessageID(raw)

	for _, rcpt := range s.recipients {
		status.SetStatus(rcpt.address.FullAddress(), s.deliverOne(raw, messageID, rcpt))
	}
	return nil
}

func (s *session) deliverOne(raw []byte, messageID string, rcpt recipient) error {
	inbound := &sieveexec.InboundMessage{
		Raw:           raw,
		MessageID:     messageID,
		HasReturnPath: true,
		ReturnPath:    s.from,
	}
	sctx := &sieveexec.ScriptContext{
		AccountID: rcpt.accountID,
		Recipient: rcpt.address.BaseAddress(),
	}
	dctx := sieveexec.NewDeliveryContext(inbound)
	defer dctx.Close()

	env := sieveexec.EnvelopeInfo{From: s.from, To: rcpt.address.FullAddress()}
	err := s.backend.engine.Run(context.Background(), env, rcpt.address.BaseLocalPart(), rcpt.address.Domain(), sctx, dctx)

	if dctx.Status.Rejected {
		return &smtp.SMTPError{
			Code: dctx.Status.Code,
			EnhancedCode: smtp.EnhancedCode{
				dctx.Status.EnhancedCode[0],
				dctx.Status.EnhancedCode[1],
				dctx.Status.EnhancedCode[2],
			},
			// go-smtp emits one continuation line per newline.
			Message: strings.Join(dctx.Status.Lines, "\n"),
		}
	}
	if err != nil {
		logger.Error("LMTP: Delivery failed",
			"recipient", rcpt.address.FullAddress(), "session", dctx.SessionID, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary delivery failure",
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *session) Logout() error {
	return nil
}

type firstError struct {
	err error
}

func (c *firstError) SetStatus(rcptTo string, err error) {
	if c.err == nil && err != nil {
		c.err = err
	}
}

func extractMessageID(raw []byte) string {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return ""
	}
	return strings.TrimSpace(header.Get("Message-Id"))
}
