// Package transport implements the outbound SMTP submission client used
// for redirected mail, rejection bounces and vacation responses.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
)

// SendError wraps an error with information about whether it's permanent or
// temporary, and at which phase it occurred. Open-phase errors mean the
// submission host could not be reached at all; send-phase errors mean the
// host refused this particular message.
type SendError struct {
	Err       error
	Phase     string // "open" or "send"
	Permanent bool   // true for 5xx errors, false for 4xx/network errors
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent %s failure: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("temporary %s failure: %v", e.Phase, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsOpenError reports whether err happened while opening the submission
// session, before any message data was offered.
func IsOpenError(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Phase == "open"
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	// Network errors, connection errors, etc. are temporary.
	return false
}

// OutboundEnvelope describes a single outbound submission.
type OutboundEnvelope struct {
	From string
	To   []string
	Kind string // "redirect", "bounce", "vacation" or "notify", for metrics
}

// Sender submits composed messages to the next hop.
type Sender interface {
	Send(env OutboundEnvelope, messageBytes []byte) error
}

// SMTPSender submits messages over SMTP with configurable TLS and
// authentication.
type SMTPSender struct {
	Host        string
	UseTLS      bool
	UseStartTLS bool
	TLSVerify   bool
	Username    string
	Password    string
}

// Send opens a session, submits the message to every envelope recipient and
// closes the session. Each call is one SMTP transaction.
func (s *SMTPSender) Send(env OutboundEnvelope, messageBytes []byte) error {
	if s.Host == "" {
		return &SendError{Err: fmt.Errorf("submission host not configured"), Phase: "open", Permanent: true}
	}

	c, err := s.open()
	if err != nil {
		metrics.TransportSends.WithLabelValues(env.Kind, "open_failure").Inc()
		return err
	}
	defer c.Close()

	if err := s.submit(c, env, messageBytes); err != nil {
		metrics.TransportSends.WithLabelValues(env.Kind, "failure").Inc()
		return err
	}

	if err := c.Quit(); err != nil {
		// The message was already accepted; a failed QUIT is not a delivery
		// failure.
		logger.Warn("TRANSPORT: Failed to send QUIT", "error", err)
	}

	metrics.TransportSends.WithLabelValues(env.Kind, "success").Inc()
	return nil
}

func (s *SMTPSender) open() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !s.TLSVerify,
	}

	var c *smtp.Client
	var err error
	switch {
	case s.UseStartTLS:
		c, err = smtp.DialStartTLS(s.Host, tlsConfig)
	case s.UseTLS:
		c, err = smtp.DialTLS(s.Host, tlsConfig)
	default:
		c, err = smtp.Dial(s.Host)
	}
	if err != nil {
		return nil, &SendError{Err: fmt.Errorf("failed to connect to submission host: %w", err), Phase: "open", Permanent: false}
	}

	if s.Username != "" {
		auth := sasl.NewPlainClient("", s.Username, s.Password)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, &SendError{Err: fmt.Errorf("failed to authenticate: %w", err), Phase: "open", Permanent: IsPermanentError(err)}
		}
	}

	return c, nil
}

func (s *SMTPSender) submit(c *smtp.Client, env OutboundEnvelope, messageBytes []byte) error {
	if err := c.Mail(env.From, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set sender: %w", err), Phase: "send", Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &SendError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Phase: "send", Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to start data: %w", err), Phase: "send", Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		// Close the data writer even if the write fails, to send the final dot.
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", err), Phase: "send", Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &SendError{Err: fmt.Errorf("failed to close data writer: %w", err), Phase: "send", Permanent: IsPermanentError(err)}
	}

	return nil
}
