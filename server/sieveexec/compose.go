package sieveexec

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message"

	"github.com/migadu/sieved/consts"
)

// ErrCompose marks message composition failures, which are reported
// distinctly from transport failures.
var ErrCompose = consts.ErrSerializationFailed

// MessageIDGenerator synthesizes unique message ids of the form
// <prefix-pid-time-counter@host> using a process-wide counter. It is
// injected into the composer rather than reached for as a global.
type MessageIDGenerator struct {
	Prefix string
	Host   string

	pid     int
	counter atomic.Uint64
	now     func() time.Time
}

func NewMessageIDGenerator(host string) *MessageIDGenerator {
	return &MessageIDGenerator{
		Prefix: "sieved",
		Host:   host,
		pid:    os.Getpid(),
		now:    time.Now,
	}
}

func (g *MessageIDGenerator) Next() string {
	return fmt.Sprintf("<%s-%d-%d-%d@%s>", g.Prefix, g.pid, g.now().Unix(), g.counter.Add(1), g.Host)
}

// reportBoundary derives the multipart boundary from process id and host.
func reportBoundary(host string) string {
	return fmt.Sprintf("%d/%s", os.Getpid(), host)
}

// RejectionParams collects everything needed to compose a rejection MDN.
type RejectionParams struct {
	// OriginalSender is the return path the bounce goes to.
	OriginalSender string
	// FinalRecipient is the mailbox whose script rejected the message.
	FinalRecipient string
	// OriginalRecipient is the envelope recipient as originally addressed,
	// when known.
	OriginalRecipient string
	Reason            string
}

// ComposeRejectionMDN builds a multipart/report message disposition
// notification: a human-readable explanation, the machine-readable
// disposition and the original message, in that order.
func ComposeRejectionMDN(inbound *InboundMessage, params RejectionParams, postmaster, hostname string, gen *MessageIDGenerator) ([]byte, error) {
	var buf bytes.Buffer
	boundary := reportBoundary(hostname)

	var header message.Header
	header.SetContentType("multipart/report", map[string]string{
		"report-type": "disposition-notification",
		"boundary":    boundary,
	})
	header.Set("Message-ID", gen.Next())
	header.Set("Date", gen.now().Format(time.RFC1123Z))
	header.Set("From", fmt.Sprintf("Mail Sieve Subsystem <%s>", postmaster))
	header.Set("To", params.OriginalSender)
	header.Set("Subject", "Automatically rejected mail")
	header.Set("Auto-Submitted", "auto-replied (rejected)")
	header.Set("MIME-Version", "1.0")

	w, err := message.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}

	// Part 1: human-readable explanation.
	var textHeader message.Header
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	fmt.Fprintf(tw, "Your message was automatically rejected by Sieve mail filtering language.\r\n")
	fmt.Fprintf(tw, "The following reason was given:\r\n%s\r\n", params.Reason)
	tw.Close()

	// Part 2: machine-readable disposition.
	var mdnHeader message.Header
	mdnHeader.Set("Content-Type", "message/disposition-notification")
	dw, err := w.CreatePart(mdnHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	fmt.Fprintf(dw, "Reporting-UA: %s; sieved\r\n", hostname)
	if params.OriginalRecipient != "" {
		fmt.Fprintf(dw, "Original-Recipient: rfc822; %s\r\n", params.OriginalRecipient)
	}
	fmt.Fprintf(dw, "Final-Recipient: rfc822; %s\r\n", params.FinalRecipient)
	if inbound.MessageID != "" {
		fmt.Fprintf(dw, "Original-Message-ID: %s\r\n", inbound.MessageID)
	}
	fmt.Fprintf(dw, "Disposition: automatic-action/MDN-sent-automatically; deleted\r\n")
	dw.Close()

	// Part 3: the original message.
	var origHeader message.Header
	origHeader.Set("Content-Type", "message/rfc822")
	ow, err := w.CreatePart(origHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	ow.Write(inbound.Raw)
	ow.Close()

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	return buf.Bytes(), nil
}

// VacationParams collects the composed vacation response inputs.
type VacationParams struct {
	From    string
	To      string
	Subject string
	Body    string
	IsMime  bool
}

// ComposeVacation builds a vacation response, plain text/plain or, when
// the script requested MIME framing, multipart/mixed around the response
// text. In-Reply-To and References are set from the triggering message id
// when present.
func ComposeVacation(inbound *InboundMessage, params VacationParams, gen *MessageIDGenerator) ([]byte, error) {
	var buf bytes.Buffer

	var header message.Header
	header.Set("Message-ID", gen.Next())
	header.Set("Date", gen.now().Format(time.RFC1123Z))
	header.Set("From", params.From)
	header.Set("To", params.To)
	header.Set("Subject", params.Subject)
	header.Set("Auto-Submitted", "auto-replied (vacation)")
	header.Set("X-Sieve", "sieved")
	header.Set("MIME-Version", "1.0")
	if inbound.MessageID != "" {
		header.Set("In-Reply-To", inbound.MessageID)
		header.Set("References", inbound.MessageID)
	}

	if params.IsMime {
		header.SetContentType("multipart/mixed", nil)
		w, err := message.CreateWriter(&buf, header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompose, err)
		}
		var textHeader message.Header
		textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		tw, err := w.CreatePart(textHeader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompose, err)
		}
		tw.Write([]byte(params.Body))
		tw.Close()
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompose, err)
		}
		return buf.Bytes(), nil
	}

	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	w, err := message.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	w.Write([]byte(params.Body))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	return buf.Bytes(), nil
}
