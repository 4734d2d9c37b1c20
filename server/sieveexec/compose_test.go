package sieveexec

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInbound() *InboundMessage {
	return &InboundMessage{
		Raw:           []byte(sampleMessage),
		MessageID:     "<orig-123@sender.example>",
		HasReturnPath: true,
		ReturnPath:    "bob@sender.example",
	}
}

func TestMessageIDFormat(t *testing.T) {
	gen := NewMessageIDGenerator("mail.example")

	id := gen.Next()
	assert.Regexp(t, regexp.MustCompile(`^<sieved-\d+-\d+-\d+@mail\.example>$`), id)
}

func TestMessageIDMonotonicCounter(t *testing.T) {
	gen := NewMessageIDGenerator("mail.example")
	gen.now = func() time.Time { return time.Unix(1700000000, 0) }

	first := gen.Next()
	second := gen.Next()
	assert.NotEqual(t, first, second, "counter must advance even within one second")
}

func TestComposeDateFollowsGeneratorClock(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	gen := NewMessageIDGenerator("mail.example")
	gen.now = func() time.Time { return fixed }

	response, err := ComposeVacation(testInbound(), VacationParams{
		From: "alice@example.com",
		To:   "bob@sender.example",
		Body: "Away.",
	}, gen)
	require.NoError(t, err)
	assert.Contains(t, string(response), "Date: "+fixed.Format(time.RFC1123Z))

	mdn, err := ComposeRejectionMDN(testInbound(), RejectionParams{
		OriginalSender: "bob@sender.example",
		FinalRecipient: "alice@example.com",
		Reason:         "refused",
	}, "postmaster@mail.example", "mail.example", gen)
	require.NoError(t, err)
	assert.Contains(t, string(mdn), "Date: "+fixed.Format(time.RFC1123Z))
}

func TestComposeRejectionMDN(t *testing.T) {
	gen := NewMessageIDGenerator("mail.example")
	mdn, err := ComposeRejectionMDN(testInbound(), RejectionParams{
		OriginalSender:    "bob@sender.example",
		FinalRecipient:    "alice@example.com",
		OriginalRecipient: "alice@example.com",
		Reason:            "message refused by recipient policy",
	}, "postmaster@mail.example", "mail.example", gen)
	require.NoError(t, err)

	text := string(mdn)
	assert.Contains(t, text, "multipart/report")
	assert.Contains(t, text, "report-type=disposition-notification")
	assert.Contains(t, text, "To: bob@sender.example")
	assert.Contains(t, text, "Auto-Submitted: auto-replied (rejected)")
	assert.Contains(t, text, "message refused by recipient policy")
	assert.Contains(t, text, "message/disposition-notification")
	assert.Contains(t, text, "Final-Recipient: rfc822; alice@example.com")
	assert.Contains(t, text, "Original-Message-ID: <orig-123@sender.example>")
	assert.Contains(t, text, "Disposition: automatic-action/MDN-sent-automatically; deleted")
	assert.Contains(t, text, "message/rfc822")
	assert.Contains(t, text, "Subject: hello", "original message must be attached")
}

func TestComposeRejectionMDNOmitsUnknownOriginalMessageID(t *testing.T) {
	inbound := testInbound()
	inbound.MessageID = ""
	gen := NewMessageIDGenerator("mail.example")

	mdn, err := ComposeRejectionMDN(inbound, RejectionParams{
		OriginalSender: "bob@sender.example",
		FinalRecipient: "alice@example.com",
		Reason:         "refused",
	}, "postmaster@mail.example", "mail.example", gen)
	require.NoError(t, err)
	assert.NotContains(t, string(mdn), "Original-Message-ID")
}

func TestComposeVacationPlain(t *testing.T) {
	gen := NewMessageIDGenerator("mail.example")
	response, err := ComposeVacation(testInbound(), VacationParams{
		From:    "alice@example.com",
		To:      "bob@sender.example",
		Subject: "Out of office",
		Body:    "I am away until Monday.",
	}, gen)
	require.NoError(t, err)

	text := string(response)
	assert.Contains(t, text, "From: alice@example.com")
	assert.Contains(t, text, "To: bob@sender.example")
	assert.Contains(t, text, "Auto-Submitted: auto-replied (vacation)")
	assert.Contains(t, text, "In-Reply-To: <orig-123@sender.example>")
	assert.Contains(t, text, "References: <orig-123@sender.example>")
	assert.Contains(t, text, "X-Sieve: sieved")
	assert.Contains(t, text, "I am away until Monday.")
	assert.NotContains(t, text, "multipart/mixed")
}

func TestComposeVacationMime(t *testing.T) {
	gen := NewMessageIDGenerator("mail.example")
	response, err := ComposeVacation(testInbound(), VacationParams{
		From:    "alice@example.com",
		To:      "bob@sender.example",
		Subject: "Out of office",
		Body:    "Away.",
		IsMime:  true,
	}, gen)
	require.NoError(t, err)
	assert.Contains(t, string(response), "multipart/mixed")
	assert.Contains(t, string(response), "Away.")
}

func TestComposeVacationNoTriggeringMessageID(t *testing.T) {
	inbound := testInbound()
	inbound.MessageID = ""
	gen := NewMessageIDGenerator("mail.example")

	response, err := ComposeVacation(inbound, VacationParams{
		From: "alice@example.com",
		To:   "bob@sender.example",
		Body: "Away.",
	}, gen)
	require.NoError(t, err)
	assert.NotContains(t, string(response), "In-Reply-To")
}

func TestReportBoundaryDerivation(t *testing.T) {
	boundary := reportBoundary("mail.example")
	assert.True(t, strings.HasSuffix(boundary, "/mail.example"))
}
