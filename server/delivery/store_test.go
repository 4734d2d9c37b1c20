package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFlags(t *testing.T) {
	got := normalizeFlags([]string{"\\seen", "\\ANSWERED", "$Forwarded", "\\Flagged"})
	assert.Equal(t, []string{"\\Seen", "\\Answered", "$Forwarded", "\\Flagged"}, got)
}

func TestValidSpecialUse(t *testing.T) {
	assert.True(t, validSpecialUse("\\Archive"))
	assert.True(t, validSpecialUse("\\Junk"))
	assert.False(t, validSpecialUse("\\NotAThing"))
	assert.False(t, validSpecialUse(""))
}

func TestHeaderBlock(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@b.c\r\n\r\nbody\r\n")
	assert.Equal(t, "Subject: hi\r\nFrom: a@b.c\r\n", headerBlock(raw))
}

func TestExtractHeader(t *testing.T) {
	raw := []byte("Subject: hi\r\nMessage-ID: <x@y>\r\n\r\nbody\r\n")
	assert.Equal(t, "<x@y>", extractHeader(raw, "Message-Id"))
	assert.Equal(t, "", extractHeader(raw, "X-Missing"))
}
