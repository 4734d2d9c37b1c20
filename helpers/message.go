package helpers

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"
)

// HashContent returns the hex-encoded BLAKE3 hash of content, used as the
// content-addressed storage key for message bodies.
func HashContent(content []byte) string {
	hash := blake3.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// ExtractPlaintextBody walks the MIME structure and returns the first
// text/plain part, falling back to a text/html part converted to plain text.
// Returns an empty string when the message carries no text at all.
func ExtractPlaintextBody(entity *message.Entity) (string, error) {
	var plaintext, html string

	var walk func(e *message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return nil
			}
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := walk(p); err != nil {
					return err
				}
			}
		}

		switch mediaType {
		case "text/plain", "":
			if plaintext == "" {
				b, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				plaintext = string(b)
			}
		case "text/html":
			if html == "" {
				b, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				html = string(b)
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}

	if plaintext == "" && html != "" {
		plaintext = html2text.HTML2Text(html)
	}
	return plaintext, nil
}
