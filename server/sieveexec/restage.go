package sieveexec

import (
	"bytes"
	"fmt"
	"mime"
	"os"
	"strings"
)

// HeaderEdit is one header mutation requested by the script.
type HeaderEdit struct {
	Action    string // "add" or "delete"
	FieldName string
	Value     string
	Last      bool // add at end; for delete, count index from end
	Index     int  // for delete: 1-based index, 0 means match by value or all
}

type headerField struct {
	name  string
	value string
}

// RestagedMessage is an ephemeral clone of the inbound message carrying the
// edited header block over the original body. It lives only for the rest of
// the current script execution and is backed by a temp file that Close
// removes.
type RestagedMessage struct {
	file       *os.File
	data       []byte
	bodyOffset int
}

func (r *RestagedMessage) Bytes() []byte {
	return r.data
}

func (r *RestagedMessage) BodyOffset() int {
	return r.bodyOffset
}

// Close releases the backing storage. Safe to call more than once.
func (r *RestagedMessage) Close() error {
	if r.file == nil {
		return nil
	}
	name := r.file.Name()
	err := r.file.Close()
	if removeErr := os.Remove(name); err == nil {
		err = removeErr
	}
	r.file = nil
	r.data = nil
	return err
}

// Restage re-serializes the inbound message's headers with the given edits
// applied, followed by the untouched body, into fresh backing storage. The
// original message is not modified.
func Restage(inbound *InboundMessage, edits []HeaderEdit) (*RestagedMessage, error) {
	fields := parseHeaderFields(inbound.Raw[:headerEnd(inbound.Raw)])
	fields = applyHeaderEdits(fields, edits)

	var buf bytes.Buffer
	for _, f := range fields {
		writeFoldedHeader(&buf, f.name, f.value)
	}
	buf.WriteString("\r\n")
	bodyOffset := buf.Len()
	buf.Write(inbound.Body())

	file, err := os.CreateTemp("", "sieved-restage-*.eml")
	if err != nil {
		return nil, fmt.Errorf("failed to create restage storage: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write restage storage: %w", err)
	}

	return &RestagedMessage{
		file:       file,
		data:       buf.Bytes(),
		bodyOffset: bodyOffset,
	}, nil
}

func headerEnd(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return i + 2
	}
	return len(raw)
}

// parseHeaderFields splits a raw header block into ordered fields,
// unfolding continuation lines into single-space-joined values so the
// serializer can refold them.
func parseHeaderFields(raw []byte) []headerField {
	var fields []headerField
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(fields); n > 0 {
				fields[n-1].value += "\t" + strings.TrimLeft(line, " \t")
			}
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields = append(fields, headerField{name: name, value: strings.TrimLeft(value, " \t")})
	}
	return fields
}

func applyHeaderEdits(fields []headerField, edits []HeaderEdit) []headerField {
	for _, edit := range edits {
		switch edit.Action {
		case "add":
			added := headerField{name: edit.FieldName, value: edit.Value}
			if edit.Last {
				fields = append(fields, added)
			} else {
				fields = append([]headerField{added}, fields...)
			}
		case "delete":
			fields = deleteHeaderField(fields, edit)
		}
	}
	return fields
}

func deleteHeaderField(fields []headerField, edit HeaderEdit) []headerField {
	matches := make([]int, 0, len(fields))
	for i, f := range fields {
		if strings.EqualFold(f.name, edit.FieldName) {
			matches = append(matches, i)
		}
	}
	if len(matches) == 0 {
		return fields
	}

	remove := make(map[int]bool)
	switch {
	case edit.Index > 0:
		idx := edit.Index - 1
		if edit.Last {
			idx = len(matches) - edit.Index
		}
		if idx >= 0 && idx < len(matches) {
			remove[matches[idx]] = true
		}
	case edit.Value != "":
		for _, i := range matches {
			if fields[i].value == edit.Value {
				remove[i] = true
				break
			}
		}
	default:
		for _, i := range matches {
			remove[i] = true
		}
	}

	kept := fields[:0]
	for i, f := range fields {
		if !remove[i] {
			kept = append(kept, f)
		}
	}
	return kept
}

const foldColumn = 78

// writeFoldedHeader emits one header field, MIME-encoding non-ASCII values
// and wrapping long lines at 78 columns. Fold points are chosen in order of
// preference: a tab or double space (where the source was already folded),
// then the last single space before the limit. A line with no fold point is
// emitted unfolded.
func writeFoldedHeader(buf *bytes.Buffer, name, value string) {
	if !isASCII(value) {
		value = mime.QEncoding.Encode("utf-8", value)
	}

	buf.WriteString(name)
	buf.WriteString(": ")

	maxlen := foldColumn - (len(name) + 2)
	if maxlen <= 0 {
		// The field name alone fills the fold column; no fold point can
		// exist on the first line, so the value goes out unfolded.
		buf.WriteString(value)
		buf.WriteString("\r\n")
		return
	}
	for len(value) > maxlen {
		cut := foldPoint(value, maxlen)
		if cut <= 0 {
			break
		}
		buf.WriteString(value[:cut])
		buf.WriteString("\r\n")
		// The fold character itself starts the continuation line, keeping
		// it whitespace-prefixed.
		value = value[cut:]
		maxlen = foldColumn
	}
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// foldPoint returns the index of the best fold character within the first
// max bytes of value, or -1 when none exists.
func foldPoint(value string, max int) int {
	if max > len(value) {
		max = len(value)
	}

	preferred := -1
	for i := 1; i < max; i++ {
		if value[i] == '\t' || (value[i] == ' ' && value[i-1] == ' ') {
			preferred = i
		}
	}
	if preferred != -1 {
		return preferred
	}
	return strings.LastIndexByte(value[:max], ' ')
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
