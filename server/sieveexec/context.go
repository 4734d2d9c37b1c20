package sieveexec

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/migadu/sieved/logger"
)

// InboundMessage is the read-only original message being delivered. Many
// actions read it concurrently within one script run; nothing mutates it.
type InboundMessage struct {
	Raw       []byte
	MessageID string

	// HasReturnPath distinguishes "no return path at all" from an empty
	// (null sender) return path. The two get different reject semantics.
	HasReturnPath bool
	ReturnPath    string
}

// BodyOffset returns the index of the first body byte, just past the blank
// line separating headers from body. Messages without a blank line are all
// header.
func (m *InboundMessage) BodyOffset() int {
	if i := bytes.Index(m.Raw, []byte("\r\n\r\n")); i != -1 {
		return i + 4
	}
	return len(m.Raw)
}

func (m *InboundMessage) Body() []byte {
	return m.Raw[m.BodyOffset():]
}

// RecipientStatus is the per-recipient status slot filled in by protocol
// level rejection. The delivery front end turns it into the wire response.
type RecipientStatus struct {
	Rejected     bool
	Code         int
	EnhancedCode [3]int
	Lines        []string
}

// ScriptContext is the per-script-invocation state: the identity the script
// runs for and the header-edit latch.
type ScriptContext struct {
	AccountID int64
	Recipient string
	AuthUser  string

	headersEdited bool
}

// MarkHeadersEdited latches the header-edited flag. It never resets within
// one invocation.
func (s *ScriptContext) MarkHeadersEdited() {
	s.headersEdited = true
}

func (s *ScriptContext) HeadersEdited() bool {
	return s.headersEdited
}

// DeliveryContext is the per-(message, recipient) delivery state. It owns
// at most one RestagedMessage and must be closed on every exit path so the
// clone's backing storage is released.
type DeliveryContext struct {
	SessionID string
	Inbound   *InboundMessage
	Status    RecipientStatus

	restaged *RestagedMessage
}

func NewDeliveryContext(inbound *InboundMessage) *DeliveryContext {
	return &DeliveryContext{
		SessionID: uuid.NewString(),
		Inbound:   inbound,
	}
}

// Restaged returns the current clone, or nil if no header edit happened.
func (d *DeliveryContext) Restaged() *RestagedMessage {
	return d.restaged
}

// Materialize builds the RestagedMessage from the edited header set, once.
// Subsequent calls are no-ops; the clone reflects the edits present at
// first materialization.
func (d *DeliveryContext) Materialize(edits []HeaderEdit) error {
	if d.restaged != nil {
		return nil
	}
	restaged, err := Restage(d.Inbound, edits)
	if err != nil {
		return err
	}
	d.restaged = restaged
	return nil
}

// EffectiveBytes returns the message store-affecting actions should use:
// the restaged clone when headers were edited, else the original.
func (d *DeliveryContext) EffectiveBytes(sctx *ScriptContext) []byte {
	if sctx.HeadersEdited() && d.restaged != nil {
		return d.restaged.Bytes()
	}
	return d.Inbound.Raw
}

// Close tears down the owned RestagedMessage, if any. Safe to call more
// than once.
func (d *DeliveryContext) Close() {
	if d.restaged == nil {
		return
	}
	if err := d.restaged.Close(); err != nil {
		logger.Warn("SIEVE: Failed to release restaged message", "session", d.SessionID, "error", err)
	}
	d.restaged = nil
}
