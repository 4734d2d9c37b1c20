package sieveexec

import (
	"bytes"
	"context"

	"github.com/emersion/go-message"

	"github.com/migadu/sieved/helpers"
	"github.com/migadu/sieved/logger"
)

// notify forwards the notification to the configured external notifier.
// The literal method "default" selects the notifier named in configuration.
// Without a configured notifier the action is a no-op.
func (d *Dispatcher) notify(ctx context.Context, p NotifyAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	if d.Notifier == nil {
		logger.Debug("SIEVE: Notify ignored, no notifier configured",
			"method", p.Method, "recipient", sctx.Recipient, "session", dctx.SessionID)
		return Ok()
	}

	method := p.Method
	if method == "default" {
		method = d.Cfg.Notifier
	}

	text := p.Message
	if text == "" {
		text = messagePreview(dctx.Inbound)
	}

	err := d.Notifier.Notify(ctx, Notification{
		Method:   method,
		Priority: p.Priority,
		Message:  text,
		Filename: p.Filename,
		Options:  p.Options,
	})
	if err != nil {
		return Failf("notify via %s: %v", method, err)
	}

	d.audit("notify", sctx, dctx, "method", method, "priority", p.Priority)
	return Ok()
}

const previewLimit = 256

// messagePreview derives a short notification text from the message body
// when the script gave none.
func messagePreview(inbound *InboundMessage) string {
	entity, err := message.Read(bytes.NewReader(inbound.Raw))
	if err != nil {
		return ""
	}
	text, err := helpers.ExtractPlaintextBody(entity)
	if err != nil || text == "" {
		return ""
	}
	if len(text) > previewLimit {
		text = text[:previewLimit]
	}
	return text
}
