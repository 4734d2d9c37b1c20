package sieveexec

import (
	"github.com/migadu/sieved/logger"
)

// discard has no store or transport effect; it only logs.
func (d *Dispatcher) discard(_ DiscardAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	logger.Info("SIEVE: Discarding message",
		"recipient", sctx.Recipient,
		"session", dctx.SessionID,
		"message_id", dctx.Inbound.MessageID)
	d.audit("discard", sctx, dctx)
	return Ok()
}
