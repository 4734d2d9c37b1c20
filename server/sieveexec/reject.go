package sieveexec

import (
	"context"
	"mime"
	"strings"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/server/transport"
)

// reject refuses the message, either at the protocol level or by mailing an
// MDN bounce back to the sender:
//
//  1. The extended form, or the plain form when inline rejection is enabled
//     and the reason is pure ASCII, records a protocol-level 550 5.7.1
//     rejection in the recipient's status slot.
//  2. Otherwise a bounce is composed and sent to the return path. An empty
//     return path drops the rejection silently; a missing one is a failure.
func (d *Dispatcher) reject(ctx context.Context, p RejectAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	ascii := isASCII(p.Reason)

	if p.Extended || (d.Cfg.UseLMTPReject && ascii) {
		reason := p.Reason
		if !ascii {
			reason = mime.QEncoding.Encode("utf-8", reason)
		}
		dctx.Status = RecipientStatus{
			Rejected:     true,
			Code:         550,
			EnhancedCode: [3]int{5, 7, 1},
			Lines:        strings.Split(strings.ReplaceAll(reason, "\r\n", "\n"), "\n"),
		}
		d.audit("reject", sctx, dctx, "mode", "protocol", "reason", p.Reason)
		return Ok()
	}

	if !dctx.Inbound.HasReturnPath {
		return Failf("reject: message has no return path to bounce to")
	}
	if dctx.Inbound.ReturnPath == "" {
		// Null sender: never bounce a bounce.
		logger.Info("SIEVE: Rejection dropped for null return path",
			"recipient", sctx.Recipient, "session", dctx.SessionID)
		d.audit("reject", sctx, dctx, "mode", "dropped")
		return Ok()
	}

	mdn, err := ComposeRejectionMDN(dctx.Inbound, RejectionParams{
		OriginalSender:    dctx.Inbound.ReturnPath,
		FinalRecipient:    sctx.Recipient,
		OriginalRecipient: sctx.Recipient,
		Reason:            p.Reason,
	}, d.Cfg.Postmaster, d.Hostname, d.MsgID)
	if err != nil {
		return Failf("reject: %v", err)
	}

	env := transport.OutboundEnvelope{
		From: "", // bounces go out with the null sender
		To:   []string{dctx.Inbound.ReturnPath},
		Kind: "bounce",
	}
	if err := d.Sender.Send(env, mdn); err != nil {
		return Failf("reject: sending bounce: %v", err)
	}

	d.audit("reject", sctx, dctx, "mode", "bounce", "to", dctx.Inbound.ReturnPath)
	return Ok()
}
