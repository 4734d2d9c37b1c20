package sieveexec

import (
	"context"
	"errors"

	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/server/transport"
)

// redirect forwards the message to one target address, or to every member
// of a referenced address book. Each target is sent at most once per
// message: the ledger is checked under (message-id, target, "") before
// sending and marked after a successful send.
func (d *Dispatcher) redirect(ctx context.Context, p RedirectAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	targets, res := d.redirectTargets(ctx, p.Target, sctx)
	if res.Code != CodeOk {
		return res
	}

	sender := d.envelopeSender(dctx)
	messageBytes := d.EffectiveOutboundBytes(sctx, dctx)

	for _, target := range targets {
		if dctx.Inbound.MessageID != "" {
			_, err := d.Ledger.DuplicateCheck(ctx, dctx.Inbound.MessageID, target, "")
			if err == nil {
				// Already forwarded to this target, treat as delivered.
				logger.Info("SIEVE: Redirect already delivered",
					"target", target, "message_id", dctx.Inbound.MessageID, "session", dctx.SessionID)
				continue
			}
			if !errors.Is(err, consts.ErrDBNotFound) {
				return Failf("redirect ledger check for %s: %v", target, err)
			}
		}

		env := transport.OutboundEnvelope{
			From: sender,
			To:   []string{target},
			Kind: "redirect",
		}
		if err := d.Sender.Send(env, messageBytes); err != nil {
			return Failf("redirect to %s: %v", target, err)
		}

		if dctx.Inbound.MessageID != "" {
			if err := d.Ledger.DuplicateMark(ctx, dctx.Inbound.MessageID, target, "", d.now()); err != nil {
				// The message is already out; a failed mark only risks a
				// duplicate send on retry.
				logger.Warn("SIEVE: Redirect ledger mark failed",
					"target", target, "message_id", dctx.Inbound.MessageID, "error", err)
			}
		}
		d.audit("redirect", sctx, dctx, "target", target, "sender", sender)
	}

	return Ok()
}

// redirectTargets expands an address-book reference into its member
// addresses, or returns the literal target unchanged.
func (d *Dispatcher) redirectTargets(ctx context.Context, target string, sctx *ScriptContext) ([]string, Result) {
	bookName, isBook := ParseAddressBookRef(target)
	if !isBook {
		return []string{target}, Ok()
	}

	if d.Books == nil {
		return nil, Failf("redirect to address book %q: no address book store configured", bookName)
	}
	bookID, err := d.Books.ResolveAddressBook(ctx, sctx.AccountID, bookName)
	if err != nil {
		return nil, Failf("redirect: address book %q: %v", bookName, err)
	}
	members, err := d.Books.AddressBookMembers(ctx, bookID)
	if err != nil {
		return nil, Failf("redirect: enumerating address book %q: %v", bookName, err)
	}
	return members, Ok()
}

// envelopeSender picks the outbound envelope sender: the rewritten return
// path when rewriting is configured, else the original return path, else
// the null sender.
func (d *Dispatcher) envelopeSender(dctx *DeliveryContext) string {
	if !dctx.Inbound.HasReturnPath {
		return ""
	}
	if d.Rewriter.Enabled() {
		return d.Rewriter.Forward(dctx.Inbound.ReturnPath)
	}
	return dctx.Inbound.ReturnPath
}

// EffectiveOutboundBytes is the message body to forward, with the filter
// marker header prepended.
func (d *Dispatcher) EffectiveOutboundBytes(sctx *ScriptContext, dctx *DeliveryContext) []byte {
	base := dctx.EffectiveBytes(sctx)
	marked := make([]byte, 0, len(base)+32)
	marked = append(marked, []byte("X-Sieve: sieved\r\n")...)
	return append(marked, base...)
}
