package sieveexec

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/helpers"
	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
	"github.com/migadu/sieved/server/transport"
)

// vacation sends an auto-response to the original sender, rate limited
// through the ledger. The ledger key id is derived by hashing the response
// identity (the :handle when given, else the response content), never the
// message id, so distinct correspondents writing in during the window each
// get exactly one response.
func (d *Dispatcher) vacation(ctx context.Context, p VacationAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	if !dctx.Inbound.HasReturnPath || dctx.Inbound.ReturnPath == "" {
		// Nobody to respond to; never auto-respond to the null sender.
		return Ok()
	}
	respondTo := dctx.Inbound.ReturnPath

	id := vacationLedgerID(p, respondTo)
	window := d.vacationWindow(p.Seconds)

	expiry, err := d.Ledger.DuplicateCheck(ctx, id, sctx.Recipient, "")
	if err == nil && expiry.After(d.now()) {
		logger.Debug("SIEVE: Vacation response suppressed",
			"recipient", sctx.Recipient, "to", respondTo, "session", dctx.SessionID)
		return Suppressed()
	}
	if err != nil && !errors.Is(err, consts.ErrDBNotFound) {
		return Failf("vacation ledger check: %v", err)
	}

	from := p.From
	if from == "" {
		from = sctx.Recipient
	}
	subject := p.Subject
	if subject == "" {
		subject = "Automated reply"
	}

	response, err := ComposeVacation(dctx.Inbound, VacationParams{
		From:    from,
		To:      respondTo,
		Subject: subject,
		Body:    p.Body,
		IsMime:  p.IsMime,
	}, d.MsgID)
	if err != nil {
		return Failf("vacation: %v", err)
	}

	env := transport.OutboundEnvelope{
		From: "", // auto-responses go out with the null sender
		To:   []string{respondTo},
		Kind: "vacation",
	}
	if err := d.Sender.Send(env, response); err != nil {
		return Failf("vacation: sending response: %v", err)
	}

	if err := d.Ledger.DuplicateMark(ctx, id, sctx.Recipient, "", d.now().Add(window)); err != nil {
		logger.Warn("SIEVE: Vacation ledger mark failed",
			"recipient", sctx.Recipient, "to", respondTo, "error", err)
	}
	metrics.SieveVacationSent.Inc()
	d.audit("vacation", sctx, dctx, "to", respondTo, "window", window.String())

	if p.Fcc != "" {
		// The folder carbon copy reuses the fileinto autocreate path; its
		// failure does not undo the response already sent.
		fccRes := d.fileintoBytes(ctx, FileintoAction{Mailbox: p.Fcc, Create: true}, sctx, dctx, response)
		if fccRes.Code != CodeOk {
			logger.Warn("SIEVE: Vacation fcc failed",
				"mailbox", p.Fcc, "recipient", sctx.Recipient, "message", fccRes.Message)
		}
	}

	return Ok()
}

// fileintoBytes is fileinto for a caller-supplied message instead of the
// inbound one.
func (d *Dispatcher) fileintoBytes(ctx context.Context, p FileintoAction, sctx *ScriptContext, dctx *DeliveryContext, messageBytes []byte) Result {
	err := d.Store.Append(ctx, sctx.AccountID, p.Mailbox, messageBytes, p.Flags)
	if errors.Is(err, consts.ErrMailboxNotFound) && d.mayAutocreate(p.Mailbox, p.Create) {
		if createErr := d.Store.CreateMailbox(ctx, sctx.AccountID, p.Mailbox); createErr != nil && !errors.Is(createErr, consts.ErrMailboxExists) {
			return Failf("fileinto %s: autocreate: %v", p.Mailbox, createErr)
		}
		err = d.Store.Append(ctx, sctx.AccountID, p.Mailbox, messageBytes, p.Flags)
	}
	if err != nil {
		return Failf("fileinto %s: %v", p.Mailbox, err)
	}
	return Ok()
}

// vacationWindow clamps the script's requested window to the configured
// bounds. A zero request gets the minimum.
func (d *Dispatcher) vacationWindow(seconds int) time.Duration {
	window := time.Duration(seconds) * time.Second
	if min := d.Cfg.VacationMin(); window < min {
		window = min
	}
	if max := d.Cfg.VacationMax(); max > 0 && window > max {
		window = max
	}
	return window
}

// vacationLedgerID derives the ledger key id for a response. The sender is
// mixed in so the window applies per correspondent.
func vacationLedgerID(p VacationAction, respondTo string) string {
	if p.Handle != "" {
		return helpers.HashContent([]byte(p.Handle + "\x00" + respondTo))
	}
	return helpers.HashContent([]byte(p.From + "\x00" + p.Subject + "\x00" + p.Body + "\x00" + respondTo))
}
