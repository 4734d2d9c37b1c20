package sieveexec

import (
	"context"
	"errors"
	"strings"

	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/logger"
)

// fileinto appends the message to the resolved target folder. A special-use
// request is preferred over the literal name when a mailbox carrying that
// attribute exists. A missing mailbox triggers one autocreate-and-retry
// when policy permits it.
func (d *Dispatcher) fileinto(ctx context.Context, p FileintoAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	target := p.Mailbox
	if p.SpecialUse != "" {
		if name, err := d.Store.MailboxNameBySpecialUse(ctx, sctx.AccountID, p.SpecialUse); err == nil {
			target = name
		}
	}

	messageBytes := dctx.EffectiveBytes(sctx)

	err := d.Store.Append(ctx, sctx.AccountID, target, messageBytes, p.Flags)
	if errors.Is(err, consts.ErrMailboxNotFound) && d.mayAutocreate(target, p.Create) {
		logger.Info("SIEVE: Autocreating mailbox",
			"mailbox", target, "recipient", sctx.Recipient, "session", dctx.SessionID)
		// A racing creator making the mailbox first is success, not error.
		if createErr := d.Store.CreateMailbox(ctx, sctx.AccountID, target); createErr != nil && !errors.Is(createErr, consts.ErrMailboxExists) {
			return Failf("fileinto %s: autocreate: %v", target, createErr)
		}
		if p.SpecialUse != "" {
			if suErr := d.Store.SetMailboxSpecialUse(ctx, sctx.AccountID, target, p.SpecialUse); suErr != nil {
				logger.Warn("SIEVE: Failed to annotate autocreated mailbox",
					"mailbox", target, "special_use", p.SpecialUse, "error", suErr)
			}
		}
		err = d.Store.Append(ctx, sctx.AccountID, target, messageBytes, p.Flags)
	}
	if err != nil {
		return Failf("fileinto %s: %v", target, err)
	}

	d.audit("fileinto", sctx, dctx, "mailbox", target)
	return Ok()
}

// keep delivers to the recipient's default mailbox, with the same
// header-edited/original message choice as fileinto.
func (d *Dispatcher) keep(ctx context.Context, p KeepAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	res := d.fileinto(ctx, FileintoAction{
		Mailbox: consts.MailboxInbox,
		Create:  true,
		Flags:   p.Flags,
	}, sctx, dctx)
	if res.Code == CodeOk {
		d.audit("keep", sctx, dctx)
	}
	return res
}

// mayAutocreate decides whether a missing fileinto target may be created:
// the global override, the configured name list, or the per-rule flag.
func (d *Dispatcher) mayAutocreate(mailbox string, ruleFlag bool) bool {
	if d.Cfg.AnySieveFolder || ruleFlag {
		return true
	}
	for _, name := range d.Cfg.AutocreateFolders {
		if strings.EqualFold(name, mailbox) {
			return true
		}
	}
	return false
}
