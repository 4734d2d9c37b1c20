package sieveexec

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/sieved/consts"
)

// duplicateCheck is the predicate side of the duplicate extension: it
// reports Suppressed when a ledger record for the caller-supplied id exists
// with an expiry strictly in the future, and Ok otherwise. It never writes.
func (d *Dispatcher) duplicateCheck(ctx context.Context, p DuplicateCheckAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	expiry, err := d.Ledger.DuplicateCheck(ctx, p.ID, sctx.Recipient, "")
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return Ok()
		}
		return Failf("duplicate check: %v", err)
	}
	if expiry.After(d.now()) {
		d.audit("duplicate_check", sctx, dctx, "id", p.ID, "duplicate", true)
		return Suppressed()
	}
	return Ok()
}

// duplicateTrack unconditionally marks the id, extending or creating its
// ledger entry with the requested expiration, capped by configuration.
func (d *Dispatcher) duplicateTrack(ctx context.Context, p DuplicateTrackAction, sctx *ScriptContext, dctx *DeliveryContext) Result {
	window := time.Duration(p.Seconds) * time.Second
	if limit := d.Cfg.DuplicateMax(); limit > 0 && window > limit {
		window = limit
	}

	if err := d.Ledger.DuplicateMark(ctx, p.ID, sctx.Recipient, "", d.now().Add(window)); err != nil {
		return Failf("duplicate track: %v", err)
	}
	d.audit("duplicate_track", sctx, dctx, "id", p.ID, "window", window.String())
	return Ok()
}
