// Package sieveexec implements the action side of Sieve script execution:
// the dispatch of filter verbs (redirect, reject, fileinto, keep, notify,
// vacation, duplicate tracking) into side effects against the mailbox
// store, the duplicate ledger and the outbound transport.
package sieveexec

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/sieved/config"
	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
	"github.com/migadu/sieved/server/srs"
	"github.com/migadu/sieved/server/transport"
)

// Code is the outcome class of a dispatched action.
type Code int

const (
	CodeOk Code = iota
	CodeFail
	// CodeSuppressed is returned by duplicate-style predicates when the
	// action was skipped because a matching ledger entry exists.
	CodeSuppressed
)

func (c Code) String() string {
	switch c {
	case CodeOk:
		return "ok"
	case CodeFail:
		return "fail"
	case CodeSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Result is what every action handler returns to the script engine.
type Result struct {
	Code    Code
	Message string
}

func Ok() Result {
	return Result{Code: CodeOk}
}

func Failf(format string, args ...any) Result {
	return Result{Code: CodeFail, Message: fmt.Sprintf(format, args...)}
}

func Suppressed() Result {
	return Result{Code: CodeSuppressed}
}

// Dispatcher executes actions against the delivery collaborators. One
// dispatcher serves all deliveries; per-delivery state lives in the
// ScriptContext and DeliveryContext passed to Dispatch.
type Dispatcher struct {
	Cfg      config.SieveConfig
	Hostname string

	Store    MailboxStore
	Ledger   Ledger
	Books    AddressBook
	Sender   transport.Sender
	Notifier Notifier
	Rewriter *srs.Rewriter
	MsgID    *MessageIDGenerator

	now func() time.Time
}

func NewDispatcher(cfg config.SieveConfig, hostname string, store MailboxStore, ledger Ledger, books AddressBook, sender transport.Sender, notifier Notifier, rewriter *srs.Rewriter) *Dispatcher {
	return &Dispatcher{
		Cfg:      cfg,
		Hostname: hostname,
		Store:    store,
		Ledger:   ledger,
		Books:    books,
		Sender:   sender,
		Notifier: notifier,
		Rewriter: rewriter,
		MsgID:    NewMessageIDGenerator(hostname),
		now:      time.Now,
	}
}

// Dispatch routes one action to its handler and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, sctx *ScriptContext, dctx *DeliveryContext) Result {
	var res Result
	switch a := action.(type) {
	case DiscardAction:
		res = d.discard(a, sctx, dctx)
	case RedirectAction:
		res = d.redirect(ctx, a, sctx, dctx)
	case RejectAction:
		res = d.reject(ctx, a, sctx, dctx)
	case FileintoAction:
		res = d.fileinto(ctx, a, sctx, dctx)
	case KeepAction:
		res = d.keep(ctx, a, sctx, dctx)
	case NotifyAction:
		res = d.notify(ctx, a, sctx, dctx)
	case VacationAction:
		res = d.vacation(ctx, a, sctx, dctx)
	case DuplicateCheckAction:
		res = d.duplicateCheck(ctx, a, sctx, dctx)
	case DuplicateTrackAction:
		res = d.duplicateTrack(ctx, a, sctx, dctx)
	default:
		res = Failf("unknown action type %T", action)
	}

	metrics.SieveActions.WithLabelValues(action.Verb(), res.Code.String()).Inc()
	if res.Code == CodeFail {
		logger.Warn("SIEVE: Action failed",
			"verb", action.Verb(),
			"recipient", sctx.Recipient,
			"session", dctx.SessionID,
			"message", res.Message)
	}
	return res
}

func (d *Dispatcher) audit(verb string, sctx *ScriptContext, dctx *DeliveryContext, kv ...any) {
	if !d.Cfg.AuditLog {
		return
	}
	args := append([]any{
		"verb", verb,
		"session", dctx.SessionID,
		"recipient", sctx.Recipient,
		"message_id", dctx.Inbound.MessageID,
	}, kv...)
	logger.Info("AUDIT: Sieve action", args...)
}
