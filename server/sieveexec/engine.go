package sieveexec

import (
	"bufio"
	"bytes"
	"context"
	"net/textproto"
	"strings"
	"time"

	"github.com/migadu/go-sieve"
	"github.com/migadu/go-sieve/interp"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/pkg/metrics"
	"github.com/migadu/sieved/server/sievedir"
)

// Engine resolves the recipient's script, evaluates it and dispatches the
// resulting actions. An unavailable script is non-fatal: delivery falls
// back to the default mailbox before any action runs.
type Engine struct {
	Resolver   *sievedir.Resolver
	Dispatcher *Dispatcher
}

// EnvelopeInfo is the wire envelope the script tests against.
type EnvelopeInfo struct {
	From string
	To   string
}

// Run executes the recipient's script for one delivery. The returned error
// reflects delivery failure, not script failure; script-level problems
// degrade to default delivery.
func (e *Engine) Run(ctx context.Context, env EnvelopeInfo, localPart, domain string, sctx *ScriptContext, dctx *DeliveryContext) error {
	script, path, err := e.Resolver.Resolve(localPart, domain)
	if err != nil {
		logger.Info("SIEVE: No usable script, performing default delivery",
			"recipient", sctx.Recipient, "session", dctx.SessionID, "reason", err)
		metrics.SieveExecutions.WithLabelValues("fallback").Inc()
		return e.defaultDelivery(ctx, sctx, dctx)
	}

	data, err := e.evaluate(ctx, script, env, dctx)
	if err != nil {
		logger.Warn("SIEVE: Script execution failed, performing default delivery",
			"recipient", sctx.Recipient, "script", path, "error", err)
		metrics.SieveExecutions.WithLabelValues("error").Inc()
		return e.defaultDelivery(ctx, sctx, dctx)
	}

	if len(data.HeaderEdits) > 0 {
		edits := make([]HeaderEdit, len(data.HeaderEdits))
		for i, edit := range data.HeaderEdits {
			edits[i] = HeaderEdit{
				Action:    edit.Action,
				FieldName: edit.FieldName,
				Value:     edit.Value,
				Last:      edit.Last,
				Index:     edit.Index,
			}
		}
		sctx.MarkHeadersEdited()
		if err := dctx.Materialize(edits); err != nil {
			logger.Warn("SIEVE: Failed to restage edited message, using original",
				"recipient", sctx.Recipient, "error", err)
		}
	}

	if err := e.dispatchAll(ctx, data, sctx, dctx); err != nil {
		metrics.SieveExecutions.WithLabelValues("action_failure").Inc()
		return err
	}
	metrics.SieveExecutions.WithLabelValues("success").Inc()
	return nil
}

// evaluate runs the compiled script against the message, returning the
// interpreter's accumulated action state.
func (e *Engine) evaluate(ctx context.Context, script *sieve.Script, env EnvelopeInfo, dctx *DeliveryContext) (*interp.RuntimeData, error) {
	envelope := &sieveEnvelope{from: env.From, to: env.To}
	msg := &sieveMessage{
		headers: parseMessageHeaders(dctx.Inbound.Raw),
		size:    len(dctx.Inbound.Raw),
	}
	data := sieve.NewRuntimeData(script, allowAllPolicy{}, envelope, msg)

	if err := script.Execute(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}

// dispatchAll turns the interpreter state into dispatched actions, in the
// order fileinto, redirect, keep, vacation, discard. If every delivering
// action failed, the message is kept in the default mailbox rather than
// lost.
func (e *Engine) dispatchAll(ctx context.Context, data *interp.RuntimeData, sctx *ScriptContext, dctx *DeliveryContext) error {
	var delivered, failed bool

	for _, mailbox := range data.Mailboxes {
		create := false
		for _, name := range data.MailboxesCreate {
			if name == mailbox {
				create = true
				break
			}
		}
		res := e.Dispatcher.Dispatch(ctx, FileintoAction{
			Mailbox: mailbox,
			Create:  create,
			Flags:   data.Flags,
		}, sctx, dctx)
		if res.Code == CodeOk {
			delivered = true
		} else {
			failed = true
		}
	}

	for _, target := range data.RedirectAddr {
		res := e.Dispatcher.Dispatch(ctx, RedirectAction{Target: target}, sctx, dctx)
		if res.Code == CodeOk {
			delivered = true
		} else {
			failed = true
		}
	}

	// ImplicitKeep surviving alongside fileinto/redirect means :copy was
	// used; the default-mailbox copy still happens.
	if data.Keep || data.ImplicitKeep {
		res := e.Dispatcher.Dispatch(ctx, KeepAction{Flags: data.Flags}, sctx, dctx)
		if res.Code == CodeOk {
			delivered = true
		} else {
			failed = true
		}
	}

	for _, vacation := range data.VacationResponses {
		e.Dispatcher.Dispatch(ctx, VacationAction{
			From:    vacation.From,
			Subject: vacation.Subject,
			Body:    vacation.Body,
			Handle:  vacation.Handle,
			IsMime:  vacation.IsMime,
			Seconds: vacation.Days * 24 * 60 * 60,
		}, sctx, dctx)
	}

	if !delivered && !failed && len(data.Mailboxes) == 0 && len(data.RedirectAddr) == 0 {
		e.Dispatcher.Dispatch(ctx, DiscardAction{}, sctx, dctx)
		return nil
	}

	if failed && !delivered {
		res := e.Dispatcher.Dispatch(ctx, KeepAction{}, sctx, dctx)
		if res.Code != CodeOk {
			return &DeliveryError{Message: res.Message}
		}
	}
	return nil
}

func (e *Engine) defaultDelivery(ctx context.Context, sctx *ScriptContext, dctx *DeliveryContext) error {
	res := e.Dispatcher.Dispatch(ctx, KeepAction{}, sctx, dctx)
	if res.Code != CodeOk {
		return &DeliveryError{Message: res.Message}
	}
	return nil
}

// DeliveryError reports that a message could not be delivered anywhere.
type DeliveryError struct {
	Message string
}

func (e *DeliveryError) Error() string {
	return "delivery failed: " + e.Message
}

// parseMessageHeaders reads the header block into the lowercase-keyed
// multimap the interpreter tests against.
func parseMessageHeaders(raw []byte) map[string][]string {
	headers := make(map[string][]string)
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		return headers
	}
	for key, values := range mimeHeader {
		headers[strings.ToLower(key)] = values
	}
	return headers
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string { return e.from }
func (e *sieveEnvelope) EnvelopeTo() string   { return e.to }
func (e *sieveEnvelope) AuthUsername() string { return "" }

type sieveMessage struct {
	headers map[string][]string
	size    int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.headers[strings.ToLower(key)], nil
}

func (m *sieveMessage) MessageSize() int { return m.size }

// BodyRaw reports no body: only headers are parsed into sieveMessage, so
// body tests evaluate to false rather than matching against partial data.
func (m *sieveMessage) BodyRaw() ([]byte, bool, error) { return nil, false, nil }

// allowAllPolicy defers every policy decision to the dispatcher: redirects
// are always evaluated and vacation rate limiting happens against the
// durable ledger, not in the interpreter.
type allowAllPolicy struct{}

func (allowAllPolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (allowAllPolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData, originalSender, handle string, duration time.Duration) (bool, error) {
	return true, nil
}

func (allowAllPolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData, recipient, from, subject, body string, isMime bool) error {
	return nil
}
