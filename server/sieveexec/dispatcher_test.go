package sieveexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sieved/config"
	"github.com/migadu/sieved/consts"
	"github.com/migadu/sieved/server/srs"
	"github.com/migadu/sieved/server/transport"
)

type ledgerKey struct {
	id, target, date string
}

type fakeLedger struct {
	entries  map[ledgerKey]time.Time
	checkErr error
	markErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[ledgerKey]time.Time)}
}

func (f *fakeLedger) DuplicateCheck(_ context.Context, id, target, date string) (time.Time, error) {
	if f.checkErr != nil {
		return time.Time{}, f.checkErr
	}
	if expiry, ok := f.entries[ledgerKey{id, target, date}]; ok {
		return expiry, nil
	}
	return time.Time{}, consts.ErrDBNotFound
}

func (f *fakeLedger) DuplicateMark(_ context.Context, id, target, date string, expiresAt time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.entries[ledgerKey{id, target, date}] = expiresAt
	return nil
}

type appendCall struct {
	mailbox string
	data    []byte
	flags   []string
}

type fakeStore struct {
	mailboxes  map[string]bool
	specialUse map[string]string
	appended   []appendCall
	appendErr  error
	createErr  error
}

func newFakeStore(mailboxes ...string) *fakeStore {
	s := &fakeStore{
		mailboxes:  make(map[string]bool),
		specialUse: make(map[string]string),
	}
	for _, name := range mailboxes {
		s.mailboxes[strings.ToLower(name)] = true
	}
	return s
}

func (f *fakeStore) Append(_ context.Context, _ int64, mailbox string, messageBytes []byte, flags []string) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	if !f.mailboxes[strings.ToLower(mailbox)] {
		return consts.ErrMailboxNotFound
	}
	f.appended = append(f.appended, appendCall{mailbox: mailbox, data: messageBytes, flags: flags})
	return nil
}

func (f *fakeStore) CreateMailbox(_ context.Context, _ int64, name string) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.mailboxes[strings.ToLower(name)] {
		return consts.ErrMailboxExists
	}
	f.mailboxes[strings.ToLower(name)] = true
	return nil
}

func (f *fakeStore) SetMailboxSpecialUse(_ context.Context, _ int64, name, specialUse string) error {
	f.specialUse[strings.ToLower(name)] = specialUse
	return nil
}

func (f *fakeStore) MailboxNameBySpecialUse(_ context.Context, _ int64, specialUse string) (string, error) {
	for name, su := range f.specialUse {
		if su == specialUse {
			return name, nil
		}
	}
	return "", consts.ErrMailboxNotFound
}

type sendCall struct {
	env  transport.OutboundEnvelope
	data []byte
}

type fakeSender struct {
	sends   []sendCall
	sendErr error
}

func (f *fakeSender) Send(env transport.OutboundEnvelope, messageBytes []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sendCall{env: env, data: messageBytes})
	return nil
}

type fakeBooks struct {
	books   map[string]int64
	members map[int64][]string
}

func (f *fakeBooks) ResolveAddressBook(_ context.Context, _ int64, name string) (int64, error) {
	if id, ok := f.books[name]; ok {
		return id, nil
	}
	return 0, consts.ErrDBNotFound
}

func (f *fakeBooks) AddressBookMembers(_ context.Context, bookID int64) ([]string, error) {
	return f.members[bookID], nil
}

type fakeNotifier struct {
	notified []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.notified = append(f.notified, n)
	return nil
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *fakeStore
	ledger     *fakeLedger
	sender     *fakeSender
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.NewDefaultConfig().Sieve
	cfg.Postmaster = "postmaster@mail.example"

	store := newFakeStore(consts.MailboxInbox)
	ledger := newFakeLedger()
	sender := &fakeSender{}

	d := NewDispatcher(cfg, "mail.example", store, ledger, nil, sender, nil, nil)
	env := &testEnv{
		dispatcher: d,
		store:      store,
		ledger:     ledger,
		sender:     sender,
		now:        time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}
	d.now = func() time.Time { return env.now }
	return env
}

func testContexts(raw string) (*ScriptContext, *DeliveryContext) {
	sctx := &ScriptContext{AccountID: 1, Recipient: "alice@example.com"}
	dctx := NewDeliveryContext(&InboundMessage{
		Raw:           []byte(raw),
		MessageID:     "<orig-123@sender.example>",
		HasReturnPath: true,
		ReturnPath:    "bob@sender.example",
	})
	return sctx, dctx
}

const sampleMessage = "From: bob@sender.example\r\nTo: alice@example.com\r\nSubject: hello\r\nMessage-ID: <orig-123@sender.example>\r\n\r\nbody text\r\n"

func TestDiscard(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), DiscardAction{}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
	assert.Empty(t, env.store.appended)
	assert.Empty(t, env.sender.sends)
}

func TestRedirectSendsAndMarksLedger(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	require.Len(t, env.sender.sends, 1)
	send := env.sender.sends[0]
	assert.Equal(t, "bob@sender.example", send.env.From)
	assert.Equal(t, []string{"carol@elsewhere.example"}, send.env.To)
	assert.True(t, strings.HasPrefix(string(send.data), "X-Sieve: sieved\r\n"))

	_, ok := env.ledger.entries[ledgerKey{"<orig-123@sender.example>", "carol@elsewhere.example", ""}]
	assert.True(t, ok, "redirect should mark the ledger")
}

func TestRedirectIdempotent(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	res = env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	assert.Len(t, env.sender.sends, 1, "second redirect must not resend")
}

func TestRedirectSRSRewritesSender(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Rewriter = srs.New("mail.example", "secret")
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.sender.sends, 1)
	assert.True(t, strings.HasPrefix(env.sender.sends[0].env.From, "SRS0="))
	assert.True(t, strings.HasSuffix(env.sender.sends[0].env.From, "@mail.example"))
}

func TestRedirectNullSender(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	dctx.Inbound.HasReturnPath = false
	dctx.Inbound.ReturnPath = ""

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.sender.sends, 1)
	assert.Equal(t, "", env.sender.sends[0].env.From)
}

func TestRedirectAddressBookEnumeration(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Books = &fakeBooks{
		books:   map[string]int64{"Default": 7},
		members: map[int64][]string{7: {"one@example.org", "two@example.org"}},
	}
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: ":addrbook:default"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.sender.sends, 2)
	assert.Equal(t, []string{"one@example.org"}, env.sender.sends[0].env.To)
	assert.Equal(t, []string{"two@example.org"}, env.sender.sends[1].env.To)
}

func TestRedirectSendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sender.sendErr = errors.New("connection refused")
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RedirectAction{Target: "carol@elsewhere.example"}, sctx, dctx)
	assert.Equal(t, CodeFail, res.Code)
	assert.Empty(t, env.ledger.entries, "failed redirect must not mark the ledger")
}

func TestRejectProtocolLevel(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RejectAction{Reason: "not wanted here\nplease go away"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	assert.True(t, dctx.Status.Rejected)
	assert.Equal(t, 550, dctx.Status.Code)
	assert.Equal(t, [3]int{5, 7, 1}, dctx.Status.EnhancedCode)
	assert.Equal(t, []string{"not wanted here", "please go away"}, dctx.Status.Lines)
	assert.Empty(t, env.sender.sends)
}

func TestRejectExtendedNonASCII(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RejectAction{Reason: "réfusé", Extended: true}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.True(t, dctx.Status.Rejected)
	require.Len(t, dctx.Status.Lines, 1)
	assert.True(t, strings.HasPrefix(dctx.Status.Lines[0], "=?utf-8?"), "got %q", dctx.Status.Lines[0])
}

func TestRejectBounceWhenInlineDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.UseLMTPReject = false
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), RejectAction{Reason: "no thanks"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	assert.False(t, dctx.Status.Rejected)

	require.Len(t, env.sender.sends, 1)
	send := env.sender.sends[0]
	assert.Equal(t, "", send.env.From, "bounce must use the null sender")
	assert.Equal(t, []string{"bob@sender.example"}, send.env.To)
	assert.Contains(t, string(send.data), "multipart/report")
	assert.Contains(t, string(send.data), "no thanks")
}

func TestRejectEmptyReturnPathDropsSilently(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.UseLMTPReject = false
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	dctx.Inbound.ReturnPath = ""

	res := env.dispatcher.Dispatch(context.Background(), RejectAction{Reason: "no thanks"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
	assert.Empty(t, env.sender.sends)
}

func TestRejectMissingReturnPathFails(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.UseLMTPReject = false
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	dctx.Inbound.HasReturnPath = false

	res := env.dispatcher.Dispatch(context.Background(), RejectAction{Reason: "no thanks"}, sctx, dctx)
	assert.Equal(t, CodeFail, res.Code)
}

func TestFileintoExistingMailbox(t *testing.T) {
	env := newTestEnv(t)
	env.store.mailboxes["archive"] = true
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "Archive", Flags: []string{"\\Seen"}}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.store.appended, 1)
	assert.Equal(t, "Archive", env.store.appended[0].mailbox)
	assert.Equal(t, []string{"\\Seen"}, env.store.appended[0].flags)
}

func TestFileintoAutocreateByRuleFlag(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "Lists/golang", Create: true}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	assert.True(t, env.store.mailboxes["lists/golang"])
	require.Len(t, env.store.appended, 1)
}

func TestFileintoAutocreateByNameList(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.AutocreateFolders = []string{"Spam"}
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "spam"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
	assert.True(t, env.store.mailboxes["spam"])
}

func TestFileintoAutocreateByGlobalOverride(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.AnySieveFolder = true
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "Anything/Goes"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
}

func TestFileintoMissingWithoutPolicyFails(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "NoSuchFolder"}, sctx, dctx)
	assert.Equal(t, CodeFail, res.Code)
	assert.Empty(t, env.store.appended)
}

func TestFileintoSpecialUsePreferred(t *testing.T) {
	env := newTestEnv(t)
	env.store.mailboxes["my archive"] = true
	env.store.specialUse["my archive"] = "\\Archive"
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "Archive", SpecialUse: "\\Archive"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.store.appended, 1)
	assert.Equal(t, "my archive", env.store.appended[0].mailbox)
}

func TestFileintoSpecialUseAnnotatesAutocreated(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), FileintoAction{Mailbox: "Archive", SpecialUse: "\\Archive", Create: true}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	assert.Equal(t, "\\Archive", env.store.specialUse["archive"])
}

func TestKeepDeliversToInbox(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), KeepAction{}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.store.appended, 1)
	assert.Equal(t, consts.MailboxInbox, env.store.appended[0].mailbox)
}

func TestNotifyWithoutNotifierIsNoop(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), NotifyAction{Method: "mailto:ops@example.com"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
}

func TestNotifyDefaultMethodMapsToConfigured(t *testing.T) {
	env := newTestEnv(t)
	notifier := &fakeNotifier{}
	env.dispatcher.Notifier = notifier
	env.dispatcher.Cfg.Notifier = "zephyr"
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), NotifyAction{Method: "default", Priority: "high", Message: "new mail"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, "zephyr", notifier.notified[0].Method)
	assert.Equal(t, "high", notifier.notified[0].Priority)
}

func TestVacationSendThenSuppress(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	action := VacationAction{Subject: "Out of office", Body: "Back next week.", Seconds: 7 * 24 * 60 * 60}

	res := env.dispatcher.Dispatch(context.Background(), action, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.sender.sends, 1)
	assert.Equal(t, "vacation", env.sender.sends[0].env.Kind)
	assert.Equal(t, []string{"bob@sender.example"}, env.sender.sends[0].env.To)
	assert.Contains(t, string(env.sender.sends[0].data), "Auto-Submitted: auto-replied (vacation)")
	assert.Contains(t, string(env.sender.sends[0].data), "In-Reply-To: <orig-123@sender.example>")

	// One second before the window ends: suppressed.
	env.now = env.now.Add(7*24*time.Hour - time.Second)
	res = env.dispatcher.Dispatch(context.Background(), action, sctx, dctx)
	assert.Equal(t, CodeSuppressed, res.Code)
	assert.Len(t, env.sender.sends, 1)

	// At-or-after expiry: allowed again.
	env.now = env.now.Add(2 * time.Second)
	res = env.dispatcher.Dispatch(context.Background(), action, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
	assert.Len(t, env.sender.sends, 2)
}

func TestVacationWindowClampedToMinimum(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	action := VacationAction{Subject: "OOO", Body: "away", Seconds: 60}
	res := env.dispatcher.Dispatch(context.Background(), action, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	// The default minimum window is 24h, so 10 minutes later is still
	// suppressed despite the 60s request.
	env.now = env.now.Add(10 * time.Minute)
	res = env.dispatcher.Dispatch(context.Background(), action, sctx, dctx)
	assert.Equal(t, CodeSuppressed, res.Code)
}

func TestVacationNullSenderNoResponse(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	dctx.Inbound.ReturnPath = ""

	res := env.dispatcher.Dispatch(context.Background(), VacationAction{Subject: "OOO", Body: "away"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
	assert.Empty(t, env.sender.sends)
}

func TestVacationDistinctHandlesIndependent(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), VacationAction{Handle: "ooo", Body: "away"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	res = env.dispatcher.Dispatch(context.Background(), VacationAction{Handle: "other", Body: "away"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	assert.Len(t, env.sender.sends, 2)
}

func TestVacationFcc(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), VacationAction{Subject: "OOO", Body: "away", Fcc: "Sent"}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)
	require.Len(t, env.store.appended, 1)
	assert.Equal(t, "Sent", env.store.appended[0].mailbox)
	assert.Contains(t, string(env.store.appended[0].data), "Auto-Submitted")
}

func TestDuplicateCheckAndTrack(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	ctx := context.Background()

	// Unseen id: not a duplicate.
	res := env.dispatcher.Dispatch(ctx, DuplicateCheckAction{ID: "ticket-42"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)

	res = env.dispatcher.Dispatch(ctx, DuplicateTrackAction{ID: "ticket-42", Seconds: 3600}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	// Now it is a duplicate while the record is strictly in the future.
	res = env.dispatcher.Dispatch(ctx, DuplicateCheckAction{ID: "ticket-42"}, sctx, dctx)
	assert.Equal(t, CodeSuppressed, res.Code)

	// Exactly at expiry: no longer a duplicate.
	env.now = env.now.Add(time.Hour)
	res = env.dispatcher.Dispatch(ctx, DuplicateCheckAction{ID: "ticket-42"}, sctx, dctx)
	assert.Equal(t, CodeOk, res.Code)
}

func TestDuplicateTrackCapped(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Cfg.DuplicateMaxExpiration = "1h"
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()

	res := env.dispatcher.Dispatch(context.Background(), DuplicateTrackAction{ID: "id", Seconds: 7 * 24 * 60 * 60}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	expiry := env.ledger.entries[ledgerKey{"id", "alice@example.com", ""}]
	assert.Equal(t, env.now.Add(time.Hour), expiry)
}

func TestDuplicateTrackIsPerRecipient(t *testing.T) {
	env := newTestEnv(t)
	sctx, dctx := testContexts(sampleMessage)
	defer dctx.Close()
	ctx := context.Background()

	res := env.dispatcher.Dispatch(ctx, DuplicateTrackAction{ID: "id", Seconds: 3600}, sctx, dctx)
	require.Equal(t, CodeOk, res.Code)

	other := &ScriptContext{AccountID: 2, Recipient: "carol@example.com"}
	res = env.dispatcher.Dispatch(ctx, DuplicateCheckAction{ID: "id"}, other, dctx)
	assert.Equal(t, CodeOk, res.Code, "other recipients share no dedup state")
}
