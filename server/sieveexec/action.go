package sieveexec

// Action is a tagged variant describing one requested side effect. Each
// concrete type carries exactly the parameters its verb needs.
type Action interface {
	Verb() string
}

type DiscardAction struct{}

func (DiscardAction) Verb() string { return "discard" }

type RedirectAction struct {
	// Target is a literal address or an address-book reference.
	Target string
}

func (RedirectAction) Verb() string { return "redirect" }

type RejectAction struct {
	Reason string
	// Extended selects the extended rejection form, which always prefers
	// protocol-level rejection and MIME-encodes non-ASCII reasons.
	Extended bool
}

func (RejectAction) Verb() string { return "reject" }

type FileintoAction struct {
	Mailbox string
	// SpecialUse, when set, names a special-use attribute whose mailbox is
	// preferred over the literal Mailbox name.
	SpecialUse string
	// Create is the per-rule autocreate flag (:create modifier).
	Create bool
	Flags  []string
}

func (FileintoAction) Verb() string { return "fileinto" }

type KeepAction struct {
	Flags []string
}

func (KeepAction) Verb() string { return "keep" }

type NotifyAction struct {
	Method   string
	Priority string
	Message  string
	Filename string
	Options  []string
}

func (NotifyAction) Verb() string { return "notify" }

type VacationAction struct {
	From    string
	Subject string
	Body    string
	Handle  string
	IsMime  bool
	// Seconds is the response suppression window requested by the script;
	// it is clamped to the configured min/max.
	Seconds int
	// Fcc optionally names a mailbox receiving a copy of the response.
	Fcc string
}

func (VacationAction) Verb() string { return "vacation" }

type DuplicateCheckAction struct {
	ID string
}

func (DuplicateCheckAction) Verb() string { return "duplicate_check" }

type DuplicateTrackAction struct {
	ID      string
	Seconds int
}

func (DuplicateTrackAction) Verb() string { return "duplicate_track" }
