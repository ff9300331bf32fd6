// Package classify resolves an inbound request to exactly one lifecycle
// event. Classification is pure: no I/O, and anything ambiguous is UNKNOWN.
package classify

import "github.com/crvs/workflow/internal/domain/record"

// Kind is a classified lifecycle event.
type Kind string

const (
	NewDeclaration      Kind = "NEW_DECLARATION"
	NewRegistration     Kind = "NEW_REGISTRATION"
	MarkValidated       Kind = "MARK_VALIDATED"
	MarkRegistered      Kind = "MARK_REGISTERED"
	ConfirmRegistration Kind = "CONFIRM_REGISTRATION"
	MarkCertified       Kind = "MARK_CERTIFIED"
	MarkIssued          Kind = "MARK_ISSUED"
	MarkVoided          Kind = "MARK_VOIDED"
	Archive             Kind = "ARCHIVE"
	Reject              Kind = "REJECT"
	Reinstate           Kind = "REINSTATE"
	RequestCorrection   Kind = "REQUEST_CORRECTION"
	ApproveCorrection   Kind = "APPROVE_CORRECTION"
	RejectCorrection    Kind = "REJECT_CORRECTION"
	MakeCorrection      Kind = "MAKE_CORRECTION"
	Assign              Kind = "ASSIGN"
	Unassign            Kind = "UNASSIGN"
	Unknown             Kind = "UNKNOWN"
)

// AllKinds lists every event kind, UNKNOWN last.
var AllKinds = []Kind{
	NewDeclaration, NewRegistration, MarkValidated, MarkRegistered, ConfirmRegistration,
	MarkCertified, MarkIssued, MarkVoided, Archive, Reject, Reinstate,
	RequestCorrection, ApproveCorrection, RejectCorrection, MakeCorrection,
	Assign, Unassign, Unknown,
}

// Request is the classifier input.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Scopes []string
}

// Event is a classified request. It lives only for the duration of the
// request and is never persisted.
type Event struct {
	Kind          Kind
	EventType     record.EventType
	ResourceKind  string
	HasExistingID bool
	// RecordID is the Composition id the event targets, when known.
	RecordID string
	// TaskID is set for Task-addressed requests.
	TaskID       string
	CallerScopes []string
}

// IsNew reports whether the event creates a record.
func (e Event) IsNew() bool {
	return e.Kind == NewDeclaration || e.Kind == NewRegistration
}

// HasScope reports whether scopes contains want.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
