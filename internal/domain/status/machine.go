// Package status implements the business-status state machine of a
// registration Task. Apply is pure: it returns a new Task and never mutates
// its input, so a failed store write cannot leak a half-applied Task.
package status

import (
	"fmt"
	"time"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/fhir"
)

// Kind is a requested transition.
type Kind string

const (
	KindStart             Kind = "START"
	KindDeclare           Kind = "DECLARE"
	KindValidate          Kind = "VALIDATE"
	KindRegister          Kind = "REGISTER"
	KindRequestValidation Kind = "REQUEST_VALIDATION"
	KindConfirm           Kind = "CONFIRM"
	KindCertify           Kind = "CERTIFY"
	KindIssue             Kind = "ISSUE"
	KindReject            Kind = "REJECT"
	KindArchive           Kind = "ARCHIVE"
	KindReinstate         Kind = "REINSTATE"
	KindRequestCorrection Kind = "REQUEST_CORRECTION"
	KindApproveCorrection Kind = "APPROVE_CORRECTION"
	KindRejectCorrection  Kind = "REJECT_CORRECTION"
	KindMakeCorrection    Kind = "MAKE_CORRECTION"
)

// AllKinds lists every transition kind.
var AllKinds = []Kind{
	KindStart, KindDeclare, KindValidate, KindRegister, KindRequestValidation,
	KindConfirm, KindCertify, KindIssue, KindReject, KindArchive, KindReinstate,
	KindRequestCorrection, KindApproveCorrection, KindRejectCorrection, KindMakeCorrection,
}

// IllegalTransitionError is returned for every refused transition.
type IllegalTransitionError struct {
	Current   record.BusinessStatus
	Requested Kind
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a record in status %s: %s", e.Requested, e.Current, e.Reason)
}

// Request carries the inputs of one transition.
type Request struct {
	Kind    Kind
	Reason  string
	Comment string
	// Actor is the practitioner id recorded as the last user.
	Actor string
	At    time.Time
}

// rule describes one transition kind. A zero To with restoresPrior set
// means the target is read from the prior-business-status extension.
type rule struct {
	from          []record.BusinessStatus
	to            record.BusinessStatus
	recordsPrior  bool
	restoresPrior bool
	needsReason   bool
}

var (
	nonTerminal = except(record.StatusNone, record.StatusIssued, record.StatusRejected)
	archivable  = except(record.StatusNone, record.StatusIssued, record.StatusArchived)
	registered  = []record.BusinessStatus{record.StatusRegistered, record.StatusCertified, record.StatusIssued}
)

var rules = map[Kind]rule{
	KindStart:             {from: []record.BusinessStatus{record.StatusNone}, to: record.StatusInProgress},
	KindDeclare:           {from: []record.BusinessStatus{record.StatusNone, record.StatusInProgress, record.StatusRejected}, to: record.StatusDeclared},
	KindValidate:          {from: []record.BusinessStatus{record.StatusDeclared, record.StatusInProgress}, to: record.StatusValidated},
	KindRegister:          {from: []record.BusinessStatus{record.StatusDeclared, record.StatusValidated}, to: record.StatusRegistered},
	KindRequestValidation: {from: []record.BusinessStatus{record.StatusDeclared, record.StatusValidated}, to: record.StatusWaitingValidation},
	KindConfirm:           {from: []record.BusinessStatus{record.StatusWaitingValidation}, to: record.StatusRegistered},
	KindCertify:           {from: []record.BusinessStatus{record.StatusRegistered}, to: record.StatusCertified},
	KindIssue:             {from: []record.BusinessStatus{record.StatusRegistered, record.StatusCertified}, to: record.StatusIssued},
	KindReject:            {from: nonTerminal, to: record.StatusRejected, recordsPrior: true, needsReason: true},
	KindArchive:           {from: archivable, to: record.StatusArchived, recordsPrior: true},
	KindReinstate:         {from: []record.BusinessStatus{record.StatusArchived, record.StatusRejected}, restoresPrior: true},
	KindRequestCorrection: {from: registered, to: record.StatusCorrectionRequested, recordsPrior: true, needsReason: true},
	KindApproveCorrection: {from: []record.BusinessStatus{record.StatusCorrectionRequested}, to: record.StatusRegistered},
	KindRejectCorrection:  {from: []record.BusinessStatus{record.StatusCorrectionRequested}, restoresPrior: true, needsReason: true},
	KindMakeCorrection:    {from: registered, to: record.StatusRegistered, needsReason: true},
}

func except(excluded ...record.BusinessStatus) []record.BusinessStatus {
	var out []record.BusinessStatus
	for _, s := range record.AllStatuses {
		skip := false
		for _, x := range excluded {
			if s == x {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, s)
		}
	}
	return out
}

// sideState statuses push a prior-business-status entry on entry and pop it
// on exit.
func sideState(s record.BusinessStatus) bool {
	switch s {
	case record.StatusRejected, record.StatusArchived, record.StatusCorrectionRequested:
		return true
	}
	return false
}

// effective maps legacy statuses onto the status they behave as.
func effective(s record.BusinessStatus) record.BusinessStatus {
	if s == record.StatusReinstated {
		return record.StatusDeclared
	}
	return s
}

// Check reports whether kind is legal from current, ignoring history.
func Check(current record.BusinessStatus, kind Kind) error {
	r, ok := rules[kind]
	if !ok {
		return &IllegalTransitionError{Current: current, Requested: kind, Reason: "unknown transition"}
	}
	eff := effective(current)
	for _, s := range r.from {
		if s == eff {
			return nil
		}
	}
	return &IllegalTransitionError{Current: current, Requested: kind, Reason: "not allowed from the current status"}
}

// Next returns the target status for kinds whose target does not depend on
// the Task history. REINSTATE and REJECT_CORRECTION need Apply.
func Next(current record.BusinessStatus, kind Kind) (record.BusinessStatus, error) {
	if err := Check(current, kind); err != nil {
		return record.StatusNone, err
	}
	r := rules[kind]
	if r.restoresPrior {
		return record.StatusNone, &IllegalTransitionError{Current: current, Requested: kind, Reason: "target depends on the recorded prior status"}
	}
	return r.to, nil
}

// AssignsRegistrationNumber reports whether a successful transition of this
// kind must be accompanied by a freshly generated registration number.
func AssignsRegistrationNumber(kind Kind) bool {
	return kind == KindRegister || kind == KindConfirm
}

// Apply validates the transition against the Task's current status and
// returns the updated Task. On error the returned Task is the zero value.
func Apply(task record.Task, req Request) (record.Task, error) {
	current := task.CurrentStatus()
	if err := Check(current, req.Kind); err != nil {
		return record.Task{}, err
	}
	r := rules[req.Kind]
	if r.needsReason && req.Reason == "" {
		return record.Task{}, &IllegalTransitionError{Current: current, Requested: req.Kind, Reason: "a reason is required"}
	}

	next := task.Clone()
	target := r.to
	switch {
	case r.restoresPrior:
		prior, ok := next.LastExtension(record.ExtPriorBusinessStatus)
		if !ok {
			return record.Task{}, &IllegalTransitionError{Current: current, Requested: req.Kind, Reason: "no prior status was recorded"}
		}
		restored, valid := record.ParseBusinessStatus(prior.ValueString)
		if !valid || restored == record.StatusNone {
			return record.Task{}, &IllegalTransitionError{Current: current, Requested: req.Kind, Reason: fmt.Sprintf("recorded prior status %q is invalid", prior.ValueString)}
		}
		target = restored
		next = next.WithoutLastExtension(record.ExtPriorBusinessStatus)
		if req.Kind == KindReinstate {
			next = next.WithExtension(fhir.Extension{URL: record.ExtReinstatedFrom, ValueString: string(current)})
		}
	case sideState(current) && !r.recordsPrior:
		next = next.WithoutLastExtension(record.ExtPriorBusinessStatus)
	}

	if r.recordsPrior {
		next = next.WithExtension(fhir.Extension{URL: record.ExtPriorBusinessStatus, ValueString: string(current)})
	}
	if req.Reason != "" {
		next = next.WithExtension(fhir.Extension{URL: record.ExtReason, ValueString: req.Reason})
	}
	if req.Comment != "" {
		next = next.WithExtension(fhir.Extension{URL: record.ExtComment, ValueString: req.Comment})
	}
	if req.Actor != "" {
		next = next.WithoutExtensions(record.ExtLastUser).WithExtension(fhir.Extension{
			URL:            record.ExtLastUser,
			ValueReference: &fhir.Reference{Reference: fhir.FormatReference("Practitioner", req.Actor)},
		})
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	return next.WithStatus(target).WithLastModified(at.UTC().Format(time.RFC3339)), nil
}
