// Package record models a vital-event record: the bundle of FHIR resources
// (Composition, Task, principals) that moves through the registration workflow.
package record

import (
	"strings"
)

// EventType is the kind of vital event a record describes.
type EventType string

const (
	EventBirth    EventType = "BIRTH"
	EventDeath    EventType = "DEATH"
	EventMarriage EventType = "MARRIAGE"
)

// Coding systems and extension URLs understood by the engine.
const (
	DocTypeSystem   = "http://opencrvs.org/doc-types"
	TaskTypeSystem  = "http://opencrvs.org/specs/types"
	RegStatusSystem = "http://opencrvs.org/specs/reg-status"
	ReasonSystem    = "http://opencrvs.org/specs/reason"

	idSystemPrefix  = "http://opencrvs.org/specs/id/"
	extensionPrefix = "http://opencrvs.org/specs/extension/"
)

const (
	ExtReason               = extensionPrefix + "reason"
	ExtComment              = extensionPrefix + "comment"
	ExtPriorBusinessStatus  = extensionPrefix + "prior-business-status"
	ExtReinstatedFrom       = extensionPrefix + "reinstated-from"
	ExtLastUser             = extensionPrefix + "regLastUser"
	ExtAssigned             = extensionPrefix + "regAssigned"
	ExtCorrectionFields     = extensionPrefix + "correction-fields"
	ExtExternalValidation   = extensionPrefix + "external-validation-error"
	ExtRegistrationStrategy = extensionPrefix + "registration-number-strategy"
)

var docTypes = map[string]EventType{
	"birth-declaration":    EventBirth,
	"death-declaration":    EventDeath,
	"marriage-declaration": EventMarriage,
}

// EventTypeFromDocType maps a Composition type code to its event type.
func EventTypeFromDocType(code string) (EventType, bool) {
	et, ok := docTypes[code]
	return et, ok
}

// ParseEventType accepts BIRTH/DEATH/MARRIAGE in any case.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(strings.ToUpper(s)) {
	case EventBirth:
		return EventBirth, true
	case EventDeath:
		return EventDeath, true
	case EventMarriage:
		return EventMarriage, true
	}
	return "", false
}

func (e EventType) slug() string { return strings.ToLower(string(e)) }

// RegistrationNumberSystem is the identifier system holding the BRN/DRN/MRN.
func RegistrationNumberSystem(e EventType) string {
	return idSystemPrefix + e.slug() + "-registration-number"
}

// TrackingIDSystem is the identifier system holding the tracking id.
func TrackingIDSystem(e EventType) string {
	return idSystemPrefix + e.slug() + "-tracking-id"
}

// Letter is the single-letter prefix used in tracking ids and sequential
// registration numbers.
func (e EventType) Letter() string {
	switch e {
	case EventBirth:
		return "B"
	case EventDeath:
		return "D"
	case EventMarriage:
		return "M"
	}
	return "X"
}

// BusinessStatus is the registration lifecycle status carried by a Task.
type BusinessStatus string

const (
	StatusNone                BusinessStatus = ""
	StatusInProgress          BusinessStatus = "IN_PROGRESS"
	StatusDeclared            BusinessStatus = "DECLARED"
	StatusValidated           BusinessStatus = "VALIDATED"
	StatusWaitingValidation   BusinessStatus = "WAITING_VALIDATION"
	StatusRegistered          BusinessStatus = "REGISTERED"
	StatusCertified           BusinessStatus = "CERTIFIED"
	StatusIssued              BusinessStatus = "ISSUED"
	StatusRejected            BusinessStatus = "REJECTED"
	StatusArchived            BusinessStatus = "ARCHIVED"
	StatusReinstated          BusinessStatus = "REINSTATED"
	StatusCorrectionRequested BusinessStatus = "CORRECTION_REQUESTED"
)

// AllStatuses lists every status including StatusNone.
var AllStatuses = []BusinessStatus{
	StatusNone,
	StatusInProgress,
	StatusDeclared,
	StatusValidated,
	StatusWaitingValidation,
	StatusRegistered,
	StatusCertified,
	StatusIssued,
	StatusRejected,
	StatusArchived,
	StatusReinstated,
	StatusCorrectionRequested,
}

// ParseBusinessStatus returns false for codes outside the enum.
func ParseBusinessStatus(s string) (BusinessStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return StatusNone, false
}

func (s BusinessStatus) String() string {
	if s == StatusNone {
		return "<none>"
	}
	return string(s)
}
