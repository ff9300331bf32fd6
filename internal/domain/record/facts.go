package record

import (
	"time"

	"github.com/google/uuid"
)

// Facts describe one committed transition. They are posted to the metrics
// collector and served to notification collaborators.
type Facts struct {
	ID                 string    `json:"id"`
	Event              string    `json:"event"`
	CompositionID      string    `json:"compositionId"`
	EventType          string    `json:"eventType,omitempty"`
	Status             string    `json:"status"`
	TrackingID         string    `json:"trackingId,omitempty"`
	RegistrationNumber string    `json:"registrationNumber,omitempty"`
	PractitionerID     string    `json:"practitionerId,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Comment            string    `json:"comment,omitempty"`
	At                 time.Time `json:"timestamp"`
}

// FactsOf describes rec after the named event. Reason and comment are the
// most recent ones on the Task.
func FactsOf(rec *Record, event, practitionerID string, at time.Time) Facts {
	f := Facts{
		ID:                 uuid.NewString(),
		Event:              event,
		CompositionID:      rec.ID(),
		Status:             string(rec.Task.CurrentStatus()),
		TrackingID:         rec.Task.TrackingID(),
		RegistrationNumber: rec.Task.RegistrationNumber(),
		PractitionerID:     practitionerID,
		At:                 at.UTC(),
	}
	if et, err := rec.EventType(); err == nil {
		f.EventType = string(et)
	}
	if f.PractitionerID == "" {
		if u, ok := rec.Task.LastExtension(ExtLastUser); ok && u.ValueReference != nil {
			f.PractitionerID = u.ValueReference.ID()
		}
	}
	if r, ok := rec.Task.LastExtension(ExtReason); ok {
		f.Reason = r.ValueString
	}
	if c, ok := rec.Task.LastExtension(ExtComment); ok {
		f.Comment = c.ValueString
	}
	return f
}
