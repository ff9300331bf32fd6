package record

import (
	"strings"
)

// Document is the search-index projection of a record, keyed by the
// Composition id.
type Document struct {
	CompositionID      string   `json:"compositionId"`
	Event              string   `json:"event"`
	Type               string   `json:"type"`
	TrackingID         string   `json:"trackingId,omitempty"`
	RegistrationNumber string   `json:"registrationNumber,omitempty"`
	LastModified       string   `json:"modifiedAt,omitempty"`
	LastUser           string   `json:"updatedBy,omitempty"`
	Assignee           string   `json:"assignment,omitempty"`
	Names              []string `json:"names,omitempty"`
	BirthDate          string   `json:"birthDate,omitempty"`
	DeathDate          string   `json:"deathDate,omitempty"`
	Gender             string   `json:"gender,omitempty"`
}

type humanName struct {
	Given  []string `json:"given"`
	Family string   `json:"family"`
}

type person struct {
	Name             []humanName `json:"name"`
	Gender           string      `json:"gender"`
	BirthDate        string      `json:"birthDate"`
	DeceasedDateTime string      `json:"deceasedDateTime"`
}

// IndexDocument builds the search document for rec.
func IndexDocument(rec *Record) Document {
	doc := Document{
		CompositionID:      rec.ID(),
		Type:               string(rec.Task.CurrentStatus()),
		TrackingID:         rec.Task.TrackingID(),
		RegistrationNumber: rec.Task.RegistrationNumber(),
		LastModified:       rec.Task.LastModified,
	}
	if et, err := rec.EventType(); err == nil {
		doc.Event = string(et)
	}
	if u, ok := rec.Task.LastExtension(ExtLastUser); ok && u.ValueReference != nil {
		doc.LastUser = u.ValueReference.ID()
	}
	if a, ok := rec.Task.LastExtension(ExtAssigned); ok && a.ValueReference != nil {
		doc.Assignee = a.ValueReference.ID()
	}

	for _, e := range rec.Others {
		if e.Resource.Type() != "Patient" {
			continue
		}
		var p person
		if err := e.Resource.Decode(&p); err != nil {
			continue
		}
		for _, n := range p.Name {
			full := strings.TrimSpace(strings.Join(append(append([]string(nil), n.Given...), n.Family), " "))
			if full != "" {
				doc.Names = append(doc.Names, full)
			}
		}
		if doc.Gender == "" {
			doc.Gender = p.Gender
		}
		if doc.BirthDate == "" {
			doc.BirthDate = p.BirthDate
		}
		if doc.DeathDate == "" {
			doc.DeathDate = p.DeceasedDateTime
		}
	}
	return doc
}
