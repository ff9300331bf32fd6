package record

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crvs/workflow/internal/platform/fhir"
)

var (
	ErrNoComposition = errors.New("bundle has no Composition")
	ErrNoEventType   = errors.New("cannot determine event type")
)

// Entry is a bundle entry the engine carries through untouched.
type Entry struct {
	FullURL  string
	Resource Resource
}

// Composition is a read-only typed view of the record's Composition.
type Composition struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	Identifier   []fhir.Identifier     `json:"identifier,omitempty"`
	Status       string                `json:"status,omitempty"`
	Type         *fhir.CodeableConcept `json:"type,omitempty"`
	Subject      *fhir.Reference       `json:"subject,omitempty"`
	Date         string                `json:"date,omitempty"`
}

// EventType resolves the event type from the Composition type coding.
func (c Composition) EventType() (EventType, bool) {
	return EventTypeFromDocType(c.Type.CodeFor(DocTypeSystem))
}

// Record is a VitalEventRecord: a Composition, its Task and the remaining
// resources of the bundle. Identity is the Composition id.
type Record struct {
	Composition Entry
	Task        Task
	TaskFullURL string
	Others      []Entry
}

// ID returns the Composition id.
func (r *Record) ID() string { return r.Composition.Resource.ID() }

// CompositionView decodes the typed Composition.
func (r *Record) CompositionView() (Composition, error) {
	var c Composition
	if err := r.Composition.Resource.Decode(&c); err != nil {
		return Composition{}, fmt.Errorf("decode composition: %w", err)
	}
	return c, nil
}

// EventType prefers the Composition type and falls back to the Task code.
func (r *Record) EventType() (EventType, error) {
	if c, err := r.CompositionView(); err == nil {
		if et, ok := c.EventType(); ok {
			return et, nil
		}
	}
	if et, ok := r.Task.EventType(); ok {
		return et, nil
	}
	return "", ErrNoEventType
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	out := &Record{
		Composition: Entry{FullURL: r.Composition.FullURL, Resource: r.Composition.Resource.Clone()},
		Task:        r.Task.Clone(),
		TaskFullURL: r.TaskFullURL,
	}
	for _, e := range r.Others {
		out.Others = append(out.Others, Entry{FullURL: e.FullURL, Resource: e.Resource.Clone()})
	}
	return out
}

// Find returns the index in Others of the resource with the given type and id.
func (r *Record) Find(resourceType, id string) int {
	for i, e := range r.Others {
		if e.Resource.Type() == resourceType && e.Resource.ID() == id {
			return i
		}
	}
	return -1
}

// FromBundle builds a Record from a document or transaction bundle. The
// first Composition becomes the record root; a missing Task is allowed for
// new submissions.
func FromBundle(b *fhir.Bundle) (*Record, error) {
	rec := &Record{}
	found := false
	for i, entry := range b.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		res, err := ParseResource(entry.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		switch res.Type() {
		case "Composition":
			if found {
				rec.Others = append(rec.Others, Entry{FullURL: entry.FullURL, Resource: res})
				continue
			}
			rec.Composition = Entry{FullURL: entry.FullURL, Resource: res}
			found = true
		case "Task":
			if !rec.Task.IsZero() {
				rec.Others = append(rec.Others, Entry{FullURL: entry.FullURL, Resource: res})
				continue
			}
			t, err := ParseTask(entry.Resource)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			rec.Task = t
			rec.TaskFullURL = entry.FullURL
		default:
			rec.Others = append(rec.Others, Entry{FullURL: entry.FullURL, Resource: res})
		}
	}
	if !found {
		return nil, ErrNoComposition
	}
	return rec, nil
}

// ToBundle renders the record as a document bundle with the Composition
// first and the Task second.
func (r *Record) ToBundle() (*fhir.Bundle, error) {
	b := &fhir.Bundle{ResourceType: "Bundle", Type: fhir.BundleTypeDocument}
	comp, err := json.Marshal(r.Composition.Resource)
	if err != nil {
		return nil, fmt.Errorf("encode composition: %w", err)
	}
	b.Entry = append(b.Entry, fhir.BundleEntry{FullURL: r.Composition.FullURL, Resource: comp})
	if !r.Task.IsZero() {
		task, err := json.Marshal(r.Task)
		if err != nil {
			return nil, fmt.Errorf("encode task: %w", err)
		}
		b.Entry = append(b.Entry, fhir.BundleEntry{FullURL: r.TaskFullURL, Resource: task})
	}
	for _, e := range r.Others {
		raw, err := json.Marshal(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.Resource.Type(), err)
		}
		b.Entry = append(b.Entry, fhir.BundleEntry{FullURL: e.FullURL, Resource: raw})
	}
	return b, nil
}
