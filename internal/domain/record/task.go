package record

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/crvs/workflow/internal/platform/fhir"
)

// Task is the status-bearing resource attached to every record. Methods
// named With* return a modified copy and never touch the receiver. Members
// the typed view does not model survive a decode and re-encode.
type Task struct {
	ResourceType   string                `json:"resourceType"`
	ID             string                `json:"id,omitempty"`
	Meta           *fhir.Meta            `json:"meta,omitempty"`
	Identifier     []fhir.Identifier     `json:"identifier,omitempty"`
	Status         string                `json:"status,omitempty"`
	Intent         string                `json:"intent,omitempty"`
	Code           *fhir.CodeableConcept `json:"code,omitempty"`
	Focus          *fhir.Reference       `json:"focus,omitempty"`
	BusinessStatus *fhir.CodeableConcept `json:"businessStatus,omitempty"`
	ReasonCode     *fhir.CodeableConcept `json:"reasonCode,omitempty"`
	Note           []fhir.Annotation     `json:"note,omitempty"`
	Extension      []fhir.Extension      `json:"extension,omitempty"`
	LastModified   string                `json:"lastModified,omitempty"`

	extra fhir.Fields
}

var taskFields = fhir.KnownFields(Task{})

func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	b, err := json.Marshal(plain(t))
	if err != nil {
		return nil, err
	}
	return t.extra.Merge(b)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := fhir.SplitFields(data, taskFields)
	if err != nil {
		return err
	}
	*t = Task(p)
	t.extra = extra
	return nil
}

// NewTask builds the Task for a fresh submission that did not carry one.
func NewTask(event EventType, focus string) Task {
	return Task{
		ResourceType: "Task",
		Status:       "ready",
		Intent:       "proposal",
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: TaskTypeSystem, Code: string(event)}},
		},
		Focus: &fhir.Reference{Reference: focus},
	}
}

// ParseTask decodes a raw Task resource.
func ParseTask(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.ResourceType != "Task" {
		return Task{}, fmt.Errorf("expected resourceType Task, got %q", t.ResourceType)
	}
	return t, nil
}

// IsZero reports whether the Task is absent.
func (t Task) IsZero() bool { return t.ResourceType == "" }

// VersionID returns meta.versionId.
func (t Task) VersionID() string {
	if t.Meta == nil {
		return ""
	}
	return t.Meta.VersionID
}

// Version returns meta.versionId as a number for ordering search writes. It
// is 0 when the store did not assign a numeric version.
func (t Task) Version() int64 {
	v, err := strconv.ParseInt(t.VersionID(), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// EventType reads the event type from the Task code.
func (t Task) EventType() (EventType, bool) {
	return ParseEventType(t.Code.CodeFor(TaskTypeSystem))
}

// CurrentStatus returns the business status, StatusNone when unset.
func (t Task) CurrentStatus() BusinessStatus {
	s, _ := ParseBusinessStatus(t.BusinessStatus.CodeFor(RegStatusSystem))
	return s
}

// RegistrationNumber returns the assigned registration number, if any.
func (t Task) RegistrationNumber() string {
	et, ok := t.EventType()
	if !ok {
		return ""
	}
	return t.identifier(RegistrationNumberSystem(et))
}

// TrackingID returns the tracking id, if any.
func (t Task) TrackingID() string {
	et, ok := t.EventType()
	if !ok {
		return ""
	}
	return t.identifier(TrackingIDSystem(et))
}

func (t Task) identifier(system string) string {
	for _, id := range t.Identifier {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}

// Extensions returns every extension with the given URL, oldest first.
func (t Task) Extensions(url string) []fhir.Extension {
	var out []fhir.Extension
	for _, e := range t.Extension {
		if e.URL == url {
			out = append(out, e)
		}
	}
	return out
}

// LastExtension returns the most recent extension with the given URL.
func (t Task) LastExtension(url string) (fhir.Extension, bool) {
	for i := len(t.Extension) - 1; i >= 0; i-- {
		if t.Extension[i].URL == url {
			return t.Extension[i], true
		}
	}
	return fhir.Extension{}, false
}

// Clone deep-copies every slice and pointer field.
func (t Task) Clone() Task {
	out := t
	if t.Meta != nil {
		m := t.Meta.Clone()
		out.Meta = &m
	}
	out.Identifier = append([]fhir.Identifier(nil), t.Identifier...)
	out.Code = cloneConcept(t.Code)
	out.BusinessStatus = cloneConcept(t.BusinessStatus)
	out.ReasonCode = cloneConcept(t.ReasonCode)
	if t.Focus != nil {
		f := *t.Focus
		out.Focus = &f
	}
	out.Note = append([]fhir.Annotation(nil), t.Note...)
	out.Extension = make([]fhir.Extension, 0, len(t.Extension))
	for _, e := range t.Extension {
		out.Extension = append(out.Extension, e.Clone())
	}
	out.extra = t.extra.Clone()
	return out
}

func cloneConcept(cc *fhir.CodeableConcept) *fhir.CodeableConcept {
	if cc == nil {
		return nil
	}
	c := *cc
	c.Coding = append([]fhir.Coding(nil), cc.Coding...)
	return &c
}

// WithStatus returns a copy carrying the given business status.
func (t Task) WithStatus(s BusinessStatus) Task {
	out := t.Clone()
	out.BusinessStatus = &fhir.CodeableConcept{
		Coding: []fhir.Coding{{System: RegStatusSystem, Code: string(s)}},
	}
	return out
}

// WithExtension returns a copy with ext appended.
func (t Task) WithExtension(ext fhir.Extension) Task {
	out := t.Clone()
	out.Extension = append(out.Extension, ext)
	return out
}

// WithoutExtensions returns a copy with every extension of the URL removed.
func (t Task) WithoutExtensions(url string) Task {
	out := t.Clone()
	kept := out.Extension[:0]
	for _, e := range out.Extension {
		if e.URL != url {
			kept = append(kept, e)
		}
	}
	out.Extension = kept
	return out
}

// WithoutLastExtension removes only the most recent extension of the URL.
func (t Task) WithoutLastExtension(url string) Task {
	out := t.Clone()
	for i := len(out.Extension) - 1; i >= 0; i-- {
		if out.Extension[i].URL == url {
			out.Extension = append(out.Extension[:i], out.Extension[i+1:]...)
			break
		}
	}
	return out
}

// WithIdentifier returns a copy with the identifier set, replacing any
// existing value under the same system.
func (t Task) WithIdentifier(system, value string) Task {
	out := t.Clone()
	for i := range out.Identifier {
		if out.Identifier[i].System == system {
			out.Identifier[i].Value = value
			return out
		}
	}
	out.Identifier = append(out.Identifier, fhir.Identifier{System: system, Value: value})
	return out
}

// WithLastModified returns a copy with lastModified set.
func (t Task) WithLastModified(ts string) Task {
	out := t.Clone()
	out.LastModified = ts
	return out
}

// ReasonText returns the reason code or text attached to the Task, used when
// a rejection is submitted as a plain Task update.
func (t Task) ReasonText() string {
	if t.ReasonCode == nil {
		return ""
	}
	if code := t.ReasonCode.CodeFor(ReasonSystem); code != "" {
		return code
	}
	if len(t.ReasonCode.Coding) > 0 && t.ReasonCode.Coding[0].Code != "" {
		return t.ReasonCode.Coding[0].Code
	}
	return t.ReasonCode.Text
}

// LatestNote returns the text of the last note, if any.
func (t Task) LatestNote() string {
	if len(t.Note) == 0 {
		return ""
	}
	return t.Note[len(t.Note)-1].Text
}
