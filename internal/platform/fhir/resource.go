
// Package fhir holds the FHIR R4 datatypes and OperationOutcome helpers
// shared by the store client and the workflow handlers.
package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Meta keeps members it does not model, such as tag and security.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`

	extra Fields
}

var metaFields = KnownFields(Meta{})

func (m Meta) MarshalJSON() ([]byte, error) {
	type plain Meta
	b, err := json.Marshal(plain(m))
	if err != nil {
		return nil, err
	}
	return m.extra.Merge(b)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	type plain Meta
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := SplitFields(data, metaFields)
	if err != nil {
		return err
	}
	*m = Meta(p)
	m.extra = extra
	return nil
}

// Clone deep-copies the Meta.
func (m Meta) Clone() Meta {
	out := m
	if m.LastUpdated != nil {
		ts := *m.LastUpdated
		out.LastUpdated = &ts
	}
	out.Profile = append([]string(nil), m.Profile...)
	out.extra = m.extra.Clone()
	return out
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// CodeFor returns the first code under the given system, or "".
func (cc *CodeableConcept) CodeFor(system string) string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.System == system {
			return c.Code
		}
	}
	return ""
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID returns the id part of a relative reference such as "Location/123".
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	ref := strings.TrimPrefix(r.Reference, "urn:uuid:")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// Extension models the value types the workflow reads and writes. Any other
// value[x] or nested extension is carried through untouched.
type Extension struct {
	URL            string     `json:"url"`
	ValueString    string     `json:"valueString,omitempty"`
	ValueCode      string     `json:"valueCode,omitempty"`
	ValueDateTime  string     `json:"valueDateTime,omitempty"`
	ValueBoolean   *bool      `json:"valueBoolean,omitempty"`
	ValueInteger   *int       `json:"valueInteger,omitempty"`
	ValueReference *Reference `json:"valueReference,omitempty"`

	extra Fields
}

var extensionFields = KnownFields(Extension{})

func (e Extension) MarshalJSON() ([]byte, error) {
	type plain Extension
	b, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	return e.extra.Merge(b)
}

func (e *Extension) UnmarshalJSON(data []byte) error {
	type plain Extension
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := SplitFields(data, extensionFields)
	if err != nil {
		return err
	}
	*e = Extension(p)
	e.extra = extra
	return nil
}

// Clone deep-copies the Extension.
func (e Extension) Clone() Extension {
	out := e
	if e.ValueBoolean != nil {
		v := *e.ValueBoolean
		out.ValueBoolean = &v
	}
	if e.ValueInteger != nil {
		v := *e.ValueInteger
		out.ValueInteger = &v
	}
	if e.ValueReference != nil {
		v := *e.ValueReference
		out.ValueReference = &v
	}
	out.extra = e.extra.Clone()
	return out
}

// Annotation is a FHIR note.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Time         string `json:"time,omitempty"`
	Text         string `json:"text"`
}

// FormatReference builds a relative reference like "Composition/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
