package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Fields holds the members of a JSON object that a typed view does not
// model. Decoding into the typed view and encoding it again keeps them.
type Fields map[string]json.RawMessage

// KnownFields lists the JSON member names of a struct's tagged fields.
func KnownFields(v any) map[string]bool {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	known := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			known[name] = true
		}
	}
	return known
}

// SplitFields returns the members of the object in data that are not known.
// It returns nil when there are none.
func SplitFields(data []byte, known map[string]bool) (Fields, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra Fields
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(Fields)
		}
		extra[k] = v
	}
	return extra, nil
}

// Merge appends the fields to an encoded object. Members already present in
// typed win. Extra members are written in key order after the typed ones.
func (f Fields) Merge(typed []byte) ([]byte, error) {
	if len(f) == 0 {
		return typed, nil
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(typed, &present); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		if _, ok := present[k]; !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return typed, nil
	}
	sort.Strings(keys)

	body := bytes.TrimSpace(typed)
	if len(body) < 2 || body[len(body)-1] != '}' {
		return nil, fmt.Errorf("merge fields: not an object")
	}
	var buf bytes.Buffer
	buf.Write(body[:len(body)-1])
	sep := len(present) > 0
	for _, k := range keys {
		if sep {
			buf.WriteByte(',')
		}
		sep = true
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(f[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone copies the map and every raw value.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
