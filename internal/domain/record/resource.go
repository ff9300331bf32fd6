package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/crvs/workflow/internal/platform/fhir"
)

// Resource is an opaque FHIR resource. Top-level fields are kept as raw JSON
// so that fields the engine does not understand survive a read-modify-write.
type Resource map[string]json.RawMessage

// ParseResource decodes a JSON object into a Resource.
func ParseResource(raw []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not an object")
	}
	return r, nil
}

func (r Resource) str(key string) string {
	raw, ok := r[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Type returns resourceType.
func (r Resource) Type() string { return r.str("resourceType") }

// ID returns the logical id, empty for resources not yet persisted.
func (r Resource) ID() string { return r.str("id") }

// VersionID returns meta.versionId.
func (r Resource) VersionID() string {
	raw, ok := r["meta"]
	if !ok {
		return ""
	}
	var m struct {
		VersionID string `json:"versionId"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.VersionID
}

// Decode unmarshals the resource into a typed view.
func (r Resource) Decode(v any) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Clone copies the map and every raw value.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of r where every top-level field present in
// correction replaces the matching field. Fields absent from correction are
// untouched; resourceType, id and meta are never taken from the correction.
// The second result lists the replaced field names in sorted order.
func (r Resource) Merge(correction Resource) (Resource, []string) {
	out := r.Clone()
	var changed []string
	for k, v := range correction {
		switch k {
		case "resourceType", "id", "meta":
			continue
		}
		if old, ok := out[k]; ok && bytes.Equal(old, v) {
			continue
		}
		out[k] = append(json.RawMessage(nil), v...)
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return out, changed
}

// Set replaces one top-level field in place.
func (r Resource) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	r[key] = raw
	return nil
}

// AddIdentifier appends an identifier unless one with the same system is
// already present.
func (r Resource) AddIdentifier(system, value string) error {
	var ids []fhir.Identifier
	if raw, ok := r["identifier"]; ok {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("decode identifier: %w", err)
		}
	}
	for _, id := range ids {
		if id.System == system {
			return nil
		}
	}
	return r.Set("identifier", append(ids, fhir.Identifier{System: system, Value: value}))
}

// SetVersion records the id and versionId assigned by the store.
func (r Resource) SetVersion(id, versionID string) error {
	if id != "" {
		if err := r.Set("id", id); err != nil {
			return err
		}
	}
	if versionID == "" {
		return nil
	}
	meta := map[string]json.RawMessage{}
	if raw, ok := r["meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
	}
	v, _ := json.Marshal(versionID)
	meta["versionId"] = v
	return r.Set("meta", meta)
}
