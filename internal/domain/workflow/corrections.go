package workflow

import (
	"fmt"
	"strings"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/fhir"
)

// mergeCorrections merges each corrected resource into the matching
// resource of rec. It returns the entries to write and the corrected field
// paths, e.g. Patient/p-1.name.
func mergeCorrections(rec *record.Record, corrections []record.Resource) ([]record.Entry, []string, error) {
	var (
		writes []record.Entry
		paths  []string
	)
	for i, c := range corrections {
		field := fmt.Sprintf("corrections[%d]", i)
		typ, id := c.Type(), c.ID()
		if typ == "" || id == "" {
			return nil, nil, invalid(field, "resourceType and id are required")
		}
		var (
			merged  record.Resource
			changed []string
			fullURL string
		)
		switch {
		case typ == "Task":
			return nil, nil, invalid(field, "the Task cannot be corrected")
		case typ == "Composition":
			if id != rec.ID() {
				return nil, nil, invalid(field, "Composition/%s is not this record", id)
			}
			merged, changed = rec.Composition.Resource.Merge(c)
			rec.Composition.Resource = merged
			fullURL = rec.Composition.FullURL
		default:
			idx := rec.Find(typ, id)
			if idx < 0 {
				return nil, nil, invalid(field, "%s/%s is not part of the record", typ, id)
			}
			merged, changed = rec.Others[idx].Resource.Merge(c)
			rec.Others[idx].Resource = merged
			fullURL = rec.Others[idx].FullURL
		}
		if len(changed) == 0 {
			continue
		}
		writes = append(writes, record.Entry{FullURL: fullURL, Resource: merged})
		for _, f := range changed {
			paths = append(paths, typ+"/"+id+"."+f)
		}
	}
	return writes, paths, nil
}

func withCorrectionFields(rec *record.Record, paths []string) {
	if len(paths) == 0 {
		return
	}
	rec.Task = rec.Task.WithExtension(fhir.Extension{URL: record.ExtCorrectionFields, ValueString: strings.Join(paths, ",")})
}

// bundleWrites turns the resources of a submitted bundle into writes. A
// resource the record already holds is merged into the stored version; the
// Task is never taken from the submission.
func bundleWrites(rec *record.Record, body []byte) ([]record.Entry, error) {
	if len(body) == 0 || fhir.PeekResourceType(body) != "Bundle" {
		return nil, nil
	}
	b, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, invalid("Bundle", "%v", err)
	}
	var writes []record.Entry
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		res, err := record.ParseResource(e.Resource)
		if err != nil {
			return nil, invalid(fmt.Sprintf("Bundle.entry[%d]", i), "%v", err)
		}
		typ, id := res.Type(), res.ID()
		switch {
		case typ == "Task":
			continue
		case typ == "Composition" && id == rec.ID():
			merged, changed := rec.Composition.Resource.Merge(res)
			if len(changed) > 0 {
				rec.Composition.Resource = merged
				writes = append(writes, record.Entry{FullURL: rec.Composition.FullURL, Resource: merged})
			}
		case typ == "Composition":
			return nil, invalid(fmt.Sprintf("Bundle.entry[%d]", i), "a second Composition is not allowed")
		case id == "":
			writes = append(writes, record.Entry{FullURL: e.FullURL, Resource: res})
		default:
			idx := rec.Find(typ, id)
			if idx < 0 {
				writes = append(writes, record.Entry{FullURL: typ + "/" + id, Resource: res})
				continue
			}
			merged, changed := rec.Others[idx].Resource.Merge(res)
			if len(changed) > 0 {
				rec.Others[idx].Resource = merged
				writes = append(writes, record.Entry{FullURL: rec.Others[idx].FullURL, Resource: merged})
			}
		}
	}
	return writes, nil
}
