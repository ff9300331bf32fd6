package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/fhir"
	"github.com/crvs/workflow/internal/platform/hearth"
)

type fhirClient interface {
	Read(ctx context.Context, resourceType, id string) ([]byte, error)
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
	Transaction(ctx context.Context, b *fhir.Bundle) (*fhir.Bundle, error)
	Forward(ctx context.Context, req hearth.ForwardRequest) (*hearth.ForwardResponse, error)
}

// HearthStore reads and writes records through the Hearth REST API. Every
// write is one transaction bundle.
type HearthStore struct {
	client fhirClient
}

func NewHearthStore(client fhirClient) *HearthStore {
	return &HearthStore{client: client}
}

func readErr(err error) error {
	if errors.Is(err, hearth.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func writeErr(err error) error {
	if errors.Is(err, hearth.ErrVersionConflict) {
		return ErrVersionConflict
	}
	return &StoreWriteError{Err: err}
}

type compositionRefs struct {
	Subject *fhir.Reference `json:"subject"`
	Section []struct {
		Entry []fhir.Reference `json:"entry"`
	} `json:"section"`
}

// references lists the distinct Type/id references of the Composition.
func references(comp record.Resource) []string {
	var c compositionRefs
	if err := comp.Decode(&c); err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(ref *fhir.Reference) {
		if ref == nil || strings.HasPrefix(ref.Reference, "urn:") {
			return
		}
		parts := strings.Split(ref.Reference, "/")
		if len(parts) < 2 || seen[ref.Reference] {
			return
		}
		seen[ref.Reference] = true
		out = append(out, parts[len(parts)-2]+"/"+parts[len(parts)-1])
	}
	add(c.Subject)
	for _, s := range c.Section {
		for i := range s.Entry {
			add(&s.Entry[i])
		}
	}
	return out
}

// Load reads the Composition, its Task and every referenced resource. The
// reads after the Composition run concurrently.
func (s *HearthStore) Load(ctx context.Context, compositionID string) (*record.Record, error) {
	raw, err := s.client.Read(ctx, "Composition", compositionID)
	if err != nil {
		return nil, readErr(err)
	}
	comp, err := record.ParseResource(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rec := &record.Record{Composition: record.Entry{FullURL: "Composition/" + compositionID, Resource: comp}}

	refs := references(comp)
	others := make([]record.Resource, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		task, err := s.taskFor(gctx, compositionID)
		if err != nil {
			return err
		}
		rec.Task = task
		rec.TaskFullURL = "Task/" + task.ID
		return nil
	})
	for i, ref := range refs {
		i, ref := i, ref
		typ, id, _ := strings.Cut(ref, "/")
		g.Go(func() error {
			raw, err := s.client.Read(gctx, typ, id)
			if errors.Is(err, hearth.ErrNotFound) {
				return nil
			}
			if err != nil {
				return readErr(err)
			}
			res, err := record.ParseResource(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, ref, err)
			}
			others[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, res := range others {
		if res != nil {
			rec.Others = append(rec.Others, record.Entry{FullURL: refs[i], Resource: res})
		}
	}
	return rec, nil
}

func (s *HearthStore) taskFor(ctx context.Context, compositionID string) (record.Task, error) {
	b, err := s.client.Search(ctx, "Task", url.Values{"focus": {"Composition/" + compositionID}})
	if err != nil {
		return record.Task{}, readErr(err)
	}
	for _, e := range b.Entry {
		if fhir.PeekResourceType(e.Resource) != "Task" {
			continue
		}
		t, err := record.ParseTask(e.Resource)
		if err != nil {
			return record.Task{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return t, nil
	}
	return record.Task{}, fmt.Errorf("Composition/%s has no Task: %w", compositionID, ErrNotFound)
}

// LoadByTask loads the record the Task focuses on.
func (s *HearthStore) LoadByTask(ctx context.Context, taskID string) (*record.Record, error) {
	raw, err := s.client.Read(ctx, "Task", taskID)
	if err != nil {
		return nil, readErr(err)
	}
	t, err := record.ParseTask(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	focus := t.Focus.ID()
	if focus == "" {
		return nil, fmt.Errorf("Task/%s has no focus: %w", taskID, ErrNotFound)
	}
	return s.Load(ctx, focus)
}

func trackingQuery(rec *record.Record) string {
	et, ok := rec.Task.EventType()
	tid := rec.Task.TrackingID()
	if !ok || tid == "" {
		return ""
	}
	return "identifier=" + url.QueryEscape(record.TrackingIDSystem(et)+"|"+tid)
}

// Create stores a new record. A record already stored under the same
// tracking id is returned instead, so a retried submission never creates a
// second record.
func (s *HearthStore) Create(ctx context.Context, rec *record.Record) (*record.Record, bool, error) {
	query := trackingQuery(rec)
	if query == "" {
		return nil, false, invalid("Task.identifier", "tracking id is required")
	}
	if existing, err := s.findByTracking(ctx, query); err != nil || existing != nil {
		return existing, false, err
	}

	out := rec.Clone()
	if out.Composition.FullURL == "" {
		out.Composition.FullURL = "urn:uuid:" + uuid.NewString()
	}
	if out.TaskFullURL == "" {
		out.TaskFullURL = "urn:uuid:" + uuid.NewString()
	}
	tx := &fhir.Bundle{ResourceType: "Bundle", Type: fhir.BundleTypeTransaction}
	comp, err := json.Marshal(out.Composition.Resource)
	if err != nil {
		return nil, false, err
	}
	task, err := json.Marshal(out.Task)
	if err != nil {
		return nil, false, err
	}
	tx.Entry = append(tx.Entry,
		fhir.BundleEntry{FullURL: out.Composition.FullURL, Resource: comp, Request: &fhir.BundleRequest{Method: "POST", URL: "Composition", IfNoneExist: query}},
		fhir.BundleEntry{FullURL: out.TaskFullURL, Resource: task, Request: &fhir.BundleRequest{Method: "POST", URL: "Task", IfNoneExist: query}},
	)
	for i := range out.Others {
		e := &out.Others[i]
		if e.FullURL == "" {
			e.FullURL = "urn:uuid:" + uuid.NewString()
		}
		entry, err := writeEntry(*e)
		if err != nil {
			return nil, false, err
		}
		tx.Entry = append(tx.Entry, entry)
	}

	resp, err := s.client.Transaction(ctx, tx)
	if err != nil {
		return nil, false, writeErr(err)
	}
	if err := applyLocations(out, resp); err != nil {
		return nil, false, &StoreWriteError{Err: err}
	}
	return out, true, nil
}

func (s *HearthStore) findByTracking(ctx context.Context, query string) (*record.Record, error) {
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	b, err := s.client.Search(ctx, "Task", params)
	if err != nil {
		return nil, readErr(err)
	}
	for _, e := range b.Entry {
		if fhir.PeekResourceType(e.Resource) != "Task" {
			continue
		}
		t, err := record.ParseTask(e.Resource)
		if err != nil || t.Focus.ID() == "" {
			continue
		}
		return s.Load(ctx, t.Focus.ID())
	}
	return nil, nil
}

// Save writes the Task with an If-Match on its version plus the given
// entries in one transaction.
func (s *HearthStore) Save(ctx context.Context, rec *record.Record, writes []record.Entry) error {
	if rec.Task.ID == "" {
		return invalid("Task.id", "cannot update a Task that was never stored")
	}
	task, err := json.Marshal(rec.Task)
	if err != nil {
		return err
	}
	taskReq := &fhir.BundleRequest{Method: "PUT", URL: "Task/" + rec.Task.ID, IfMatch: fhir.FormatETag(rec.Task.VersionID())}
	tx := &fhir.Bundle{ResourceType: "Bundle", Type: fhir.BundleTypeTransaction}
	tx.Entry = append(tx.Entry, fhir.BundleEntry{FullURL: "Task/" + rec.Task.ID, Resource: task, Request: taskReq})
	for _, e := range writes {
		if e.FullURL == "" && e.Resource.ID() == "" {
			e.FullURL = "urn:uuid:" + uuid.NewString()
		}
		entry, err := writeEntry(e)
		if err != nil {
			return err
		}
		tx.Entry = append(tx.Entry, entry)
	}

	resp, err := s.client.Transaction(ctx, tx)
	if err != nil {
		return writeErr(err)
	}
	if len(resp.Entry) > 0 && resp.Entry[0].Response != nil {
		if v := responseVersion(resp.Entry[0].Response); v != "" {
			if rec.Task.Meta == nil {
				rec.Task.Meta = &fhir.Meta{}
			}
			rec.Task.Meta.VersionID = v
		}
	}
	return nil
}

// responseVersion prefers the versioned location and falls back to the etag.
func responseVersion(r *fhir.BundleResponse) string {
	if _, _, v := parseLocation(r.Location); v != "" {
		return v
	}
	if n, err := fhir.ParseETag(r.Etag); err == nil {
		return strconv.Itoa(n)
	}
	return ""
}

func writeEntry(e record.Entry) (fhir.BundleEntry, error) {
	raw, err := json.Marshal(e.Resource)
	if err != nil {
		return fhir.BundleEntry{}, fmt.Errorf("encode %s: %w", e.Resource.Type(), err)
	}
	req := &fhir.BundleRequest{Method: "POST", URL: e.Resource.Type()}
	if id := e.Resource.ID(); id != "" {
		req = &fhir.BundleRequest{Method: "PUT", URL: e.Resource.Type() + "/" + id, IfMatch: fhir.FormatETag(e.Resource.VersionID())}
	}
	return fhir.BundleEntry{FullURL: e.FullURL, Resource: raw, Request: req}, nil
}

// applyLocations copies the ids the store assigned back onto rec, in the
// order the create transaction was built.
func applyLocations(rec *record.Record, resp *fhir.Bundle) error {
	loc := func(i int) (string, string) {
		if i >= len(resp.Entry) || resp.Entry[i].Response == nil {
			return "", ""
		}
		_, id, v := parseLocation(resp.Entry[i].Response.Location)
		return id, v
	}
	id, v := loc(0)
	if id == "" {
		return fmt.Errorf("transaction response has no Composition location")
	}
	if err := rec.Composition.Resource.SetVersion(id, v); err != nil {
		return err
	}
	rec.Composition.FullURL = "Composition/" + id
	if id, v := loc(1); id != "" {
		rec.Task.ID = id
		if rec.Task.Meta == nil {
			rec.Task.Meta = &fhir.Meta{}
		}
		rec.Task.Meta.VersionID = v
		rec.Task.Focus = &fhir.Reference{Reference: "Composition/" + rec.ID()}
		rec.TaskFullURL = "Task/" + id
	}
	for i := range rec.Others {
		if id, v := loc(i + 2); id != "" {
			if err := rec.Others[i].Resource.SetVersion(id, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLocation splits "Type/id/_history/v", optionally absolute.
func parseLocation(loc string) (typ, id, version string) {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	for i, p := range parts {
		if p == "_history" && i >= 2 {
			typ, id = parts[i-2], parts[i-1]
			if i+1 < len(parts) {
				version = parts[i+1]
			}
			return typ, id, version
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2], parts[len(parts)-1], ""
	}
	return "", "", ""
}

// Forward relays an unclassified request to the store unchanged.
func (s *HearthStore) Forward(ctx context.Context, req hearth.ForwardRequest) (*hearth.ForwardResponse, error) {
	resp, err := s.client.Forward(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return resp, nil
}
