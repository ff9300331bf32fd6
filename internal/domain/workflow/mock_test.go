package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/crvs/workflow/internal/domain/fanout"
	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/domain/regnum"
	"github.com/crvs/workflow/internal/platform/fhir"
	"github.com/crvs/workflow/internal/platform/hearth"
)

// mockStore keeps records in memory and enforces Task versions on Save.
type mockStore struct {
	mu        sync.Mutex
	records   map[string]*record.Record
	nextID    int
	loads     int
	saves     int
	creates   int
	conflicts int
	saveErr   error
	lastSaved []record.Entry
	forwarded []hearth.ForwardRequest
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*record.Record)}
}

func (m *mockStore) Load(_ context.Context, id string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *mockStore) LoadByTask(ctx context.Context, taskID string) (*record.Record, error) {
	m.mu.Lock()
	var id string
	for cid, rec := range m.records {
		if rec.Task.ID == taskID {
			id = cid
		}
	}
	m.mu.Unlock()
	if id == "" {
		return nil, ErrNotFound
	}
	return m.Load(ctx, id)
}

func (m *mockStore) Create(_ context.Context, rec *record.Record) (*record.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.Task.TrackingID() == rec.Task.TrackingID() {
			return existing.Clone(), false, nil
		}
	}
	if m.saveErr != nil {
		return nil, false, m.saveErr
	}
	m.creates++
	m.nextID++
	out := rec.Clone()
	id := fmt.Sprintf("comp-%d", m.nextID)
	if err := out.Composition.Resource.SetVersion(id, "1"); err != nil {
		return nil, false, err
	}
	out.Task.ID = fmt.Sprintf("task-%d", m.nextID)
	out.Task.Meta = &fhir.Meta{VersionID: "1"}
	out.Task.Focus = &fhir.Reference{Reference: "Composition/" + id}
	m.records[id] = out.Clone()
	return out, true, nil
}

func (m *mockStore) Save(_ context.Context, rec *record.Record, writes []record.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.conflicts > 0 {
		m.conflicts--
		return ErrVersionConflict
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	stored, ok := m.records[rec.ID()]
	if !ok {
		return ErrNotFound
	}
	if stored.Task.VersionID() != rec.Task.VersionID() {
		return ErrVersionConflict
	}
	v, _ := strconv.Atoi(rec.Task.VersionID())
	rec.Task.Meta = &fhir.Meta{VersionID: strconv.Itoa(v + 1)}
	next := rec.Clone()
	for _, w := range writes {
		switch idx := next.Find(w.Resource.Type(), w.Resource.ID()); {
		case w.Resource.Type() == "Composition":
			next.Composition.Resource = w.Resource.Clone()
		case idx >= 0:
			next.Others[idx].Resource = w.Resource.Clone()
		default:
			next.Others = append(next.Others, record.Entry{FullURL: w.FullURL, Resource: w.Resource.Clone()})
		}
	}
	m.records[rec.ID()] = next
	m.lastSaved = writes
	return nil
}

func (m *mockStore) Forward(_ context.Context, req hearth.ForwardRequest) (*hearth.ForwardResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded = append(m.forwarded, req)
	return &hearth.ForwardResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/fhir+json"}, "Etag": {`W/"7"`}},
		Body:   []byte(`{"resourceType":"Patient","id":"p-1"}`),
	}, nil
}

func (m *mockStore) put(t *testing.T, st record.BusinessStatus, extra ...fhir.Extension) *record.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("comp-%d", m.nextID)
	comp, err := record.ParseResource([]byte(`{"resourceType":"Composition","id":"` + id + `","meta":{"versionId":"1"},` +
		`"type":{"coding":[{"system":"http://opencrvs.org/doc-types","code":"birth-declaration"}]},` +
		`"section":[{"entry":[{"reference":"Patient/child-` + id + `"}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	child, err := record.ParseResource([]byte(`{"resourceType":"Patient","id":"child-` + id + `","meta":{"versionId":"1"},"gender":"female","name":[{"given":["Ana"],"family":"Roy"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	task := record.NewTask(record.EventBirth, "Composition/"+id).
		WithIdentifier(record.TrackingIDSystem(record.EventBirth), fmt.Sprintf("B%07d", m.nextID))
	task.ID = fmt.Sprintf("task-%d", m.nextID)
	task.Meta = &fhir.Meta{VersionID: "1"}
	if st != record.StatusNone {
		task = task.WithStatus(st)
	}
	for _, e := range extra {
		task = task.WithExtension(e)
	}
	rec := &record.Record{
		Composition: record.Entry{FullURL: "Composition/" + id, Resource: comp},
		Task:        task,
		TaskFullURL: "Task/" + task.ID,
		Others:      []record.Entry{{FullURL: "Patient/child-" + id, Resource: child}},
	}
	m.records[id] = rec.Clone()
	return rec
}

func (m *mockStore) get(id string) *record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Clone()
}

type recordingDispatcher struct {
	mu      sync.Mutex
	notices []fanout.Notice
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n fanout.Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notices)
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, store RecordStore, d Dispatcher, opts ...Option) *Service {
	t.Helper()
	reg, err := regnum.NewRegistry(regnum.Default(), regnum.NewSequential(regnum.NewMemoryCounter()))
	if err != nil {
		t.Fatal(err)
	}
	base := []Option{WithStrategy(regnum.CodeSequential), WithClock(func() time.Time { return fixedNow })}
	return NewService(store, reg, d, append(base, opts...)...)
}

const newBirthBundle = `{
  "resourceType": "Bundle",
  "type": "document",
  "entry": [
    {"fullUrl": "urn:uuid:8f0a1c2e", "resource": {
      "resourceType": "Composition", "status": "preliminary",
      "type": {"coding": [{"system": "http://opencrvs.org/doc-types", "code": "birth-declaration"}]},
      "section": [{"entry": [{"reference": "urn:uuid:5d2b7e10"}]}]
    }},
    {"fullUrl": "urn:uuid:5d2b7e10", "resource": {"resourceType": "Patient", "gender": "male", "birthDate": "2026-03-01"}}
  ]
}`

func caller(scopes ...string) Caller {
	return Caller{UserID: "u-1", PractitionerID: "pr-1", Scopes: scopes, Token: "tok"}
}
