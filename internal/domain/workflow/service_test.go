package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/crvs/workflow/internal/domain/authz"
	"github.com/crvs/workflow/internal/domain/classify"
	"github.com/crvs/workflow/internal/domain/fanout"
	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/domain/regnum"
	"github.com/crvs/workflow/internal/domain/status"
	"github.com/crvs/workflow/internal/platform/webhook"
)

func declare(t *testing.T, svc *Service, scopes ...string) *Result {
	t.Helper()
	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.NewDeclaration},
		Input{Body: []byte(newBirthBundle)}, caller(scopes...))
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	return res
}

func TestService_DeclareNewBirth(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)

	res := declare(t, svc, authz.ScopeDeclare)
	if !res.Created || res.Event != classify.NewDeclaration {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.Record.Task.CurrentStatus(); got != record.StatusDeclared {
		t.Errorf("expected DECLARED, got %s", got)
	}
	if n := res.Record.Task.RegistrationNumber(); n != "" {
		t.Errorf("expected no registration number, got %q", n)
	}
	tid := res.Record.Task.TrackingID()
	if len(tid) != 8 || !strings.HasPrefix(tid, "B") {
		t.Errorf("unexpected tracking id %q", tid)
	}
	if res.Record.Task.Focus.Reference != "Composition/"+res.Record.ID() {
		t.Errorf("task focus %q does not point at the composition", res.Record.Task.Focus.Reference)
	}
	if store.creates != 1 || d.count() != 1 {
		t.Errorf("expected one create and one dispatch, got %d and %d", store.creates, d.count())
	}
	n := d.notices[0]
	if n.Event != string(classify.NewDeclaration) || n.Token != "tok" || n.Facts.Status != "DECLARED" {
		t.Errorf("unexpected notice %+v", n.Facts)
	}
}

func TestService_DeclareReplayIsIdempotent(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)

	first := declare(t, svc, authz.ScopeDeclare)
	second := declare(t, svc, authz.ScopeDeclare)
	if second.Created {
		t.Error("replayed submission must not create a record")
	}
	if first.Record.ID() != second.Record.ID() {
		t.Errorf("expected the same record, got %s and %s", first.Record.ID(), second.Record.ID())
	}
	if store.creates != 1 || d.count() != 1 {
		t.Errorf("expected one create and one dispatch, got %d and %d", store.creates, d.count())
	}
}

func TestService_SubmissionTargets(t *testing.T) {
	tests := []struct {
		name     string
		kind     classify.Kind
		scopes   []string
		external bool
		want     record.BusinessStatus
		number   string
	}{
		{"declare", classify.NewDeclaration, []string{authz.ScopeDeclare}, false, record.StatusDeclared, ""},
		{"declare as validator", classify.NewDeclaration, []string{authz.ScopeValidate}, false, record.StatusValidated, ""},
		{"register", classify.NewRegistration, []string{authz.ScopeRegister}, false, record.StatusRegistered, "2026B0000001"},
		{"register with external validation", classify.NewRegistration, []string{authz.ScopeRegister}, true, record.StatusWaitingValidation, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newMockStore(), &recordingDispatcher{}, WithExternalValidation(tt.external))
			res, err := svc.Handle(context.Background(), classify.Event{Kind: tt.kind}, Input{Body: []byte(newBirthBundle)}, caller(tt.scopes...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := res.Record.Task.CurrentStatus(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if got := res.Record.Task.RegistrationNumber(); got != tt.number {
				t.Errorf("expected number %q, got %q", tt.number, got)
			}
		})
	}
}

func TestService_DeclareInProgress(t *testing.T) {
	body := strings.Replace(newBirthBundle, `"entry": [`, `"entry": [
    {"fullUrl": "urn:uuid:task-1", "resource": {"resourceType": "Task", "status": "draft",
      "code": {"coding": [{"system": "http://opencrvs.org/specs/types", "code": "BIRTH"}]},
      "businessStatus": {"coding": [{"system": "http://opencrvs.org/specs/reg-status", "code": "IN_PROGRESS"}]}}},`, 1)
	svc := newTestService(t, newMockStore(), &recordingDispatcher{})
	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.NewDeclaration}, Input{Body: []byte(body)}, caller(authz.ScopeDeclare))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Record.Task.CurrentStatus(); got != record.StatusInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", got)
	}
}

func TestService_DeclareInvalidBundle(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	for _, body := range []string{`{"resourceType":"Bundle","entry":[]}`, `not json`} {
		_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.NewDeclaration}, Input{Body: []byte(body)}, caller(authz.ScopeDeclare))
		var input *InputError
		if !errors.As(err, &input) {
			t.Errorf("%s: expected InputError, got %v", body, err)
		}
	}
	if store.creates != 0 {
		t.Error("invalid bundles must not be stored")
	}
}

func TestService_MarkRegisteredAssignsNumber(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusDeclared)

	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkRegistered, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := res.Record.Task
	if task.CurrentStatus() != record.StatusRegistered || task.RegistrationNumber() != "2026B0000001" {
		t.Errorf("unexpected task status=%s number=%s", task.CurrentStatus(), task.RegistrationNumber())
	}
	if ext, ok := task.LastExtension(record.ExtRegistrationStrategy); !ok || ext.ValueCode != regnum.CodeSequential {
		t.Error("expected the strategy to be recorded on the task")
	}
	if store.saves != 1 || d.count() != 1 {
		t.Errorf("expected one save and one dispatch, got %d and %d", store.saves, d.count())
	}
	if got := store.get(rec.ID()).Task.RegistrationNumber(); got != "2026B0000001" {
		t.Errorf("stored number %q", got)
	}
}

func TestService_CertifyDeclaredIsIllegal(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusDeclared)

	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkCertified, RecordID: rec.ID()}, Input{}, caller(authz.ScopeCertify))
	var illegal *status.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if store.saves != 0 || d.count() != 0 {
		t.Errorf("expected no writes and no fan-out, got %d and %d", store.saves, d.count())
	}
}

func TestService_Unauthorized(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusDeclared)

	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkRegistered, RecordID: rec.ID()}, Input{}, caller(authz.ScopeDeclare))
	if !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if store.loads != 0 || store.saves != 0 || d.count() != 0 {
		t.Error("an unauthorized request must not touch the store")
	}
}

func TestService_DefaultStrategyFails(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d, WithStrategy(regnum.CodeDefault))
	rec := store.put(t, record.StatusValidated)

	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkRegistered, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	var gen *regnum.GenerationError
	if !errors.As(err, &gen) || !errors.Is(err, regnum.ErrNotImplemented) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if store.saves != 0 || d.count() != 0 {
		t.Error("a failed generation must not write")
	}
	if got := store.get(rec.ID()).Task.CurrentStatus(); got != record.StatusValidated {
		t.Errorf("stored status changed to %s", got)
	}
}

func TestService_StoreFailureSkipsFanout(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusDeclared)
	store.saveErr = errors.New("hearth down")

	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkValidated, RecordID: rec.ID()}, Input{}, caller(authz.ScopeValidate))
	var write *StoreWriteError
	if !errors.As(err, &write) {
		t.Fatalf("expected StoreWriteError, got %v", err)
	}
	if d.count() != 0 {
		t.Error("a failed write must not fan out")
	}
}

func TestService_ConflictRetries(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusDeclared)
	store.conflicts = 1

	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkRegistered, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.saves != 2 || store.loads != 2 {
		t.Errorf("expected two cycles, got %d saves and %d loads", store.saves, store.loads)
	}
	// The number generated by the conflicting attempt is burned.
	if got := res.Record.Task.RegistrationNumber(); got != "2026B0000002" {
		t.Errorf("expected the second number, got %q", got)
	}
	if d.count() != 1 {
		t.Errorf("expected one dispatch, got %d", d.count())
	}
}

func TestService_ConflictExhausted(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d, WithRetryAttempts(2))
	rec := store.put(t, record.StatusDeclared)
	store.conflicts = 10

	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkValidated, RecordID: rec.ID()}, Input{}, caller(authz.ScopeValidate))
	var write *StoreWriteError
	if !errors.As(err, &write) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected StoreWriteError wrapping a conflict, got %v", err)
	}
	if store.saves != 2 || d.count() != 0 {
		t.Errorf("expected two saves and no dispatch, got %d and %d", store.saves, d.count())
	}
}

func TestService_NotFound(t *testing.T) {
	svc := newTestService(t, newMockStore(), &recordingDispatcher{})
	_, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkValidated, RecordID: "missing"}, Input{}, caller(authz.ScopeValidate))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ValidateByTask(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusDeclared)

	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkValidated, TaskID: rec.Task.ID}, Input{}, caller(authz.ScopeValidate))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.ID() != rec.ID() || res.Record.Task.CurrentStatus() != record.StatusValidated {
		t.Errorf("unexpected result %s %s", res.Record.ID(), res.Record.Task.CurrentStatus())
	}
}

func TestService_CertifyWritesBundleResources(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusRegistered)
	body := `{"resourceType":"Bundle","type":"document","entry":[
	  {"resource":{"resourceType":"Composition","id":"` + rec.ID() + `","type":{"coding":[{"system":"http://opencrvs.org/doc-types","code":"birth-declaration"}]}}},
	  {"fullUrl":"urn:uuid:doc-1","resource":{"resourceType":"DocumentReference","status":"current"}}]}`

	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkCertified, RecordID: rec.ID()}, Input{Body: []byte(body)}, caller(authz.ScopeCertify))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusCertified {
		t.Errorf("expected CERTIFIED, got %s", res.Record.Task.CurrentStatus())
	}
	if len(store.lastSaved) != 1 || store.lastSaved[0].Resource.Type() != "DocumentReference" {
		t.Errorf("expected the certificate document to be written, got %+v", store.lastSaved)
	}
}

func TestService_RejectAndReinstate(t *testing.T) {
	store := newMockStore()
	d := &recordingDispatcher{}
	svc := newTestService(t, store, d)
	rec := store.put(t, record.StatusValidated)
	ctx := context.Background()

	if _, err := svc.Handle(ctx, classify.Event{Kind: classify.Reject, RecordID: rec.ID()}, Input{}, caller(authz.ScopeValidate)); err == nil {
		t.Fatal("expected a missing reason to be refused")
	}
	res, err := svc.Handle(ctx, classify.Event{Kind: classify.Reject, RecordID: rec.ID()}, Input{Reason: "duplicate", Comment: "seen before"}, caller(authz.ScopeValidate))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", res.Record.Task.CurrentStatus())
	}
	if f := d.notices[0].Facts; f.Reason != "duplicate" || f.Comment != "seen before" {
		t.Errorf("unexpected facts %+v", f)
	}

	res, err = svc.Handle(ctx, classify.Event{Kind: classify.Reinstate, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusValidated {
		t.Errorf("expected VALIDATED to be restored, got %s", res.Record.Task.CurrentStatus())
	}
	if from, ok := res.Record.Task.LastExtension(record.ExtReinstatedFrom); !ok || from.ValueString != "REJECTED" {
		t.Error("expected reinstated-from to be recorded")
	}
}

func TestService_ArchiveAndIssue(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	ctx := context.Background()

	declared := store.put(t, record.StatusDeclared)
	res, err := svc.Handle(ctx, classify.Event{Kind: classify.Archive, RecordID: declared.ID()}, Input{}, caller(authz.ScopeDeclare))
	if err != nil || res.Record.Task.CurrentStatus() != record.StatusArchived {
		t.Fatalf("archive: %v", err)
	}

	certified := store.put(t, record.StatusCertified)
	res, err = svc.Handle(ctx, classify.Event{Kind: classify.MarkIssued, RecordID: certified.ID()}, Input{}, caller(authz.ScopeCertify))
	if err != nil || res.Record.Task.CurrentStatus() != record.StatusIssued {
		t.Fatalf("issue: %v", err)
	}
}

func TestService_Void(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusValidated)
	ctx := context.Background()
	ev := classify.Event{Kind: classify.MarkVoided, TaskID: rec.Task.ID}

	_, err := svc.Handle(ctx, ev, Input{Body: []byte(`{"resourceType":"Task","id":"` + rec.Task.ID + `"}`)}, caller(authz.ScopeValidate))
	var input *InputError
	if !errors.As(err, &input) {
		t.Fatalf("expected InputError for a missing reason, got %v", err)
	}

	body := `{"resourceType":"Task","id":"` + rec.Task.ID + `",
	  "reasonCode":{"text":"duplicate"},"note":[{"text":"entered twice"}]}`
	res, err := svc.Handle(ctx, ev, Input{Body: []byte(body)}, caller(authz.ScopeValidate))
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRejected {
		t.Errorf("expected REJECTED, got %s", res.Record.Task.CurrentStatus())
	}
	if c, ok := res.Record.Task.LastExtension(record.ExtComment); !ok || c.ValueString != "entered twice" {
		t.Error("expected the note to be kept as the comment")
	}
}

func TestService_ConfirmRegistration(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{}, WithExternalValidation(true))
	ctx := context.Background()

	ok := store.put(t, record.StatusWaitingValidation)
	res, err := svc.Handle(ctx, classify.Event{Kind: classify.ConfirmRegistration, RecordID: ok.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRegistered || res.Record.Task.RegistrationNumber() == "" {
		t.Errorf("expected a registered record with a number, got %s", res.Record.Task.CurrentStatus())
	}

	failed := store.put(t, record.StatusWaitingValidation)
	res, err = svc.Handle(ctx, classify.Event{Kind: classify.ConfirmRegistration, RecordID: failed.ID()}, Input{ValidationError: "national id mismatch"}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("confirm with error: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRejected || res.Record.Task.RegistrationNumber() != "" {
		t.Errorf("expected a rejected record without a number, got %s", res.Record.Task.CurrentStatus())
	}
	if e, ok := res.Record.Task.LastExtension(record.ExtExternalValidation); !ok || e.ValueString != "national id mismatch" {
		t.Error("expected the validation error to be recorded")
	}

	declared := store.put(t, record.StatusDeclared)
	_, err = svc.Handle(ctx, classify.Event{Kind: classify.ConfirmRegistration, RecordID: declared.ID()}, Input{ValidationError: "late"}, caller(authz.ScopeRegister))
	var illegal *status.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Errorf("expected IllegalTransitionError, got %v", err)
	}
}

func TestService_MarkRegisteredWithExternalValidation(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{}, WithExternalValidation(true))
	rec := store.put(t, record.StatusValidated)

	res, err := svc.Handle(context.Background(), classify.Event{Kind: classify.MarkRegistered, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusWaitingValidation || res.Record.Task.RegistrationNumber() != "" {
		t.Errorf("expected WAITING_VALIDATION without a number, got %s", res.Record.Task.CurrentStatus())
	}
}

func correction(id, given string) record.Resource {
	r, _ := record.ParseResource([]byte(`{"resourceType":"Patient","id":"` + id + `","name":[{"given":["` + given + `"],"family":"Roy"}]}`))
	return r
}

func TestService_CorrectionRequestAndApprove(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusRegistered)
	child := "child-" + rec.ID()
	ctx := context.Background()
	fix := []record.Resource{correction(child, "Anna")}

	res, err := svc.Handle(ctx, classify.Event{Kind: classify.RequestCorrection, RecordID: rec.ID()},
		Input{Reason: "misspelt name", Corrections: fix}, caller(authz.ScopeCertify))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusCorrectionRequested {
		t.Fatalf("expected CORRECTION_REQUESTED, got %s", res.Record.Task.CurrentStatus())
	}
	if f, ok := res.Record.Task.LastExtension(record.ExtCorrectionFields); !ok || f.ValueString != "Patient/"+child+".name" {
		t.Errorf("unexpected correction fields %+v", f)
	}
	if strings.Contains(string(store.get(rec.ID()).Others[0].Resource["name"]), "Anna") {
		t.Fatal("a correction request must not change the record")
	}

	res, err = svc.Handle(ctx, classify.Event{Kind: classify.ApproveCorrection, RecordID: rec.ID()},
		Input{Corrections: fix}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRegistered {
		t.Errorf("expected REGISTERED, got %s", res.Record.Task.CurrentStatus())
	}
	if !strings.Contains(string(store.get(rec.ID()).Others[0].Resource["name"]), "Anna") {
		t.Error("expected the approved correction to be stored")
	}
	if len(res.Record.Task.Extensions(record.ExtPriorBusinessStatus)) != 0 {
		t.Error("expected the prior status to be popped")
	}
}

func TestService_CorrectionRejected(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusCertified)
	ctx := context.Background()

	if _, err := svc.Handle(ctx, classify.Event{Kind: classify.RequestCorrection, RecordID: rec.ID()},
		Input{Reason: "wrong date"}, caller(authz.ScopeRegister)); err != nil {
		t.Fatalf("request: %v", err)
	}
	res, err := svc.Handle(ctx, classify.Event{Kind: classify.RejectCorrection, RecordID: rec.ID()},
		Input{Reason: "evidence missing"}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusCertified {
		t.Errorf("expected CERTIFIED to be restored, got %s", res.Record.Task.CurrentStatus())
	}
}

func TestService_MakeCorrection(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusRegistered)
	ctx := context.Background()
	ev := classify.Event{Kind: classify.MakeCorrection, RecordID: rec.ID()}

	tests := []struct {
		name string
		in   Input
	}{
		{"no reason", Input{Corrections: []record.Resource{correction("child-"+rec.ID(), "Anna")}}},
		{"no corrections", Input{Reason: "typo"}},
		{"unknown resource", Input{Reason: "typo", Corrections: []record.Resource{correction("someone-else", "Anna")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Handle(ctx, ev, tt.in, caller(authz.ScopeRegister))
			var input *InputError
			if !errors.As(err, &input) {
				t.Errorf("expected InputError, got %v", err)
			}
		})
	}

	res, err := svc.Handle(ctx, ev, Input{Reason: "typo", Corrections: []record.Resource{correction("child-"+rec.ID(), "Anna")}}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if res.Record.Task.CurrentStatus() != record.StatusRegistered || len(store.lastSaved) != 1 {
		t.Errorf("expected one corrected resource written, got %d", len(store.lastSaved))
	}
}

func TestService_AssignAndUnassign(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusValidated)
	ctx := context.Background()

	res, err := svc.Handle(ctx, classify.Event{Kind: classify.Assign, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	a, ok := res.Record.Task.LastExtension(record.ExtAssigned)
	if !ok || a.ValueReference.Reference != "Practitioner/pr-1" {
		t.Fatalf("expected the caller to be assigned, got %+v", a)
	}
	if res.Record.Task.CurrentStatus() != record.StatusValidated {
		t.Error("assignment must not change the status")
	}

	res, err = svc.Handle(ctx, classify.Event{Kind: classify.Unassign, RecordID: rec.ID()}, Input{}, caller(authz.ScopeRegister))
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if _, ok := res.Record.Task.LastExtension(record.ExtAssigned); ok {
		t.Error("expected the assignment to be cleared")
	}
}

func TestService_Facts(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &recordingDispatcher{})
	rec := store.put(t, record.StatusDeclared)

	f, err := svc.Facts(context.Background(), rec.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.CompositionID != rec.ID() || f.Status != "DECLARED" || f.EventType != "BIRTH" || f.TrackingID == "" {
		t.Errorf("unexpected facts %+v", f)
	}
	if _, err := svc.Facts(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTrackingID(t *testing.T) {
	a := TrackingID(record.EventDeath, []byte("payload"))
	if a != TrackingID(record.EventDeath, []byte("payload")) {
		t.Error("tracking id must be deterministic")
	}
	if !strings.HasPrefix(a, "D") || len(a) != 8 || strings.ToUpper(a) != a {
		t.Errorf("unexpected tracking id %q", a)
	}
	if a == TrackingID(record.EventDeath, []byte("other")) {
		t.Error("different payloads should not collide")
	}
}

type countingIndexer struct {
	mu    sync.Mutex
	calls int
}

func (i *countingIndexer) Index(context.Context, string, int64, any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return nil
}

type countingListeners struct {
	mu    sync.Mutex
	types []string
}

func (l *countingListeners) Deliver(_ context.Context, ev webhook.Event) ([]webhook.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil, nil
}

func TestService_DeclareFansOutOnce(t *testing.T) {
	idx := &countingIndexer{}
	lst := &countingListeners{}
	coord := fanout.NewCoordinator(fanout.WithIndexer(idx), fanout.WithListeners(lst))
	svc := newTestService(t, newMockStore(), coord)

	declare(t, svc, authz.ScopeDeclare)
	declare(t, svc, authz.ScopeDeclare)
	coord.Wait()

	if idx.calls != 1 {
		t.Errorf("expected one search index call, got %d", idx.calls)
	}
	if len(lst.types) != 1 || lst.types[0] != "BIRTH.NEW_DECLARATION" {
		t.Errorf("expected one integration delivery, got %v", lst.types)
	}
}
