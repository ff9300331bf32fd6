package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseBundle(t *testing.T) {
	raw := []byte(`{"resourceType":"Bundle","type":"document","entry":[
		{"fullUrl":"urn:uuid:1","resource":{"resourceType":"Composition","id":"c-1","custom":{"a":1}}}
	]}`)
	b, err := ParseBundle(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Type != BundleTypeDocument || len(b.Entry) != 1 {
		t.Fatalf("unexpected bundle %+v", b)
	}
	if got := PeekResourceType(b.Entry[0].Resource); got != "Composition" {
		t.Errorf("expected Composition, got %q", got)
	}
	if string(b.Entry[0].Resource) != `{"resourceType":"Composition","id":"c-1","custom":{"a":1}}` {
		t.Errorf("resource bytes must be kept as sent, got %s", b.Entry[0].Resource)
	}
}

func TestParseBundle_Errors(t *testing.T) {
	for _, raw := range []string{`{"resourceType":"Patient"}`, `not json`, `[]`} {
		if _, err := ParseBundle([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
	if PeekResourceType([]byte(`nope`)) != "" {
		t.Error("expected empty type for invalid JSON")
	}
}

func TestBundleRequest_OmitsEmptyPreconditions(t *testing.T) {
	raw, err := json.Marshal(BundleRequest{Method: "PUT", URL: "Task/t-1", IfMatch: FormatETag("")})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"method":"PUT","url":"Task/t-1"}` {
		t.Errorf("unexpected request %s", raw)
	}
}

func TestCodeableConcept_CodeFor(t *testing.T) {
	cc := &CodeableConcept{Coding: []Coding{
		{System: "http://opencrvs.org/doc-types", Code: "birth-declaration"},
		{System: "http://opencrvs.org/specs/types", Code: "BIRTH"},
	}}
	if got := cc.CodeFor("http://opencrvs.org/specs/types"); got != "BIRTH" {
		t.Errorf("expected BIRTH, got %q", got)
	}
	if got := cc.CodeFor("other"); got != "" {
		t.Errorf("expected empty code, got %q", got)
	}
	var nilCC *CodeableConcept
	if nilCC.CodeFor("x") != "" {
		t.Error("nil concept must yield empty code")
	}
}

func TestReference_ID(t *testing.T) {
	tests := map[string]string{
		"Location/123":           "123",
		"urn:uuid:5d2b7e10":      "5d2b7e10",
		"http://h/fhir/Task/t-9": "t-9",
		"":                       "",
	}
	for in, want := range tests {
		r := &Reference{Reference: in}
		if got := r.ID(); got != want {
			t.Errorf("Reference{%q}.ID() = %q, want %q", in, got, want)
		}
	}
	if FormatReference("Composition", "c-1") != "Composition/c-1" {
		t.Error("unexpected reference format")
	}
}

func TestETag(t *testing.T) {
	tests := []struct {
		in   string
		want int
		err  bool
	}{
		{`W/"3"`, 3, false},
		{`"12"`, 12, false},
		{` 7 `, 7, false},
		{`W/"abc"`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseETag(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseETag(%q) = %d, %v", tt.in, got, err)
		}
	}
	if FormatETag("4") != `W/"4"` {
		t.Errorf("unexpected etag %s", FormatETag("4"))
	}
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *OperationOutcome
		severity string
		code     string
		diag     string
	}{
		{"forbidden", ForbiddenOutcome(), IssueSeverityError, IssueTypeSecurity, "unauthorized"},
		{"validation", ValidationOutcome("reason", "is required"), IssueSeverityError, IssueTypeInvalid, "reason: is required"},
		{"not found", NotFoundOutcome("Composition", "c-1"), IssueSeverityError, IssueTypeNotFound, "Composition/c-1 not found"},
		{"business rule", BusinessRuleOutcome("cannot CERTIFY a DECLARED record"), IssueSeverityError, IssueTypeBusinessRule, "cannot CERTIFY a DECLARED record"},
		{"transient", TransientOutcome("retry"), IssueSeverityError, IssueTypeTransient, "retry"},
		{"internal", InternalErrorOutcome("internal error"), IssueSeverityFatal, IssueTypeException, "internal error"},
		{"throttle", ThrottleOutcome(), IssueSeverityError, IssueTypeThrottled, "rate limit exceeded, retry after a delay"},
		{"timeout", TimeoutOutcome("request exceeded 1s"), IssueSeverityError, IssueTypeTimeout, "request exceeded 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.outcome.ResourceType != "OperationOutcome" || len(tt.outcome.Issue) != 1 {
				t.Fatalf("unexpected outcome %+v", tt.outcome)
			}
			issue := tt.outcome.Issue[0]
			if issue.Severity != tt.severity || issue.Code != tt.code || issue.Diagnostics != tt.diag {
				t.Errorf("unexpected issue %+v", issue)
			}
			if !tt.outcome.HasErrors() {
				t.Error("expected HasErrors")
			}
		})
	}

	if v := ValidationOutcome("reason", "x"); len(v.Issue[0].Expression) != 1 || v.Issue[0].Expression[0] != "reason" {
		t.Errorf("expected expression, got %+v", v.Issue[0])
	}
	info := NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, "ok")
	if info.HasErrors() {
		t.Error("information outcome must not report errors")
	}
}

func TestExtension_KeepsUnmodelledValues(t *testing.T) {
	raw := `{"url":"http://x/e","valueDecimal":1.50,"extension":[{"url":"inner","valueString":"a"}]}`
	var e Extension
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	if e.URL != "http://x/e" {
		t.Errorf("unexpected url %q", e.URL)
	}
	out, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"url":"http://x/e","extension":[{"url":"inner","valueString":"a"}],"valueDecimal":1.50}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}

	c := e.Clone()
	c.URL = "http://x/other"
	if e.URL != "http://x/e" {
		t.Error("clone aliases the original")
	}
	if out, _ := json.Marshal(c); !strings.Contains(string(out), `"valueDecimal":1.50`) {
		t.Errorf("clone lost the stored value: %s", out)
	}
}

func TestMeta_KeepsTags(t *testing.T) {
	var m Meta
	if err := json.Unmarshal([]byte(`{"versionId":"3","tag":[{"code":"x"}]}`), &m); err != nil {
		t.Fatal(err)
	}
	m.VersionID = "4"
	out, _ := json.Marshal(m)
	if string(out) != `{"versionId":"4","tag":[{"code":"x"}]}` {
		t.Errorf("unexpected meta %s", out)
	}
}

func TestFields_Merge(t *testing.T) {
	f := Fields{"b": json.RawMessage(`2`), "a": json.RawMessage(`"x"`), "url": json.RawMessage(`"stored"`)}
	out, err := f.Merge([]byte(`{"url":"typed"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"url":"typed","a":"x","b":2}` {
		t.Errorf("unexpected merge %s", out)
	}
	out, err = f.Merge([]byte(`{}`))
	if err != nil || string(out) != `{"a":"x","b":2,"url":"stored"}` {
		t.Errorf("unexpected merge into an empty object %s (%v)", out, err)
	}
	if _, err := f.Merge([]byte(`[]`)); err == nil {
		t.Error("expected error for a non-object")
	}
	if out, _ := Fields(nil).Merge([]byte(`{"url":"u"}`)); string(out) != `{"url":"u"}` {
		t.Errorf("nil fields must not change the encoding, got %s", out)
	}
}
