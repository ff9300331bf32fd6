package classify

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/fhir"
)

// ScopeRegister decides between NEW_DECLARATION and NEW_REGISTRATION.
const ScopeRegister = "register"

type payloadKind int

const (
	payloadNone payloadKind = iota
	payloadBundle
	payloadTask
)

// payload is the typed result of the single parse step. Classification
// rules match on it and never look at raw JSON again.
type payload struct {
	kind        payloadKind
	firstType   string
	composition *record.Composition
	task        *record.Task
	// bundleTask is the first Task anywhere in a bundle.
	bundleTask     *record.Task
	anyComposition bool
}

func parse(body []byte) payload {
	switch fhir.PeekResourceType(body) {
	case "Bundle":
		return parseBundle(body)
	case "Task":
		t, err := record.ParseTask(body)
		if err != nil {
			return payload{}
		}
		return payload{kind: payloadTask, firstType: "Task", task: &t}
	}
	return payload{}
}

func parseBundle(body []byte) payload {
	b, err := fhir.ParseBundle(body)
	if err != nil || len(b.Entry) == 0 {
		return payload{}
	}
	p := payload{kind: payloadBundle}
	for i, entry := range b.Entry {
		typ := fhir.PeekResourceType(entry.Resource)
		if i == 0 {
			p.firstType = typ
		}
		switch typ {
		case "Composition":
			p.anyComposition = true
			if i == 0 {
				var c record.Composition
				if json.Unmarshal(entry.Resource, &c) == nil {
					p.composition = &c
				}
			}
		case "Task":
			if p.bundleTask != nil {
				continue
			}
			if t, err := record.ParseTask(entry.Resource); err == nil {
				p.bundleTask = &t
				if i == 0 {
					p.task = &t
				}
			}
		}
	}
	return p
}

// Classify resolves req to one Event.
func Classify(req Request) Event {
	ev := Event{Kind: Unknown, CallerScopes: append([]string(nil), req.Scopes...)}
	segs := segments(req.Path)

	if len(segs) >= 3 && segs[0] == "records" && req.Method == http.MethodPost {
		return classifyRoute(ev, segs[1], segs[2:])
	}
	if len(segs) == 0 || segs[0] != "fhir" {
		return ev
	}

	p := parse(req.Body)
	ev.ResourceKind = p.firstType

	switch {
	case req.Method == http.MethodPost && len(segs) == 1 && p.kind == payloadBundle:
		return classifyBundle(ev, p, req.Scopes)
	case req.Method == http.MethodPut && len(segs) == 3 && segs[1] == "Task" && p.kind == payloadTask:
		ev.Kind = MarkVoided
		ev.TaskID = segs[2]
		ev.HasExistingID = true
		ev.RecordID = p.task.Focus.ID()
		if et, ok := p.task.EventType(); ok {
			ev.EventType = et
		}
		return ev
	}
	return ev
}

func classifyBundle(ev Event, p payload, scopes []string) Event {
	if p.composition != nil {
		et, ok := p.composition.EventType()
		if !ok {
			return ev
		}
		ev.EventType = et
		if p.composition.ID != "" {
			ev.HasExistingID = true
			ev.RecordID = p.composition.ID
			if p.bundleTask != nil && p.bundleTask.RegistrationNumber() != "" {
				ev.Kind = MarkCertified
			} else {
				ev.Kind = MarkRegistered
			}
			return ev
		}
		if HasScope(scopes, ScopeRegister) {
			ev.Kind = NewRegistration
		} else {
			ev.Kind = NewDeclaration
		}
		return ev
	}

	if p.task != nil && p.task.ID != "" && !p.anyComposition {
		et, ok := p.task.EventType()
		if !ok {
			return ev
		}
		ev.Kind = MarkRegistered
		ev.EventType = et
		ev.HasExistingID = true
		ev.TaskID = p.task.ID
		ev.RecordID = p.task.Focus.ID()
	}
	return ev
}

var routes = map[string]Kind{
	"validate":           MarkValidated,
	"register":           MarkRegistered,
	"confirm":            ConfirmRegistration,
	"certify":            MarkCertified,
	"issue":              MarkIssued,
	"reject":             Reject,
	"archive":            Archive,
	"reinstate":          Reinstate,
	"download":           Assign,
	"download-record":    Assign,
	"unassign":           Unassign,
	"unassign-record":    Unassign,
	"correction":         MakeCorrection,
	"correction/request": RequestCorrection,
	"correction/approve": ApproveCorrection,
	"correction/reject":  RejectCorrection,
}

func classifyRoute(ev Event, id string, action []string) Event {
	kind, ok := routes[strings.Join(action, "/")]
	if !ok || id == "" {
		return ev
	}
	ev.Kind = kind
	ev.RecordID = id
	ev.HasExistingID = true
	return ev
}

func segments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
