package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crvs/workflow/internal/domain/authz"
	"github.com/crvs/workflow/internal/domain/classify"
	"github.com/crvs/workflow/internal/domain/fanout"
	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/domain/regnum"
	"github.com/crvs/workflow/internal/domain/status"
	"github.com/crvs/workflow/internal/platform/fhir"
	"github.com/crvs/workflow/internal/platform/hearth"
	"github.com/crvs/workflow/internal/platform/metrics"
)

// Dispatcher receives every committed transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, n fanout.Notice)
}

// Caller is the authenticated requester.
type Caller struct {
	UserID         string
	PractitionerID string
	Scopes         []string
	// Token is forwarded to integration listeners.
	Token string
}

// Input is the request content that accompanies a classified event.
type Input struct {
	// Body is the raw FHIR payload of /fhir requests.
	Body    []byte
	Reason  string
	Comment string
	// ValidationError reports a failed external validation on confirm.
	ValidationError string
	Corrections     []record.Resource
}

// Result is a committed transition.
type Result struct {
	Event  classify.Kind
	Record *record.Record
	// Created is false when a submission matched an existing record.
	Created bool
}

type Option func(*Service)

// WithStrategy selects the registration number strategy by code.
func WithStrategy(code string) Option { return func(s *Service) { s.strategy = code } }

// WithRetryAttempts bounds the read-compute-write cycle on version conflicts.
func WithRetryAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithExternalValidation routes registrations through WAITING_VALIDATION.
func WithExternalValidation(on bool) Option { return func(s *Service) { s.externalValidation = on } }

func WithLocations(r regnum.LocationResolver) Option { return func(s *Service) { s.locations = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// Service runs one transition per lifecycle event: read the record, compute
// the new Task, write it conditionally, then hand it to the dispatcher.
type Service struct {
	store      RecordStore
	numbers    *regnum.Registry
	dispatcher Dispatcher
	locations  regnum.LocationResolver

	strategy           string
	attempts           int
	externalValidation bool
	now                func() time.Time
	logger             zerolog.Logger
	metrics            *metrics.Metrics
}

func NewService(store RecordStore, numbers *regnum.Registry, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		numbers:    numbers,
		dispatcher: dispatcher,
		strategy:   regnum.CodeDefault,
		attempts:   3,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle authorizes ev and runs the matching transition. UNKNOWN events are
// not handled here; they go through Forward.
func (s *Service) Handle(ctx context.Context, ev classify.Event, in Input, caller Caller) (*Result, error) {
	res, err := s.handle(ctx, ev, in, caller)
	s.metrics.ObserveTransition(string(ev.Kind), outcome(err))
	if err != nil {
		s.logger.Debug().Err(err).Str("event", string(ev.Kind)).Str("composition_id", ev.RecordID).Msg("transition refused")
	}
	return res, err
}

// Authorize checks the caller's scopes for ev. Handlers call it before
// decoding the request body so that an unauthorized caller always gets the
// same refusal.
func (s *Service) Authorize(ev classify.Event, caller Caller) error {
	err := authz.Authorize(ev.Kind, caller.Scopes)
	if err != nil {
		s.metrics.ObserveTransition(string(ev.Kind), outcome(err))
	}
	return err
}

func (s *Service) handle(ctx context.Context, ev classify.Event, in Input, caller Caller) (*Result, error) {
	if err := authz.Authorize(ev.Kind, caller.Scopes); err != nil {
		return nil, err
	}
	switch ev.Kind {
	case classify.NewDeclaration:
		return s.Declare(ctx, in.Body, caller)
	case classify.NewRegistration:
		return s.RegisterNew(ctx, in.Body, caller)
	case classify.MarkValidated:
		return s.Validate(ctx, ev, in, caller)
	case classify.MarkRegistered:
		return s.MarkRegistered(ctx, ev, in, caller)
	case classify.ConfirmRegistration:
		return s.Confirm(ctx, ev.RecordID, in, caller)
	case classify.MarkCertified:
		return s.Certify(ctx, ev, in, caller)
	case classify.MarkIssued:
		return s.Issue(ctx, ev.RecordID, in, caller)
	case classify.MarkVoided:
		return s.Void(ctx, ev.TaskID, in.Body, caller)
	case classify.Reject:
		return s.Reject(ctx, ev.RecordID, in, caller)
	case classify.Archive:
		return s.Archive(ctx, ev.RecordID, in, caller)
	case classify.Reinstate:
		return s.Reinstate(ctx, ev.RecordID, in, caller)
	case classify.RequestCorrection:
		return s.RequestCorrection(ctx, ev.RecordID, in, caller)
	case classify.ApproveCorrection:
		return s.ApproveCorrection(ctx, ev.RecordID, in, caller)
	case classify.RejectCorrection:
		return s.RejectCorrection(ctx, ev.RecordID, in, caller)
	case classify.MakeCorrection:
		return s.MakeCorrection(ctx, ev.RecordID, in, caller)
	case classify.Assign:
		return s.Assign(ctx, ev.RecordID, caller)
	case classify.Unassign:
		return s.Unassign(ctx, ev.RecordID, caller)
	}
	return nil, invalid("event", "%s is not a lifecycle event", ev.Kind)
}

func outcome(err error) string {
	var (
		illegal *status.IllegalTransitionError
		gen     *regnum.GenerationError
		input   *InputError
		write   *StoreWriteError
	)
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, authz.ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &illegal):
		return "illegal"
	case errors.As(err, &gen):
		return "generation_error"
	case errors.As(err, &input):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &write), errors.Is(err, ErrStoreUnavailable):
		return "store_error"
	}
	return "error"
}

// TrackingID derives the tracking id of a new submission from its payload,
// so a retried submission maps to the same record.
func TrackingID(et record.EventType, body []byte) string {
	sum := sha256.Sum256(body)
	return et.Letter() + strings.ToUpper(hex.EncodeToString(sum[:])[:7])
}

// -- submissions --

// Declare stores a new declaration. A Task submitted as IN_PROGRESS stays
// incomplete; a caller holding validate also validates it.
func (s *Service) Declare(ctx context.Context, body []byte, caller Caller) (*Result, error) {
	return s.submit(ctx, classify.NewDeclaration, body, caller)
}

// RegisterNew stores and registers a new record in one step.
func (s *Service) RegisterNew(ctx context.Context, body []byte, caller Caller) (*Result, error) {
	return s.submit(ctx, classify.NewRegistration, body, caller)
}

func (s *Service) submit(ctx context.Context, kind classify.Kind, body []byte, caller Caller) (*Result, error) {
	b, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, invalid("Bundle", "%v", err)
	}
	rec, err := record.FromBundle(b)
	if err != nil {
		return nil, invalid("Bundle.entry", "%v", err)
	}
	et, err := rec.EventType()
	if err != nil {
		return nil, invalid("Composition.type", "%v", err)
	}
	if rec.Composition.FullURL == "" {
		rec.Composition.FullURL = "urn:uuid:" + uuid.NewString()
	}

	submitted := rec.Task
	task := record.NewTask(et, rec.Composition.FullURL)
	if !submitted.IsZero() {
		task = submitted.Clone()
		task.ID = ""
		task.Meta = nil
		task.BusinessStatus = nil
		task.Focus = &fhir.Reference{Reference: rec.Composition.FullURL}
	}
	tracking := TrackingID(et, body)
	rec.Task = task.WithIdentifier(record.TrackingIDSystem(et), tracking)
	if err := rec.Composition.Resource.AddIdentifier(record.TrackingIDSystem(et), tracking); err != nil {
		return nil, invalid("Composition.identifier", "%v", err)
	}

	var kinds []status.Kind
	switch {
	case submitted.CurrentStatus() == record.StatusInProgress:
		kinds = []status.Kind{status.KindStart}
	case kind == classify.NewRegistration && s.externalValidation:
		kinds = []status.Kind{status.KindDeclare, status.KindRequestValidation}
	case kind == classify.NewRegistration:
		kinds = []status.Kind{status.KindDeclare, status.KindRegister}
	case classify.HasScope(caller.Scopes, authz.ScopeValidate):
		kinds = []status.Kind{status.KindDeclare, status.KindValidate}
	default:
		kinds = []status.Kind{status.KindDeclare}
	}
	locs := s.requestLocations()
	for _, k := range kinds {
		if err := s.apply(ctx, rec, k, Input{}, caller, locs); err != nil {
			return nil, err
		}
	}

	stored, created, err := s.store.Create(ctx, rec)
	if err != nil {
		return nil, asWriteError(err)
	}
	if created {
		s.commit(ctx, kind, stored, caller)
	} else {
		s.logger.Info().Str("composition_id", stored.ID()).Str("tracking_id", tracking).
			Msg("submission matched an existing record")
	}
	return &Result{Event: kind, Record: stored, Created: created}, nil
}

// -- transitions on stored records --

func (s *Service) byID(id string) func(context.Context) (*record.Record, error) {
	return func(ctx context.Context) (*record.Record, error) {
		if id == "" {
			return nil, invalid("id", "record id is required")
		}
		return s.store.Load(ctx, id)
	}
}

func (s *Service) byEvent(ev classify.Event) func(context.Context) (*record.Record, error) {
	if ev.RecordID == "" && ev.TaskID != "" {
		return func(ctx context.Context) (*record.Record, error) { return s.store.LoadByTask(ctx, ev.TaskID) }
	}
	return s.byID(ev.RecordID)
}

// Validate marks a declaration as validated.
func (s *Service) Validate(ctx context.Context, ev classify.Event, in Input, caller Caller) (*Result, error) {
	return s.transit(ctx, classify.MarkValidated, status.KindValidate, s.byEvent(ev), in, caller)
}

// MarkRegistered registers a stored record, or sends it for external
// validation when that is enabled.
func (s *Service) MarkRegistered(ctx context.Context, ev classify.Event, in Input, caller Caller) (*Result, error) {
	kind := status.KindRegister
	if s.externalValidation {
		kind = status.KindRequestValidation
	}
	return s.transit(ctx, classify.MarkRegistered, kind, s.byEvent(ev), in, caller)
}

// Confirm completes an external validation. A reported validation error
// rejects the record instead.
func (s *Service) Confirm(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	if in.ValidationError == "" {
		return s.transit(ctx, classify.ConfirmRegistration, status.KindConfirm, s.byID(id), in, caller)
	}
	in.Reason = "failed external validation"
	locs := s.requestLocations()
	return s.update(ctx, classify.ConfirmRegistration, caller, s.byID(id), func(rec *record.Record) ([]record.Entry, error) {
		if err := status.Check(rec.Task.CurrentStatus(), status.KindConfirm); err != nil {
			return nil, err
		}
		if err := s.apply(ctx, rec, status.KindReject, in, caller, locs); err != nil {
			return nil, err
		}
		rec.Task = rec.Task.WithExtension(fhir.Extension{URL: record.ExtExternalValidation, ValueString: in.ValidationError})
		return nil, nil
	})
}

// Certify records a printed certificate. Resources submitted alongside,
// such as the certificate document, are written in the same transaction.
func (s *Service) Certify(ctx context.Context, ev classify.Event, in Input, caller Caller) (*Result, error) {
	return s.transit(ctx, classify.MarkCertified, status.KindCertify, s.byEvent(ev), in, caller)
}

func (s *Service) Issue(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	return s.transit(ctx, classify.MarkIssued, status.KindIssue, s.byID(id), in, caller)
}

// Void rejects the record of a Task submitted as a plain update. Reason and
// comment are read from the submitted Task.
func (s *Service) Void(ctx context.Context, taskID string, body []byte, caller Caller) (*Result, error) {
	t, err := record.ParseTask(body)
	if err != nil {
		return nil, invalid("Task", "%v", err)
	}
	in := Input{Reason: t.ReasonText(), Comment: t.LatestNote()}
	if in.Reason == "" {
		return nil, invalid("Task.reasonCode", "a reason is required")
	}
	load := func(ctx context.Context) (*record.Record, error) { return s.store.LoadByTask(ctx, taskID) }
	return s.transit(ctx, classify.MarkVoided, status.KindReject, load, in, caller)
}

func (s *Service) Reject(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	if in.Reason == "" {
		return nil, invalid("reason", "a reason is required")
	}
	return s.transit(ctx, classify.Reject, status.KindReject, s.byID(id), in, caller)
}

func (s *Service) Archive(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	return s.transit(ctx, classify.Archive, status.KindArchive, s.byID(id), in, caller)
}

// Reinstate restores the status recorded when the record was archived or
// rejected.
func (s *Service) Reinstate(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	return s.transit(ctx, classify.Reinstate, status.KindReinstate, s.byID(id), in, caller)
}

// RequestCorrection records which fields the requester wants corrected.
// Nothing is merged until the correction is approved.
func (s *Service) RequestCorrection(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	if in.Reason == "" {
		return nil, invalid("reason", "a reason is required")
	}
	locs := s.requestLocations()
	return s.update(ctx, classify.RequestCorrection, caller, s.byID(id), func(rec *record.Record) ([]record.Entry, error) {
		var paths []string
		if len(in.Corrections) > 0 {
			var err error
			if _, paths, err = mergeCorrections(rec.Clone(), in.Corrections); err != nil {
				return nil, err
			}
		}
		if err := s.apply(ctx, rec, status.KindRequestCorrection, in, caller, locs); err != nil {
			return nil, err
		}
		withCorrectionFields(rec, paths)
		return nil, nil
	})
}

// ApproveCorrection merges the approved values and returns the record to
// REGISTERED.
func (s *Service) ApproveCorrection(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	return s.correct(ctx, classify.ApproveCorrection, status.KindApproveCorrection, id, in, caller)
}

// RejectCorrection restores the status held before the request.
func (s *Service) RejectCorrection(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	if in.Reason == "" {
		return nil, invalid("reason", "a reason is required")
	}
	return s.transit(ctx, classify.RejectCorrection, status.KindRejectCorrection, s.byID(id), in, caller)
}

// MakeCorrection merges corrected values directly, without a request.
func (s *Service) MakeCorrection(ctx context.Context, id string, in Input, caller Caller) (*Result, error) {
	if in.Reason == "" {
		return nil, invalid("reason", "a reason is required")
	}
	return s.correct(ctx, classify.MakeCorrection, status.KindMakeCorrection, id, in, caller)
}

func (s *Service) correct(ctx context.Context, event classify.Kind, kind status.Kind, id string, in Input, caller Caller) (*Result, error) {
	if len(in.Corrections) == 0 {
		return nil, invalid("corrections", "at least one corrected resource is required")
	}
	locs := s.requestLocations()
	return s.update(ctx, event, caller, s.byID(id), func(rec *record.Record) ([]record.Entry, error) {
		if err := status.Check(rec.Task.CurrentStatus(), kind); err != nil {
			return nil, err
		}
		writes, paths, err := mergeCorrections(rec, in.Corrections)
		if err != nil {
			return nil, err
		}
		if err := s.apply(ctx, rec, kind, in, caller, locs); err != nil {
			return nil, err
		}
		withCorrectionFields(rec, paths)
		return writes, nil
	})
}

// Assign marks the caller as the practitioner working on the record. The
// business status is untouched.
func (s *Service) Assign(ctx context.Context, id string, caller Caller) (*Result, error) {
	if caller.PractitionerID == "" {
		return nil, invalid("practitioner", "the caller has no practitioner id")
	}
	return s.update(ctx, classify.Assign, caller, s.byID(id), func(rec *record.Record) ([]record.Entry, error) {
		rec.Task = rec.Task.WithoutExtensions(record.ExtAssigned).WithExtension(fhir.Extension{
			URL:            record.ExtAssigned,
			ValueReference: &fhir.Reference{Reference: fhir.FormatReference("Practitioner", caller.PractitionerID)},
		}).WithLastModified(s.now().UTC().Format(time.RFC3339))
		return nil, nil
	})
}

func (s *Service) Unassign(ctx context.Context, id string, caller Caller) (*Result, error) {
	return s.update(ctx, classify.Unassign, caller, s.byID(id), func(rec *record.Record) ([]record.Entry, error) {
		rec.Task = rec.Task.WithoutExtensions(record.ExtAssigned).WithLastModified(s.now().UTC().Format(time.RFC3339))
		return nil, nil
	})
}

// transit applies one status transition. Resources carried in a submitted
// bundle are written alongside the Task.
func (s *Service) transit(ctx context.Context, event classify.Kind, kind status.Kind, load func(context.Context) (*record.Record, error), in Input, caller Caller) (*Result, error) {
	locs := s.requestLocations()
	return s.update(ctx, event, caller, load, func(rec *record.Record) ([]record.Entry, error) {
		if err := status.Check(rec.Task.CurrentStatus(), kind); err != nil {
			return nil, err
		}
		writes, err := bundleWrites(rec, in.Body)
		if err != nil {
			return nil, err
		}
		if err := s.apply(ctx, rec, kind, in, caller, locs); err != nil {
			return nil, err
		}
		return writes, nil
	})
}

// update runs load, compute and a conditional Save, repeating the cycle on
// a version conflict. compute works on a private copy of the record.
func (s *Service) update(ctx context.Context, event classify.Kind, caller Caller, load func(context.Context) (*record.Record, error), compute func(*record.Record) ([]record.Entry, error)) (*Result, error) {
	var conflict error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		cur, err := load(ctx)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		writes, err := compute(next)
		if err != nil {
			return nil, err
		}
		err = s.store.Save(ctx, next, writes)
		if err == nil {
			s.commit(ctx, event, next, caller)
			return &Result{Event: event, Record: next}, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, asWriteError(err)
		}
		conflict = err
		s.metrics.IncStoreConflict()
		s.logger.Debug().Str("event", string(event)).Str("composition_id", cur.ID()).Int("attempt", attempt).
			Msg("version conflict, retrying")
	}
	return nil, &StoreWriteError{Err: conflict}
}

func asWriteError(err error) error {
	var (
		input *InputError
		write *StoreWriteError
	)
	if errors.As(err, &input) || errors.As(err, &write) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreWriteError{Err: err}
}

// apply runs the state machine on rec.Task and assigns a registration
// number when the transition requires one. A number already present is
// never replaced.
func (s *Service) apply(ctx context.Context, rec *record.Record, kind status.Kind, in Input, caller Caller, locs regnum.LocationResolver) error {
	at := s.now()
	next, err := status.Apply(rec.Task, status.Request{
		Kind:    kind,
		Reason:  in.Reason,
		Comment: in.Comment,
		Actor:   caller.PractitionerID,
		At:      at,
	})
	if err != nil {
		return err
	}
	if status.AssignsRegistrationNumber(kind) && next.RegistrationNumber() == "" {
		et, err := rec.EventType()
		if err != nil {
			return invalid("Composition.type", "%v", err)
		}
		n, err := s.numbers.Generate(ctx, s.strategy, regnum.Input{
			EventType:      et,
			Task:           next,
			PractitionerID: caller.PractitionerID,
			At:             at,
			Locations:      locs,
		})
		if err != nil {
			s.metrics.ObserveNumber(s.strategy, "error")
			return err
		}
		s.metrics.ObserveNumber(s.strategy, "generated")
		next = next.WithIdentifier(record.RegistrationNumberSystem(et), n).
			WithoutExtensions(record.ExtRegistrationStrategy).
			WithExtension(fhir.Extension{URL: record.ExtRegistrationStrategy, ValueCode: s.strategy})
	}
	rec.Task = next
	return nil
}

// requestLocations returns a resolver whose cache lives for one request.
func (s *Service) requestLocations() regnum.LocationResolver {
	if s.locations == nil {
		return nil
	}
	return regnum.NewCachedResolver(s.locations)
}

func (s *Service) commit(ctx context.Context, event classify.Kind, rec *record.Record, caller Caller) {
	facts := record.FactsOf(rec, string(event), caller.PractitionerID, s.now())
	s.logger.Info().
		Str("event", string(event)).
		Str("composition_id", rec.ID()).
		Str("status", facts.Status).
		Str("registration_number", facts.RegistrationNumber).
		Msg("transition committed")
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, fanout.Notice{Event: string(event), Record: rec.Clone(), Facts: facts, Token: caller.Token})
}

// Facts describes the current state of a record for notification
// collaborators.
func (s *Service) Facts(ctx context.Context, id string) (record.Facts, error) {
	rec, err := s.byID(id)(ctx)
	if err != nil {
		return record.Facts{}, err
	}
	at, err := time.Parse(time.RFC3339, rec.Task.LastModified)
	if err != nil {
		at = s.now()
	}
	return record.FactsOf(rec, string(rec.Task.CurrentStatus()), "", at), nil
}

// Forward relays an unclassified request to the store unchanged.
func (s *Service) Forward(ctx context.Context, req hearth.ForwardRequest) (*hearth.ForwardResponse, error) {
	s.metrics.ObserveTransition(string(classify.Unknown), "forwarded")
	return s.store.Forward(ctx, req)
}
