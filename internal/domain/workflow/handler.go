package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/crvs/workflow/internal/domain/authz"
	"github.com/crvs/workflow/internal/domain/classify"
	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/domain/regnum"
	"github.com/crvs/workflow/internal/domain/status"
	"github.com/crvs/workflow/internal/platform/auth"
	"github.com/crvs/workflow/internal/platform/fhir"
	"github.com/crvs/workflow/internal/platform/hearth"
)

const fhirContentType = "application/fhir+json"

// ScopeNotificationAPI lets the notification service read transition facts.
const ScopeNotificationAPI = "notification-api"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the FHIR entry point and the lifecycle routes.
// Every /fhir request goes through the classifier.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group, records *echo.Group) {
	fhirGroup.Any("", h.FHIR)
	fhirGroup.Any("/*", h.FHIR)

	records.POST("/:id/:action", h.Action)
	records.POST("/:id/correction/:action", h.Action)

	facts := records.Group("", auth.RequireScope(ScopeNotificationAPI,
		authz.ScopeDeclare, authz.ScopeValidate, authz.ScopeRegister, authz.ScopeCertify))
	facts.GET("/:id/facts", h.Facts)
}

func callerFrom(c echo.Context) Caller {
	ctx := c.Request().Context()
	return Caller{
		UserID:         auth.UserIDFromContext(ctx),
		PractitionerID: auth.PractitionerIDFromContext(ctx),
		Scopes:         auth.ScopesFromContext(ctx),
		Token:          auth.TokenFromContext(ctx),
	}
}

// FHIR classifies the request and either runs the transition or forwards
// it to the store untouched.
func (h *Handler) FHIR(c echo.Context) error {
	req := c.Request()
	body, err := readBody(req)
	if err != nil {
		return err
	}
	caller := callerFrom(c)
	ev := classify.Classify(classify.Request{Method: req.Method, Path: req.URL.Path, Body: body, Scopes: caller.Scopes})

	if ev.Kind == classify.Unknown {
		return h.forward(c, body)
	}
	res, err := h.svc.Handle(req.Context(), ev, Input{Body: body}, caller)
	if err != nil {
		return respondError(c, err)
	}
	b, err := res.Record.ToBundle()
	if err != nil {
		return respondError(c, err)
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
		c.Response().Header().Set(echo.HeaderLocation, "/fhir/Composition/"+res.Record.ID())
	}
	if etag := fhir.FormatETag(res.Record.Task.VersionID()); etag != "" {
		c.Response().Header().Set("ETag", etag)
	}
	return c.JSON(code, b)
}

func (h *Handler) forward(c echo.Context, body []byte) error {
	req := c.Request()
	path := strings.TrimPrefix(req.URL.Path, "/fhir")
	resp, err := h.svc.Forward(req.Context(), hearth.ForwardRequest{
		Method:   req.Method,
		Path:     path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	})
	if err != nil {
		return respondError(c, err)
	}
	for _, k := range []string{"Location", "ETag", "Last-Modified", "Content-Location"} {
		if v := resp.Header.Get(k); v != "" {
			c.Response().Header().Set(k, v)
		}
	}
	ct := resp.Header.Get(echo.HeaderContentType)
	if ct == "" {
		ct = fhirContentType
	}
	return c.Blob(resp.Status, ct, resp.Body)
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read request body")
	}
	return body, nil
}

// ActionRequest is the body of POST /records/:id/{action}.
type ActionRequest struct {
	Reason      string            `json:"reason"`
	Comment     string            `json:"comment"`
	Error       string            `json:"error"`
	Corrections []json.RawMessage `json:"corrections"`
}

func (r ActionRequest) input() (Input, error) {
	in := Input{Reason: r.Reason, Comment: r.Comment, ValidationError: r.Error}
	for i, raw := range r.Corrections {
		res, err := record.ParseResource(raw)
		if err != nil {
			return Input{}, invalid("corrections", "entry %d: %v", i, err)
		}
		in.Corrections = append(in.Corrections, res)
	}
	return in, nil
}

// Action runs an explicit lifecycle route such as /records/:id/register.
func (h *Handler) Action(c echo.Context) error {
	req := c.Request()
	body, err := readBody(req)
	if err != nil {
		return err
	}
	caller := callerFrom(c)
	ev := classify.Classify(classify.Request{Method: req.Method, Path: req.URL.Path, Body: body, Scopes: caller.Scopes})
	if ev.Kind == classify.Unknown {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
			"unknown lifecycle action"))
	}
	if err := h.svc.Authorize(ev, caller); err != nil {
		return respondError(c, err)
	}

	var ar ActionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ar); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", "invalid JSON"))
		}
	}
	in, err := ar.input()
	if err != nil {
		return respondError(c, err)
	}
	res, err := h.svc.Handle(req.Context(), ev, in, caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summarize(res))
}

// ActionResponse summarises a committed transition.
type ActionResponse struct {
	Event              string `json:"event"`
	CompositionID      string `json:"compositionId"`
	TaskID             string `json:"taskId,omitempty"`
	Status             string `json:"status"`
	TrackingID         string `json:"trackingId,omitempty"`
	RegistrationNumber string `json:"registrationNumber,omitempty"`
	Assignee           string `json:"assignee,omitempty"`
}

func summarize(res *Result) ActionResponse {
	out := ActionResponse{
		Event:              string(res.Event),
		CompositionID:      res.Record.ID(),
		TaskID:             res.Record.Task.ID,
		Status:             string(res.Record.Task.CurrentStatus()),
		TrackingID:         res.Record.Task.TrackingID(),
		RegistrationNumber: res.Record.Task.RegistrationNumber(),
	}
	if a, ok := res.Record.Task.LastExtension(record.ExtAssigned); ok && a.ValueReference != nil {
		out.Assignee = a.ValueReference.ID()
	}
	return out
}

// Facts serves the transition facts of a record.
func (h *Handler) Facts(c echo.Context) error {
	facts, err := h.svc.Facts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, facts)
}

// respondError maps an error to an OperationOutcome. Internal detail never
// reaches the caller.
func respondError(c echo.Context, err error) error {
	var (
		input   *InputError
		illegal *status.IllegalTransitionError
		gen     *regnum.GenerationError
		write   *StoreWriteError
		he      *echo.HTTPError
	)
	switch {
	case errors.As(err, &input):
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(input.Field, input.Message))
	case errors.Is(err, authz.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome())
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "record not found"))
	case errors.As(err, &illegal):
		return c.JSON(http.StatusConflict, fhir.BusinessRuleOutcome(illegal.Error()))
	case errors.As(err, &gen):
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome(gen.Error()))
	case errors.As(err, &write):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, fhir.TransientOutcome("store write failed; request is safe to retry"))
	case errors.Is(err, ErrStoreUnavailable):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, fhir.TransientOutcome("record store unavailable"))
	case errors.As(err, &he):
		return he
	}
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
}
