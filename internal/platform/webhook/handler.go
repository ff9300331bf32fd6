package webhook

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler exposes listener administration.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes binds the admin routes. Callers guard g with a scope check.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/ping", h.Ping)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.POST("/deliveries/:id/retry", h.Retry)
}

func pagination(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func notFoundOr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "listener not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "listener store unavailable")
}

type registerRequest struct {
	URL          string   `json:"url"`
	Secret       string   `json:"secret"`
	Events       []string `json:"events"`
	ForwardToken bool     `json:"forward_token"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.Register(c.Request().Context(), req.URL, req.Secret, req.Events, req.ForwardToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	limit, offset := pagination(c)
	eps, total, err := h.manager.Store().ListEndpoints(c.Request().Context(), limit, offset)
	if err != nil {
		return notFoundOr(err)
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":     eps,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": offset+limit < total,
	})
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.manager.Store().GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

type updateRequest struct {
	URL          string   `json:"url"`
	Events       []string `json:"events"`
	Status       string   `json:"status"`
	ForwardToken *bool    `json:"forward_token"`
}

func (h *Handler) Update(c echo.Context) error {
	ctx := c.Request().Context()
	ep, err := h.manager.Store().GetEndpoint(ctx, c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ep.URL = req.URL
	}
	if len(req.Events) > 0 {
		ep.Events = req.Events
	}
	switch req.Status {
	case "":
	case StatusActive, StatusPaused:
		ep.Status = req.Status
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be active or paused")
	}
	if req.ForwardToken != nil {
		ep.ForwardToken = *req.ForwardToken
	}
	if err := h.manager.Store().UpdateEndpoint(ctx, ep); err != nil {
		return notFoundOr(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.Store().DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return notFoundOr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Ping(c echo.Context) error {
	d, err := h.manager.Ping(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	limit, offset := pagination(c)
	logs, total, err := h.manager.Deliveries(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":     logs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": offset+limit < total,
	})
}

func (h *Handler) Retry(c echo.Context) error {
	d, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Pause(c echo.Context) error {
	if err := h.manager.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusPaused})
}

func (h *Handler) Resume(c echo.Context) error {
	if err := h.manager.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusActive})
}
