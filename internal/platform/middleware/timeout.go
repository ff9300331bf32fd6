package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crvs/workflow/internal/platform/fhir"
)

// Timeout puts a deadline on the request context. The handler keeps running
// on the caller's goroutine, so a transition is never abandoned halfway; the
// store and downstream clients observe the deadline. When the handler fails
// after the deadline passed and nothing was written yet, the response is a
// 504 OperationOutcome.
func Timeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if d <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.TimeoutOutcome("request exceeded "+d.String()))
			}
			return err
		}
	}
}
