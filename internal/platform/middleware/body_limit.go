package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/crvs/workflow/internal/platform/fhir"
)

// BodyLimit caps request bodies. Requests under /fhir carry whole
// declaration bundles, often with attachments, and get bundleLimit; every
// other route gets defaultLimit. Limits accept K, M and G suffixes.
func BodyLimit(defaultLimit, bundleLimit string) echo.MiddlewareFunc {
	small := ParseSize(defaultLimit)
	large := ParseSize(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			limit := small
			if req.URL.Path == "/fhir" || strings.HasPrefix(req.URL.Path, "/fhir/") {
				limit = large
			}
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
					fmt.Sprintf("request body exceeds %d bytes", limit),
				))
			}
			req.Body = &cappedBody{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

type cappedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

// ParseSize reads sizes such as "512K", "10M" or "1G". Unparseable input
// yields 1 MiB.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
