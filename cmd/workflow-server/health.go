package main

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type check func(ctx context.Context) error

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// healthHandler runs every check concurrently and reports 503 when any of
// them fails.
func healthHandler(checks map[string]check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]checkResult, len(names))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, name := range names {
			wg.Add(1)
			go func(name string, fn check) {
				defer wg.Done()
				res := checkResult{Status: "up"}
				if err := fn(ctx); err != nil {
					res = checkResult{Status: "down", Error: err.Error()}
				}
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}(name, checks[name])
		}
		wg.Wait()

		status, code := "ok", http.StatusOK
		for _, r := range results {
			if r.Status != "up" {
				status, code = "degraded", http.StatusServiceUnavailable
				break
			}
		}
		return c.JSON(code, map[string]any{"status": status, "checks": results})
	}
}
