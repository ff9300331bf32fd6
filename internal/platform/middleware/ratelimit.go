package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/crvs/workflow/internal/platform/auth"
	"github.com/crvs/workflow/internal/platform/fhir"
)

// RateLimitConfig is a per-caller token bucket. A zero rate disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	rate       float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{tokens: float64(burst), max: float64(burst), rate: rate, lastRefill: now}
}

// take refills the bucket and consumes one token. On refusal it returns the
// number of seconds until a token is available.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := int(math.Ceil((1 - b.tokens) / b.rate))
	if wait < 1 {
		wait = 1
	}
	return false, wait
}

type limiter struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.BurstSize, l.now())
		l.buckets[key] = b
	}
	return b
}

// RateLimit throttles each authenticated user separately and anonymous
// traffic per client IP. It must run after the auth middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	l := &limiter{cfg: cfg, now: now, buckets: make(map[string]*tokenBucket)}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if cfg.RequestsPerSecond <= 0 {
			return next
		}
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			ok, wait := l.bucket(key).take(l.now())
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(wait))
				return c.JSON(http.StatusTooManyRequests, fhir.ThrottleOutcome())
			}
			return next(c)
		}
	}
}
