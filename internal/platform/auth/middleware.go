// Package auth verifies bearer tokens issued by the auth service and exposes
// the caller's identity and scopes to handlers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/crvs/workflow/internal/platform/fhir"
)

type contextKey string

const (
	UserIDKey         contextKey = "user_id"
	PractitionerIDKey contextKey = "practitioner_id"
	UserScopesKey     contextKey = "user_scopes"
	TokenKey          contextKey = "bearer_token"
)

// ScopeClaim accepts both a space-separated string and a JSON array.
type ScopeClaim []string

func (s *ScopeClaim) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = strings.Fields(str)
	return nil
}

type Claims struct {
	jwt.RegisteredClaims
	Scope          ScopeClaim `json:"scope"`
	PractitionerID string     `json:"practitionerId,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification for development and tests.
	SigningKey []byte
}

const jwksTTL = 5 * time.Minute

// JWTMiddleware rejects requests without a valid bearer token.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyfunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	methods := []string{"HS256"}
	if len(cfg.SigningKey) == 0 {
		keyfunc = NewJWKSCache(cfg.JWKSURL, jwksTTL).Keyfunc
		methods = []string{"RS256"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearer(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}
			claims := &Claims{}
			token, err := parser.ParseWithClaims(raw, claims, keyfunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			practitioner := claims.PractitionerID
			if practitioner == "" {
				practitioner = claims.Subject
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, practitioner, claims.Scope, raw)))
			return next(c)
		}
	}
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// DevAuthMiddleware lets unauthenticated requests through as a practitioner
// holding the given scopes. Requests that do carry a token keep it.
func DevAuthMiddleware(scopes []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, _ := bearer(c.Request())
			ctx := WithIdentity(c.Request().Context(), "dev-user", "dev-practitioner", scopes, token)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireScope allows the request when the caller holds any of scopes.
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			held := ScopesFromContext(c.Request().Context())
			for _, want := range scopes {
				for _, h := range held {
					if h == want {
						return next(c)
					}
				}
			}
			return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome())
		}
	}
}

// WithIdentity stores the caller on ctx.
func WithIdentity(ctx context.Context, userID, practitionerID string, scopes []string, token string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, PractitionerIDKey, practitionerID)
	ctx = context.WithValue(ctx, UserScopesKey, append([]string(nil), scopes...))
	return context.WithValue(ctx, TokenKey, token)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func PractitionerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(PractitionerIDKey).(string)
	return id
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(UserScopesKey).([]string)
	return scopes
}

// TokenFromContext returns the caller's raw bearer token for forwarding.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(TokenKey).(string)
	return tok
}
