// Package regnum generates registration numbers (BRN/DRN/MRN). Strategies are
// registered once at startup; an unknown strategy code is an error, never a
// silent fallback.
package regnum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/crvs/workflow/internal/domain/record"
)

var (
	ErrUnknownStrategy = errors.New("unknown registration number strategy")
	ErrNotImplemented  = errors.New("registration number strategy not implemented")
	ErrNoPractitioner  = errors.New("practitioner is required to resolve jurisdiction")
	ErrEmptyNumber     = errors.New("strategy produced an empty registration number")

	// ErrSequenceExhausted means the counter has outgrown the fixed width of
	// the sequence part for its period.
	ErrSequenceExhausted = errors.New("registration number sequence exhausted")
)

// JurisdictionCodeError reports an administrative code that cannot be
// rendered into a fixed-width number.
type JurisdictionCodeError struct {
	Level string
	Code  string
	Width int
}

func (e *JurisdictionCodeError) Error() string {
	return fmt.Sprintf("%s code %q is not a %d-digit number", e.Level, e.Code, e.Width)
}

// GenerationError wraps every failure to produce a number.
type GenerationError struct {
	Code string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("registration number strategy %q: %v", e.Code, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Input is everything a strategy may look at.
type Input struct {
	EventType      record.EventType
	Task           record.Task
	PractitionerID string
	At             time.Time
	// Locations must be scoped to the current request.
	Locations LocationResolver
}

// Strategy produces one registration number per call. Implementations own
// uniqueness.
type Strategy interface {
	Code() string
	Generate(ctx context.Context, in Input) (string, error)
}

// Registry is the closed set of strategies available to the process.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry fails on duplicate codes.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if _, dup := r.strategies[s.Code()]; dup {
			return nil, fmt.Errorf("duplicate registration number strategy %q", s.Code())
		}
		r.strategies[s.Code()] = s
	}
	return r, nil
}

// Has reports whether code is registered.
func (r *Registry) Has(code string) bool {
	_, ok := r.strategies[code]
	return ok
}

// Codes lists the registered strategy codes in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.strategies))
	for c := range r.strategies {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Generate runs the strategy registered under code.
func (r *Registry) Generate(ctx context.Context, code string, in Input) (string, error) {
	s, ok := r.strategies[code]
	if !ok {
		return "", &GenerationError{Code: code, Err: ErrUnknownStrategy}
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}
	n, err := s.Generate(ctx, in)
	if err != nil {
		return "", &GenerationError{Code: code, Err: err}
	}
	if n == "" {
		return "", &GenerationError{Code: code, Err: ErrEmptyNumber}
	}
	return n, nil
}
