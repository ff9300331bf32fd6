package regnum

import (
	"context"
	"fmt"
)

// Widths of the fixed-size parts of a rendered number.
const (
	sequentialDigits   = 7
	jurisdictionDigits = 6
	districtDigits     = 2
	upazilaDigits      = 2
)

const (
	CodeDefault      = "default"
	CodeSequential   = "sequential"
	CodeJurisdiction = "jurisdiction"
)

type defaultStrategy struct{}

// Default is the placeholder strategy. It is registered so that selecting it
// is not an unknown-code error, but it always fails: deployments must pick a
// real strategy.
func Default() Strategy { return defaultStrategy{} }

func (defaultStrategy) Code() string { return CodeDefault }

func (defaultStrategy) Generate(context.Context, Input) (string, error) {
	return "", ErrNotImplemented
}

// Sequential numbers records per event type and year:
// {year}{B|D|M}{seq:07}, e.g. 2026B0000042.
type Sequential struct {
	counter Counter
}

func NewSequential(counter Counter) *Sequential {
	return &Sequential{counter: counter}
}

func (s *Sequential) Code() string { return CodeSequential }

func (s *Sequential) Generate(ctx context.Context, in Input) (string, error) {
	year := in.At.UTC().Year()
	letter := in.EventType.Letter()
	seq, err := s.counter.Next(ctx, fmt.Sprintf("%s:%d:%s", CodeSequential, year, letter))
	if err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	if err := checkSequence(seq, sequentialDigits); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d%s%07d", year, letter, seq), nil
}

// JurisdictionStrategy numbers records per district and upazila of the registering
// practitioner's office: {year}{district:2}{upazila:2}{seq:06}. Both codes must
// be exactly two digits so that distinct jurisdictions never render the same
// prefix, and the counter is keyed by that prefix.
type JurisdictionStrategy struct {
	counter Counter
}

func NewJurisdiction(counter Counter) *JurisdictionStrategy {
	return &JurisdictionStrategy{counter: counter}
}

func (s *JurisdictionStrategy) Code() string { return CodeJurisdiction }

func (s *JurisdictionStrategy) Generate(ctx context.Context, in Input) (string, error) {
	if in.PractitionerID == "" {
		return "", ErrNoPractitioner
	}
	if in.Locations == nil {
		return "", fmt.Errorf("no location resolver")
	}
	j, err := in.Locations.Jurisdiction(ctx, in.PractitionerID)
	if err != nil {
		return "", fmt.Errorf("resolve jurisdiction: %w", err)
	}
	if j.District == "" || j.Upazila == "" {
		return "", fmt.Errorf("practitioner %s has an incomplete jurisdiction", in.PractitionerID)
	}
	if err := checkCode("district", j.District, districtDigits); err != nil {
		return "", err
	}
	if err := checkCode("upazila", j.Upazila, upazilaDigits); err != nil {
		return "", err
	}
	prefix := fmt.Sprintf("%04d%s%s", in.At.UTC().Year(), j.District, j.Upazila)
	seq, err := s.counter.Next(ctx, CodeJurisdiction+":"+prefix)
	if err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	if err := checkSequence(seq, jurisdictionDigits); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", prefix, jurisdictionDigits, seq), nil
}

func checkCode(level, code string, width int) error {
	if len(code) != width {
		return &JurisdictionCodeError{Level: level, Code: code, Width: width}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return &JurisdictionCodeError{Level: level, Code: code, Width: width}
		}
	}
	return nil
}

func checkSequence(seq int64, width int) error {
	limit := int64(1)
	for i := 0; i < width; i++ {
		limit *= 10
	}
	if seq < 1 || seq >= limit {
		return fmt.Errorf("%w: value %d does not fit %d digits", ErrSequenceExhausted, seq, width)
	}
	return nil
}
