package regnum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/crvs/workflow/internal/domain/record"
)

var at = time.Date(2026, 5, 14, 9, 0, 0, 0, time.UTC)

type mockResolver struct {
	mu    sync.Mutex
	calls int
	j     Jurisdiction
	err   error
}

func (m *mockResolver) Jurisdiction(context.Context, string) (Jurisdiction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.j, m.err
}

func newTestRegistry(t *testing.T, c Counter) *Registry {
	t.Helper()
	r, err := NewRegistry(Default(), NewSequential(c), NewJurisdiction(c))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestRegistry_UnknownCodeFailsClosed(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	_, err := r.Generate(context.Background(), "bangladesh-v2", Input{EventType: record.EventBirth})
	var ge *GenerationError
	if !errors.As(err, &ge) || !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected GenerationError wrapping ErrUnknownStrategy, got %v", err)
	}
	if ge.Code != "bangladesh-v2" {
		t.Errorf("unexpected code %q", ge.Code)
	}
}

func TestRegistry_DefaultIsNotImplemented(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	if !r.Has(CodeDefault) {
		t.Fatal("default must be registered")
	}
	_, err := r.Generate(context.Background(), CodeDefault, Input{EventType: record.EventBirth})
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

func TestRegistry_DuplicateCode(t *testing.T) {
	if _, err := NewRegistry(Default(), Default()); err == nil {
		t.Error("expected duplicate code error")
	}
}

func TestSequential_Format(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	ctx := context.Background()
	first, err := r.Generate(ctx, CodeSequential, Input{EventType: record.EventBirth, At: at})
	if err != nil {
		t.Fatal(err)
	}
	second, _ := r.Generate(ctx, CodeSequential, Input{EventType: record.EventBirth, At: at})
	death, _ := r.Generate(ctx, CodeSequential, Input{EventType: record.EventDeath, At: at})
	if first != "2026B0000001" || second != "2026B0000002" || death != "2026D0000001" {
		t.Errorf("unexpected numbers %s %s %s", first, second, death)
	}
}

func TestSequential_ConcurrentUnique(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	const n = 200
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := r.Generate(context.Background(), CodeSequential, Input{EventType: record.EventBirth, At: at})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[num] {
				t.Errorf("duplicate number %s", num)
			}
			seen[num] = true
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d numbers, got %d", n, len(seen))
	}
}

func TestJurisdiction_Format(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	loc := &mockResolver{j: Jurisdiction{District: "26", Upazila: "44"}}
	num, err := r.Generate(context.Background(), CodeJurisdiction, Input{
		EventType: record.EventDeath, PractitionerID: "pr-1", At: at, Locations: loc,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^20262644\d{6}$`).MatchString(num) {
		t.Errorf("unexpected number %s", num)
	}
}

func TestJurisdiction_Errors(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	ctx := context.Background()
	if _, err := r.Generate(ctx, CodeJurisdiction, Input{EventType: record.EventBirth, Locations: &mockResolver{}}); !errors.Is(err, ErrNoPractitioner) {
		t.Errorf("expected ErrNoPractitioner, got %v", err)
	}
	loc := &mockResolver{j: Jurisdiction{District: "26"}}
	if _, err := r.Generate(ctx, CodeJurisdiction, Input{EventType: record.EventBirth, PractitionerID: "pr-1", Locations: loc}); err == nil {
		t.Error("expected error for incomplete jurisdiction")
	}
	loc = &mockResolver{err: fmt.Errorf("hearth down")}
	var ge *GenerationError
	if _, err := r.Generate(ctx, CodeJurisdiction, Input{EventType: record.EventBirth, PractitionerID: "pr-1", Locations: loc}); !errors.As(err, &ge) {
		t.Errorf("expected GenerationError, got %v", err)
	}
}

func TestJurisdiction_DistinctJurisdictionsNeverCollide(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	ctx := context.Background()
	seen := map[string]Jurisdiction{}
	for _, j := range []Jurisdiction{
		{District: "01", Upazila: "23"},
		{District: "12", Upazila: "03"},
		{District: "11", Upazila: "22"},
		{District: "26", Upazila: "44"},
	} {
		num, err := r.Generate(ctx, CodeJurisdiction, Input{
			EventType: record.EventBirth, PractitionerID: "pr-1", At: at, Locations: &mockResolver{j: j},
		})
		if err != nil {
			t.Fatalf("%+v: %v", j, err)
		}
		if prev, dup := seen[num]; dup {
			t.Errorf("number %s issued to %+v and %+v", num, prev, j)
		}
		seen[num] = j
	}
}

func TestJurisdiction_RejectsVariableWidthCodes(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	tests := []struct {
		name  string
		j     Jurisdiction
		level string
	}{
		{"short district", Jurisdiction{District: "1", Upazila: "23"}, "district"},
		{"long upazila", Jurisdiction{District: "12", Upazila: "003"}, "upazila"},
		{"location id", Jurisdiction{District: "district-1", Upazila: "44"}, "district"},
		{"non numeric", Jurisdiction{District: "26", Upazila: "4a"}, "upazila"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Generate(context.Background(), CodeJurisdiction, Input{
				EventType: record.EventBirth, PractitionerID: "pr-1", At: at, Locations: &mockResolver{j: tt.j},
			})
			var ce *JurisdictionCodeError
			if !errors.As(err, &ce) {
				t.Fatalf("expected JurisdictionCodeError, got %v", err)
			}
			if ce.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, ce.Level)
			}
		})
	}
}

func TestJurisdiction_ConcurrentUniqueAcrossJurisdictions(t *testing.T) {
	r := newTestRegistry(t, NewMemoryCounter())
	jurisdictions := []Jurisdiction{
		{District: "01", Upazila: "23"},
		{District: "12", Upazila: "03"},
		{District: "26", Upazila: "44"},
	}
	const perJurisdiction = 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for _, j := range jurisdictions {
		loc := &mockResolver{j: j}
		for i := 0; i < perJurisdiction; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				num, err := r.Generate(context.Background(), CodeJurisdiction, Input{
					EventType: record.EventBirth, PractitionerID: "pr-1", At: at, Locations: loc,
				})
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if seen[num] {
					t.Errorf("duplicate number %s", num)
				}
				seen[num] = true
			}()
		}
	}
	wg.Wait()
	if want := len(jurisdictions) * perJurisdiction; len(seen) != want {
		t.Errorf("expected %d numbers, got %d", want, len(seen))
	}
}

type fixedCounter struct {
	n    int64
	keys []string
}

func (c *fixedCounter) Next(_ context.Context, key string) (int64, error) {
	c.keys = append(c.keys, key)
	return c.n, nil
}

func TestJurisdiction_CounterKeyIsRenderedPrefix(t *testing.T) {
	c := &fixedCounter{n: 5}
	num, err := NewJurisdiction(c).Generate(context.Background(), Input{
		EventType: record.EventBirth, PractitionerID: "pr-1", At: at,
		Locations: &mockResolver{j: Jurisdiction{District: "26", Upazila: "44"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if num != "20262644000005" {
		t.Errorf("unexpected number %s", num)
	}
	if len(c.keys) != 1 || c.keys[0] != "jurisdiction:20262644" {
		t.Errorf("unexpected counter keys %v", c.keys)
	}
}

func TestSequenceOverflowFails(t *testing.T) {
	ctx := context.Background()
	loc := &mockResolver{j: Jurisdiction{District: "26", Upazila: "44"}}
	_, err := NewJurisdiction(&fixedCounter{n: 1000000}).Generate(ctx, Input{
		EventType: record.EventBirth, PractitionerID: "pr-1", At: at, Locations: loc,
	})
	if !errors.Is(err, ErrSequenceExhausted) {
		t.Errorf("jurisdiction: expected ErrSequenceExhausted, got %v", err)
	}
	if _, err := NewJurisdiction(&fixedCounter{n: 999999}).Generate(ctx, Input{
		EventType: record.EventBirth, PractitionerID: "pr-1", At: at, Locations: loc,
	}); err != nil {
		t.Errorf("jurisdiction: last value must fit, got %v", err)
	}
	_, err = NewSequential(&fixedCounter{n: 10000000}).Generate(ctx, Input{EventType: record.EventBirth, At: at})
	if !errors.Is(err, ErrSequenceExhausted) {
		t.Errorf("sequential: expected ErrSequenceExhausted, got %v", err)
	}
}

func TestCachedResolver(t *testing.T) {
	next := &mockResolver{j: Jurisdiction{District: "1", Upazila: "2"}}
	c := NewCachedResolver(next)
	for i := 0; i < 3; i++ {
		if _, err := c.Jurisdiction(context.Background(), "pr-1"); err != nil {
			t.Fatal(err)
		}
	}
	if next.calls != 1 {
		t.Errorf("expected 1 lookup, got %d", next.calls)
	}

	failing := NewCachedResolver(&mockResolver{err: errors.New("boom")})
	if _, err := failing.Jurisdiction(context.Background(), "pr-1"); err == nil {
		t.Error("expected error")
	}
}

type mockIncr struct {
	mu   sync.Mutex
	keys map[string]int64
}

func (m *mockIncr) Incr(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key]++
	return redis.NewIntResult(m.keys[key], nil)
}

func TestRedisCounter(t *testing.T) {
	m := &mockIncr{keys: map[string]int64{}}
	c := NewRedisCounter(m)
	n, err := c.Next(context.Background(), "sequential:2026:B")
	if err != nil || n != 1 {
		t.Fatalf("expected 1, got %d (%v)", n, err)
	}
	if _, ok := m.keys["regnum:sequential:2026:B"]; !ok {
		t.Errorf("expected prefixed key, got %v", m.keys)
	}
}

type mockRow struct {
	n   int64
	err error
}

func (r mockRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.n
	return nil
}

type mockQuerier struct {
	row  mockRow
	args []interface{}
}

func (m *mockQuerier) QueryRow(_ context.Context, _ string, args ...interface{}) pgx.Row {
	m.args = args
	return m.row
}

func TestPGCounter(t *testing.T) {
	q := &mockQuerier{row: mockRow{n: 7}}
	n, err := NewPGCounter(q).Next(context.Background(), "k")
	if err != nil || n != 7 {
		t.Fatalf("expected 7, got %d (%v)", n, err)
	}
	if len(q.args) != 1 || q.args[0] != "k" {
		t.Errorf("unexpected args %v", q.args)
	}
	q = &mockQuerier{row: mockRow{err: errors.New("conn refused")}}
	if _, err := NewPGCounter(q).Next(context.Background(), "k"); err == nil {
		t.Error("expected error")
	}
}
