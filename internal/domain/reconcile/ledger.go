// Package reconcile tracks records whose search document could not be
// written and re-indexes them from the FHIR store.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crvs/workflow/internal/platform/db"
)

// ErrNotFound means there is no pending entry, or that the entry was
// re-recorded after the caller read it.
var ErrNotFound = errors.New("reconcile: no pending entry")

// Failure is one stale search document.
type Failure struct {
	CompositionID string
	Event         string
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ledger holds at most one pending entry per record. Recording a record
// that is already pending adds to its attempt count. Resolve only clears an
// entry that has not been updated since seen, its UpdatedAt from Pending.
type Ledger interface {
	Record(ctx context.Context, compositionID, event string, attempts int, cause string) error
	Pending(ctx context.Context, limit int) ([]Failure, error)
	Resolve(ctx context.Context, compositionID string, seen time.Time) error
	Bump(ctx context.Context, compositionID, cause string) error
}

// -- Postgres --

type PGLedger struct {
	pool db.Querier
}

func NewPGLedger(pool db.Querier) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, l.pool)
}

func (l *PGLedger) Record(ctx context.Context, compositionID, event string, attempts int, cause string) error {
	_, err := l.conn(ctx).Exec(ctx, `
		INSERT INTO search_sync_failures (composition_id, event, attempts, last_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (composition_id) DO UPDATE SET
			event = EXCLUDED.event,
			attempts = CASE WHEN search_sync_failures.resolved_at IS NULL
				THEN search_sync_failures.attempts + EXCLUDED.attempts
				ELSE EXCLUDED.attempts END,
			last_error = EXCLUDED.last_error,
			updated_at = NOW(),
			resolved_at = NULL`,
		compositionID, event, attempts, cause)
	return err
}

func (l *PGLedger) Pending(ctx context.Context, limit int) ([]Failure, error) {
	rows, err := l.conn(ctx).Query(ctx, `
		SELECT composition_id, event, attempts, last_error, created_at, updated_at
		FROM search_sync_failures
		WHERE resolved_at IS NULL
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Failure, error) {
		var f Failure
		err := row.Scan(&f.CompositionID, &f.Event, &f.Attempts, &f.LastError, &f.CreatedAt, &f.UpdatedAt)
		return f, err
	})
}

func (l *PGLedger) Resolve(ctx context.Context, compositionID string, seen time.Time) error {
	tag, err := l.conn(ctx).Exec(ctx, `
		UPDATE search_sync_failures SET resolved_at = NOW(), updated_at = NOW()
		WHERE composition_id = $1 AND resolved_at IS NULL AND updated_at <= $2`, compositionID, seen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PGLedger) Bump(ctx context.Context, compositionID, cause string) error {
	tag, err := l.conn(ctx).Exec(ctx, `
		UPDATE search_sync_failures
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE composition_id = $1 AND resolved_at IS NULL`, compositionID, cause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Memory --

// MemoryLedger is used when no database is configured. Entries do not
// survive a restart.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Failure
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*Failure), now: time.Now}
}

func (l *MemoryLedger) Record(_ context.Context, compositionID, event string, attempts int, cause string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	f, ok := l.entries[compositionID]
	if !ok {
		f = &Failure{CompositionID: compositionID, CreatedAt: now}
		l.entries[compositionID] = f
	}
	f.Event = event
	f.Attempts += attempts
	f.LastError = cause
	f.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) Pending(_ context.Context, limit int) ([]Failure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Failure, 0, len(l.entries))
	for _, f := range l.entries {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CompositionID < out[j].CompositionID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Resolve(_ context.Context, compositionID string, seen time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.entries[compositionID]
	if !ok || f.UpdatedAt.After(seen) {
		return ErrNotFound
	}
	delete(l.entries, compositionID)
	return nil
}

func (l *MemoryLedger) Bump(_ context.Context, compositionID, cause string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.entries[compositionID]
	if !ok {
		return ErrNotFound
	}
	f.Attempts++
	f.LastError = cause
	f.UpdatedAt = l.now()
	return nil
}
