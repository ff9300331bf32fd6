package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/hearth"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrVersionConflict  = errors.New("record was modified concurrently")
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// StoreWriteError reports a write the store did not commit. Writes are
// conditional, so a caller may always retry the request.
type StoreWriteError struct {
	Err error
}

func (e *StoreWriteError) Error() string { return fmt.Sprintf("store write failed: %v", e.Err) }
func (e *StoreWriteError) Unwrap() error { return e.Err }

// InputError is a malformed request.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return e.Field + ": " + e.Message }

func invalid(field, format string, args ...any) error {
	return &InputError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RecordStore is the durability boundary. Save and Create are conditional:
// Save fails with ErrVersionConflict when the Task changed since Load, and
// Create never duplicates a record that carries the same tracking id.
type RecordStore interface {
	Load(ctx context.Context, compositionID string) (*record.Record, error)
	LoadByTask(ctx context.Context, taskID string) (*record.Record, error)
	// Create returns the stored record and false when a record with the same
	// tracking id already existed.
	Create(ctx context.Context, rec *record.Record) (*record.Record, bool, error)
	// Save writes the Task and every entry in writes. Entries without an id
	// are created.
	Save(ctx context.Context, rec *record.Record, writes []record.Entry) error
	Forward(ctx context.Context, req hearth.ForwardRequest) (*hearth.ForwardResponse, error)
}
