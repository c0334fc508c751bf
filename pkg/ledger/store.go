package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store grants exclusive access to the persisted attempt history.
type Store interface {
	// Acquire blocks until the exclusive lease is held or ctx is done.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held store lock exposing the history operations. Release must be
// called exactly once; it must be safe to call even after operation errors.
type Lease interface {
	// Entries returns all recorded timestamps, oldest first. A missing
	// backing file reads as an empty history.
	Entries() ([]time.Time, error)
	// Append records a new attempt at the end of the history.
	Append(t time.Time) error
	// Rewrite atomically replaces the history with the provided entries.
	Rewrite(entries []time.Time) error
	// Release drops the exclusive lease.
	Release() error
}

// StorageError wraps ledger I/O failures so callers can tell them apart from
// rate-limit denials. A failing ledger is never treated as an empty one.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a ledger storage failure.
func IsStorageError(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr)
}
