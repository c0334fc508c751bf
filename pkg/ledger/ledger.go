// Package ledger persists the history of reboot attempts and decides whether
// a new reboot fits inside the configured sliding-window budget.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited indicates that the reboot budget for the trailing window is
// exhausted. Callers decide whether this aborts the run or merely skips the
// reboot.
var ErrRateLimited = errors.New("ledger: reboot rate limit exceeded")

// Decision summarises a rate-limit evaluation.
type Decision struct {
	// Allowed reports whether the reboot may proceed. When true the attempt
	// timestamp has already been recorded.
	Allowed bool
	// Disabled is set when rate limiting is off (max retries of zero) and the
	// ledger was never consulted.
	Disabled bool
	// Total is the number of recorded attempts after the evaluation.
	Total int
	// Boundary is the attempt that anchored the window check, when one exists.
	Boundary *time.Time
	// RetryAfter is how long until the boundary entry leaves the window. Only
	// meaningful on deny.
	RetryAfter time.Duration
}

// Ledger evaluates reboot attempts against an append-only persisted history.
type Ledger struct {
	store      Store
	maxRetries int
	window     time.Duration
}

// New constructs a Ledger. A maxRetries of zero disables rate limiting; the
// window must be positive whenever limiting is enabled.
func New(store Store, maxRetries int, window time.Duration) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store must not be nil")
	}
	if maxRetries < 0 {
		return nil, errors.New("max retries must be non-negative")
	}
	if maxRetries > 0 && window <= 0 {
		return nil, errors.New("retry window must be greater than zero")
	}
	return &Ledger{store: store, maxRetries: maxRetries, window: window}, nil
}

// IsRebootPermitted checks the trailing window budget and, when the reboot is
// allowed, records the attempt. The whole read-decide-append sequence runs
// under the store's exclusive lease so concurrent processes cannot interleave.
//
// The budget check anchors on the entry max-retries positions from the end of
// the history: the reboot is allowed when that entry is absent or has aged out
// of the window. On deny the returned error wraps ErrRateLimited.
func (l *Ledger) IsRebootPermitted(ctx context.Context, now time.Time) (Decision, error) {
	if l.maxRetries <= 0 {
		return Decision{Allowed: true, Disabled: true}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lease, err := l.store.Acquire(ctx)
	if err != nil {
		return Decision{}, err
	}
	defer func() {
		_ = lease.Release()
	}()

	entries, err := lease.Entries()
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Total: len(entries)}
	boundaryIdx := len(entries) - l.maxRetries
	if boundaryIdx >= 0 {
		boundary := entries[boundaryIdx]
		decision.Boundary = &boundary
		windowStart := now.Add(-l.window)
		if !boundary.Before(windowStart) {
			inWindow := 0
			for _, entry := range entries {
				if !entry.Before(windowStart) {
					inWindow++
				}
			}
			decision.RetryAfter = boundary.Add(l.window).Sub(now)
			return decision, fmt.Errorf("%w: %d reboots in the trailing %s (budget %d)",
				ErrRateLimited, inWindow, l.window, l.maxRetries)
		}
	}

	if err := lease.Append(now); err != nil {
		return decision, err
	}
	decision.Allowed = true
	decision.Total = len(entries) + 1

	l.compact(lease, entries, now)

	return decision, nil
}

// compact opportunistically rewrites the history down to the newest maxRetries
// entries once it has grown past twice the budget. Entries older than the
// current boundary can never anchor a future window check, so dropping them
// cannot change any decision. Failures are ignored; compaction is purely an
// optimisation against unbounded growth.
func (l *Ledger) compact(lease Lease, before []time.Time, appended time.Time) {
	total := len(before) + 1
	if total <= 2*l.maxRetries {
		return
	}
	keep := make([]time.Time, 0, l.maxRetries)
	keep = append(keep, before[len(before)-(l.maxRetries-1):]...)
	keep = append(keep, appended)
	_ = lease.Rewrite(keep)
}

// History returns the recorded attempt timestamps, oldest first.
func (l *Ledger) History(ctx context.Context) ([]time.Time, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lease, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = lease.Release()
	}()
	return lease.Entries()
}
