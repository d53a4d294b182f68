// Package reconcile drives pending items through provider calls and status transitions.
//
// One Engine exists per job. A run takes the job's lease lock, fetches batches of items in
// the job's source statuses, calls the provider for each item and persists the outcome.
// Per-item failures never escape a run; they become status transitions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/store"
)

var (
	// ErrRunInProgress is returned when another run of the same job holds the lock.
	ErrRunInProgress = errors.New("reconcile: run already in progress")
	// ErrDeferred marks an item whose dependency is not ready yet. It is left untouched.
	ErrDeferred = errors.New("reconcile: dependency not ready")
)

// Defer builds an ErrDeferred with a reason for the logs.
func Defer(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeferred, fmt.Sprintf(format, args...))
}

// Repository is the storage a job reads items from and writes outcomes to.
type Repository interface {
	FetchBatch(ctx context.Context, f store.Filter) ([]models.PendingItem, error)
	// Persist writes item only while the row is still in fromStatusID.
	Persist(ctx context.Context, item models.PendingItem, fromStatusID string) error
	RequeueAll(ctx context.Context, fromStatusID, toStatusID string, maxRetry, limit int, now time.Time) (int64, error)
}

// StatusResolver maps status names to rows of the job's status table.
type StatusResolver interface {
	GetByName(ctx context.Context, name string) (models.StatusLookup, error)
}

// CallFunc performs the provider call for one item and returns the external identifier.
type CallFunc[P any] func(ctx context.Context, item models.PendingItem, payload P) (string, error)

// LookupFunc asks the provider whether an earlier attempt already took effect.
type LookupFunc[P any] func(ctx context.Context, item models.PendingItem, payload P) (string, bool, error)

// Job binds the generic algorithm to one table and provider. P is the payload type; it is
// decoded from the item's JSON payload and validated with struct tags before any call.
type Job[P any] struct {
	Name       string
	Repository Repository
	Statuses   StatusResolver

	// Sources are the status names a run picks up, the first one is the requeue target.
	Sources []string
	Success string
	// Failure defaults to Error.
	Failure string

	// Call is nil for date-driven jobs; every due item then transitions to Success.
	Call CallFunc[P]
	// Lookup runs before Call on items that already failed once.
	Lookup LookupFunc[P]
	// Due returns the cutoff for the table's due column, nil for none.
	Due func(now time.Time) time.Time

	BatchSize    int
	Concurrency  int
	RetryErrored bool
}

// Runner is the type-erased view the scheduler and the ops API use.
type Runner interface {
	Name() string
	Run(ctx context.Context) (models.RunReport, error)
}
