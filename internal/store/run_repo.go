// Package store declares interfaces for persisting run audit rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the listing_runs status column.
type RunStatus string

// Run statuses persisted in listing_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run models one row of listing_runs. It holds metadata only; parsed records
// are never persisted.
type Run struct {
	ID         uuid.UUID
	Key        string
	TotalPages int
	StartedAt  time.Time
	// FinishedAt is nil while the run is in flight.
	FinishedAt   *time.Time
	Status       RunStatus
	PagesDone    int
	Records      int
	ErrorMessage *string
}

// RunRepository persists run lifecycle audit rows.
type RunRepository interface {
	// InsertRun records a newly started run.
	InsertRun(ctx context.Context, runID uuid.UUID, key string, totalPages int, startedAt time.Time) error
	// AddProgress applies page and record deltas to a running run.
	AddProgress(ctx context.Context, runID uuid.UUID, deltaPages, deltaRecords int) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
}
