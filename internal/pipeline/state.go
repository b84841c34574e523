// Package pipeline runs listing scrapes page by page and streams their
// progress and results to subscribers.
package pipeline

import "github.com/JakeFAU/listing-stream/internal/scrape"

// RunStatus is the lifecycle state of one run.
type RunStatus string

// Run lifecycle states. A run only moves forward:
// Idle -> Running -> Completed | Failed.
const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunState is the in-memory state owned by one run. It is discarded when the
// run ends and is never persisted.
type RunState struct {
	CurrentPage int
	TotalPages  int
	Accumulated []scrape.Record
	Status      RunStatus
}

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}
