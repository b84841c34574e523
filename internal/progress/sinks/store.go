package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/progress"
	"github.com/JakeFAU/listing-stream/internal/store"
)

// StoreSink persists run audit rows via a store.RunRepository. Page events
// are collapsed per run so each batch costs at most one progress update per
// run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type progressDelta struct {
	pages   int
	records int
}

// Consume applies the batch in order: starts are inserted, page deltas are
// flushed before any completion of the same run, and completions close the row.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*progressDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.InsertRun(ctx, runID, evt.Key, evt.TotalPages, evt.TS); err != nil {
				return fmt.Errorf("insert run: %w", err)
			}
		case progress.StagePageDone:
			d := deltas[runID]
			if d == nil {
				d = &progressDelta{}
				deltas[runID] = d
				order = append(order, runID)
			}
			d.pages++
			d.records += evt.Records
		case progress.StageRunDone, progress.StageRunError:
			if err := s.flushDelta(ctx, runID, deltas); err != nil {
				return err
			}
			if err := s.complete(ctx, runID, evt); err != nil {
				return err
			}
		}
	}

	for _, runID := range order {
		if err := s.flushDelta(ctx, runID, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushDelta(ctx context.Context, runID uuid.UUID, deltas map[uuid.UUID]*progressDelta) error {
	d, ok := deltas[runID]
	if !ok {
		return nil
	}
	delete(deltas, runID)
	if err := s.repo.AddProgress(ctx, runID, d.pages, d.records); err != nil {
		return fmt.Errorf("add run progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunCompleted
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunFailed
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.logger.Debug("run audit closed", zap.String("run_id", runID.String()), zap.String("status", string(status)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
