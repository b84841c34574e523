package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-stream/internal/progress"
	"github.com/JakeFAU/listing-stream/internal/store"
)

// TestStoreSinkPersistsEvents ensures page deltas are collapsed and flushed before completion.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Key: "-FC2", TotalPages: 2},
		{RunID: runID, Stage: progress.StagePageDone, TS: now.Add(time.Second), Page: 1, Records: 75},
		{RunID: runID, Stage: progress.StagePageDone, TS: now.Add(2 * time.Second), Page: 2, Records: 40},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"insert", "progress", "complete"}, repo.calls)
	require.Equal(t, "-FC2", repo.key)
	require.Equal(t, 2, repo.pages)
	require.Equal(t, 115, repo.records)
	require.Equal(t, store.RunCompleted, repo.status)
	require.Nil(t, repo.errMsg)
}

func TestStoreSinkFlushesTrailingProgress(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StagePageDone, TS: time.Now(), Page: 1, Records: 3},
	}))
	require.Equal(t, []string{"progress"}, repo.calls)
	require.Equal(t, 1, repo.pages)
}

func TestStoreSinkRecordsFailureNote(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunError, TS: time.Now(), Note: "fetch https://x: status 503"},
	}))
	require.Equal(t, store.RunFailed, repo.status)
	require.NotNil(t, repo.errMsg)
	require.Equal(t, "fetch https://x: status 503", *repo.errMsg)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type fakeRunRepo struct {
	fail    bool
	calls   []string
	key     string
	pages   int
	records int
	status  store.RunStatus
	errMsg  *string
}

func (f *fakeRunRepo) InsertRun(_ context.Context, _ uuid.UUID, key string, _ int, _ time.Time) error {
	if f.fail {
		return errors.New("insert failed")
	}
	f.calls = append(f.calls, "insert")
	f.key = key
	return nil
}

func (f *fakeRunRepo) AddProgress(_ context.Context, _ uuid.UUID, deltaPages, deltaRecords int) error {
	if f.fail {
		return errors.New("progress failed")
	}
	f.calls = append(f.calls, "progress")
	f.pages += deltaPages
	f.records += deltaRecords
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return errors.New("complete failed")
	}
	f.calls = append(f.calls, "complete")
	f.status = status
	f.errMsg = errMsg
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, int, int) ([]store.Run, error) {
	return nil, nil
}
