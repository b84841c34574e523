package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/progress"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// RunNotification is the message published when a run ends.
type RunNotification struct {
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	Pages      int       `json:"pages"`
	Records    int       `json:"records"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Attributes exposes filterable Pub/Sub attributes.
func (n RunNotification) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "status": n.Status}
}

// PublisherSink publishes a RunNotification for every finished run.
type PublisherSink struct {
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink publishes to topic through publisher.
func NewPublisherSink(publisher scrape.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per RUN_DONE or RUN_ERROR event.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		var status string
		switch evt.Stage {
		case progress.StageRunDone:
			status = "completed"
		case progress.StageRunError:
			status = "failed"
		default:
			continue
		}
		n := RunNotification{
			RunID:      evt.RunUUID().String(),
			Key:        evt.Key,
			Status:     status,
			Pages:      evt.Page,
			Records:    evt.Records,
			Error:      evt.Note,
			FinishedAt: evt.TS.UTC(),
			DurationMS: evt.Dur.Milliseconds(),
		}
		id, err := s.publisher.Publish(ctx, s.topic, n)
		if err != nil {
			return fmt.Errorf("publish run notification: %w", err)
		}
		s.logger.Debug("run notification published", zap.String("run_id", n.RunID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
