package scrape

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser turns one page of markup into records.
type Parser interface {
	Parse(body []byte, pageURL string) ([]Record, error)
}

// Broadcaster delivers run events to every current subscriber.
type Broadcaster interface {
	BroadcastProgress(ctx context.Context, current, total int)
	BroadcastChunk(ctx context.Context, records []Record)
	BroadcastError(ctx context.Context, message string)
}

// Limiter gates upstream requests shared across runs.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock reads the time and paces runs; tests substitute a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
