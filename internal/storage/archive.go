// Package storage writes raw listing pages to a blob store so a run's input
// can be inspected after the fact.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/metrics"
	"github.com/JakeFAU/listing-stream/internal/scrape"
	"github.com/JakeFAU/listing-stream/internal/storage/gcs"
	"github.com/JakeFAU/listing-stream/internal/storage/local"
	"github.com/JakeFAU/listing-stream/internal/storage/memory"
)

// Supported archive backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config selects and configures the archive backend.
type Config struct {
	Backend   string
	Dir       string
	GCSBucket string
	Prefix    string
}

// OpenBlobStore builds the blob store named by cfg.Backend. The returned
// close function releases backend resources and is never nil.
func OpenBlobStore(ctx context.Context, cfg Config) (scrape.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Backend) {
	case BackendLocal, "":
		s, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		return s, noop, nil
	case BackendGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs archive: %w", err)
		}
		return s, s.Close, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// Archive stores fetched page bodies. Failures are logged and counted, never
// returned, so archiving cannot fail a run.
type Archive struct {
	store  scrape.BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchive wraps store. A nil logger disables logging.
func NewArchive(store scrape.BlobStore, prefix string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{store: store, prefix: prefix, logger: logger.Named("archive")}
}

// PagePath returns the object path for one page of a run.
func PagePath(prefix, runID string, page int) string {
	return path.Join(prefix, runID, fmt.Sprintf("page-%d.html", page))
}

// PutPage writes body for the given run page and returns its URI, or "" when
// the write failed.
func (a *Archive) PutPage(ctx context.Context, runID string, page int, body []byte) string {
	if a == nil || a.store == nil {
		return ""
	}
	p := PagePath(a.prefix, runID, page)
	uri, err := a.store.PutObject(ctx, p, "text/html; charset=utf-8", bytes.NewReader(body))
	metrics.ObservePageArchived(err == nil)
	if err != nil {
		a.logger.Warn("archive page failed",
			zap.String("run_id", runID),
			zap.Int("page", page),
			zap.String("path", p),
			zap.Error(err),
		)
		return ""
	}
	a.logger.Debug("page archived", zap.String("run_id", runID), zap.Int("page", page), zap.String("uri", uri))
	return uri
}
