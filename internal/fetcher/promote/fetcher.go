// Package promote implements scrape.Fetcher by trying a fast HTTP fetcher
// first and refetching in a headless browser when the response looks like a
// script shell or a browser challenge.
package promote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// Detector decides whether a successful fast response needs a browser.
type Detector interface {
	ShouldPromote(resp scrape.FetchResponse) bool
}

// Fetcher chains a fast fetcher and a headless one.
type Fetcher struct {
	fast          scrape.Fetcher
	headless      scrape.Fetcher
	detector      Detector
	promoteStatus func(code int) bool
	logger        *zap.Logger
}

// New builds a Fetcher. promoteStatus selects the non-2xx statuses that are
// retried headless; nil never promotes on status.
func New(fast, headless scrape.Fetcher, detector Detector, promoteStatus func(int) bool, logger *zap.Logger) *Fetcher {
	if promoteStatus == nil {
		promoteStatus = func(int) bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		fast:          fast,
		headless:      headless,
		detector:      detector,
		promoteStatus: promoteStatus,
		logger:        logger.Named("fetcher"),
	}
}

// Fetch returns the fast response unless it was promoted, in which case the
// headless result (or error) is returned instead.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	resp, err := f.fast.Fetch(ctx, request)
	if err != nil {
		var fe *scrape.FetchError
		if !errors.As(err, &fe) || fe.StatusCode == 0 || !f.promoteStatus(fe.StatusCode) {
			return scrape.FetchResponse{}, err
		}
		f.logger.Info("promoting to headless",
			zap.Int("page", request.Page),
			zap.Int("status", fe.StatusCode),
		)
		return f.headless.Fetch(ctx, request)
	}
	if f.detector == nil || !f.detector.ShouldPromote(resp) {
		return resp, nil
	}
	f.logger.Info("promoting to headless",
		zap.Int("page", request.Page),
		zap.Int("bytes", len(resp.Body)),
	)
	return f.headless.Fetch(ctx, request)
}
