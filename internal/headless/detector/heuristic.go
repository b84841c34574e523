// Package detector decides when a listing page fetched over plain HTTP has
// to be refetched in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/listing-stream/internal/scrape"
)

const defaultBodyLengthThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Interstitials served in place of the listing until a browser solves them.
var challengeMarkers = [][]byte{
	[]byte("challenge-platform"),
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("just a moment..."),
	[]byte("checking your browser"),
	[]byte("ddos-guard"),
}

// ShouldPromote reports whether resp looks like a script shell or a browser
// challenge rather than a rendered listing.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	if bytes.Contains(lower, []byte("<tbody")) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(lower) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// ShouldPromoteStatus reports whether a non-2xx status is one that browser
// challenges answer with.
func ShouldPromoteStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusServiceUnavailable
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lowercased document.
func scriptDensityHigh(lower []byte) bool {
	doc := string(lower)
	total := len(doc)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(doc[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(doc[start:], '>')
		if tagClose == -1 {
			// Malformed tag; count the rest of the document.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		nextSearch := total
		if relativeEnd := strings.Index(doc[contentStart:], closeTag); relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
