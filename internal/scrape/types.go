package scrape

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Record is one listing entry parsed from a result table row.
type Record struct {
	Name     string `json:"Name"`
	Link     string `json:"Link"`
	Size     string `json:"Size"`
	Date     string `json:"Date"`
	Seeders  int    `json:"Seeders"`
	Leechers int    `json:"Leechers"`
	// SearchURL is derived from Name when a search template is configured.
	SearchURL string `json:"Google_Search_URL,omitempty"`
}

// PageResult is the parse outcome for a single listing page.
type PageResult struct {
	Page    int
	URL     string
	Records []Record
}

// FetchRequest captures everything needed to fetch one listing page.
type FetchRequest struct {
	RunID string
	Page  int
	URL   string
	Query url.Values
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Source describes the remote listing and its fixed query filter.
type Source struct {
	BaseURL  string
	Filter   string
	Category string
	Query    string
	Pages    int
}

// PageTarget returns the listing endpoint and the query values for page.
func (s Source) PageTarget(page int) (string, url.Values) {
	q := url.Values{}
	q.Set("f", s.Filter)
	q.Set("c", s.Category)
	q.Set("q", s.Query)
	q.Set("p", strconv.Itoa(page))
	return strings.TrimRight(s.BaseURL, "/") + "/", q
}

// WithQuery merges query into target, keeping any parameters already present.
func WithQuery(target string, query url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	if len(query) == 0 {
		return u.String(), nil
	}
	merged := u.Query()
	for key, values := range query {
		for _, v := range values {
			merged.Add(key, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}
