package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchError reports a failed page fetch. Exactly one of StatusCode, Timeout,
// or Err describes the cause.
type FetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case e.Timeout:
		return fmt.Sprintf("fetch %s: timed out", e.URL)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: failed", e.URL)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError classifies err into a FetchError, flagging timeouts.
func NewFetchError(rawURL string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{URL: rawURL, Timeout: IsTimeout(err), Err: err}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ParseError reports a row whose numeric cell is not a non-negative integer.
type ParseError struct {
	Page  int
	Row   int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse page %d row %d: invalid %s %q", e.Page, e.Row, e.Field, e.Value)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
