package promote

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-stream/internal/headless/detector"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

type stubFetcher struct {
	resp  scrape.FetchResponse
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, scrape.FetchRequest) (scrape.FetchResponse, error) {
	s.calls++
	return s.resp, s.err
}

const listing = `<html><table><tbody><tr><td>row</td></tr></tbody></table></html>`

func TestFetchKeepsRenderedListing(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{resp: scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte(listing)}}
	headless := &stubFetcher{}
	f := New(fast, headless, detector.NewHeuristic(0), detector.ShouldPromoteStatus, nil)

	resp, err := f.Fetch(context.Background(), scrape.FetchRequest{Page: 1})
	require.NoError(t, err)
	require.Equal(t, listing, string(resp.Body))
	require.Equal(t, 0, headless.calls)
}

func TestFetchPromotesChallengePage(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{resp: scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<title>Just a moment...</title>")}}
	headless := &stubFetcher{resp: scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte(listing)}}
	f := New(fast, headless, detector.NewHeuristic(0), detector.ShouldPromoteStatus, nil)

	resp, err := f.Fetch(context.Background(), scrape.FetchRequest{Page: 2})
	require.NoError(t, err)
	require.Equal(t, listing, string(resp.Body))
	require.Equal(t, 1, headless.calls)
}

func TestFetchPromotesChallengeStatus(t *testing.T) {
	t.Parallel()

	fast := &stubFetcher{err: &scrape.FetchError{URL: "https://x.test", StatusCode: http.StatusServiceUnavailable}}
	headless := &stubFetcher{err: &scrape.FetchError{URL: "https://x.test", StatusCode: http.StatusForbidden}}
	f := New(fast, headless, detector.NewHeuristic(0), detector.ShouldPromoteStatus, nil)

	_, err := f.Fetch(context.Background(), scrape.FetchRequest{Page: 1})
	var fe *scrape.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusForbidden, fe.StatusCode)
	require.Equal(t, 1, headless.calls)
}

func TestFetchDoesNotPromoteOtherErrors(t *testing.T) {
	t.Parallel()

	cases := []error{
		&scrape.FetchError{URL: "https://x.test", StatusCode: http.StatusNotFound},
		&scrape.FetchError{URL: "https://x.test", Timeout: true},
		errors.New("dial failed"),
	}
	for _, fastErr := range cases {
		fast := &stubFetcher{err: fastErr}
		headless := &stubFetcher{}
		f := New(fast, headless, detector.NewHeuristic(0), detector.ShouldPromoteStatus, nil)

		_, err := f.Fetch(context.Background(), scrape.FetchRequest{Page: 1})
		require.ErrorIs(t, err, fastErr)
		require.Equal(t, 0, headless.calls)
	}
}
