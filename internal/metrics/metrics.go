// Package metrics exposes Prometheus collectors for the HTTP surface, event
// delivery, and upstream rate limiting.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	eventsDeliveredTotal       *prometheus.CounterVec
	subscribersDroppedTotal    prometheus.Counter
	subscribersConnected       prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	pagesArchivedTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper calls
// it first.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		eventsDeliveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_events_delivered_total",
				Help: "Run events handed to subscribers, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		subscribersDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listing_subscribers_dropped_total",
				Help: "Subscribers removed after a failed send.",
			},
		)

		subscribersConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listing_subscribers_connected",
				Help: "Websocket subscribers currently connected.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_rate_limit_delays_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		pagesArchivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_pages_archived_total",
				Help: "Raw listing pages written to the archive, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEventDelivery records one attempted delivery of an event kind.
func ObserveEventDelivery(kind string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	eventsDeliveredTotal.WithLabelValues(kind, result).Inc()
}

// ObserveSubscriberDropped counts a subscriber removed after a send failure.
func ObserveSubscriberDropped() {
	Init()
	subscribersDroppedTotal.Inc()
}

// IncSubscribers increments the connected subscribers gauge.
func IncSubscribers() {
	Init()
	subscribersConnected.Inc()
}

// DecSubscribers decrements the connected subscribers gauge.
func DecSubscribers() {
	Init()
	subscribersConnected.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePageArchived records the outcome of writing a raw page to the archive.
func ObservePageArchived(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "failed"
	}
	pagesArchivedTotal.WithLabelValues(result).Inc()
}
