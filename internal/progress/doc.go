// Package progress provides the run lifecycle events, the non-blocking hub,
// and the emitter interface the pipeline uses to report what each run is
// doing. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus metrics, the run audit store, or a
// Pub/Sub notifier.
package progress
