// Package sinks implements concrete run event consumers: structured logging,
// Prometheus collectors, the Postgres run audit, and Pub/Sub notifications.
// Each sink satisfies progress.Sink.
package sinks
