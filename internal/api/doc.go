// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs for in-flight runs, /v1/runs/history and /v1/runs/{run_id}
//     for the audit trail when a RunRepository is configured.
//   - GET /dl/ws/dl upgrades to a websocket that attaches to (or starts) the
//     run for the optional q query parameter and streams its events.
package api
