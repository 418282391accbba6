// Package api hosts the HTTP server, middleware, and REST handlers for
// operators and the review channel. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/control/start and /v1/control/stop flip the run flag.
//   - GET /v1/status reports stage counts, in-flight jobs and cursors.
//   - POST /v1/reviews/{id} delivers a human verdict.
//   - GET /v1/artifacts/{id}, POST /v1/artifacts/{id}/retry and
//     GET /v1/activity for inspection and recovery.
package api
