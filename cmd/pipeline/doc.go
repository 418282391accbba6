// Command pipeline runs the artifact pipeline orchestrator and controls a
// running instance through its store.
//
// Architecture overview:
//   - serve: one process runs the orchestrator loop and the HTTP API under an
//     errgroup. The loop reads the persisted run flag, asks the scheduler for
//     the next action and hands it to a bounded dispatcher. Stage jobs claim
//     their artifact with a compare-and-swap on (stage, version), so a second
//     process would only ever lose claims; sqlite deployments still take a
//     file lock to avoid two writers on one database file.
//   - Stores: memory (tests and demos), sqlite (default, modernc driver) or
//     postgres (pgx pool). Staged assets and the archive live in a blob store:
//     memory, local directory or a GCS bucket.
//   - Review: review requests are published to Pub/Sub (or kept in memory);
//     verdicts come back on POST /v1/reviews/{id}.
//   - Observability: zap logs, Prometheus metrics on /metrics, progress
//     events batched by the hub into log, Prometheus and activity-feed sinks,
//     optional OpenTelemetry spans per stage job.
//
// Control commands (start, stop, status, retry-failed) open the configured
// store directly and therefore work whether or not serve is running.
//
// Configuration comes from an optional --config file plus PIPELINE_* env
// vars, e.g. PIPELINE_STORE_DRIVER=postgres PIPELINE_STORE_DSN=postgres://...
package main
