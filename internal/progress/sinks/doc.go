// Package sinks implements progress consumers: Prometheus collectors, the
// durable activity feed, and structured logging.
package sinks
