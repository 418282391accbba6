// Package progress carries pipeline activity events from the dispatcher and
// stage workers to pluggable sinks. Emit never blocks; a background goroutine
// batches events by size and age before handing them to each sink.
package progress
