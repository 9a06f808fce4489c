// Package progress carries crawl and ingestion lifecycle events from the
// scheduler, workers and ingestion pipeline to pluggable sinks. Emitting
// never blocks; a background goroutine batches events and fans them out.
package progress
