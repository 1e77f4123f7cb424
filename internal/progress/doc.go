// Package progress carries run, phase and item events from the pipeline to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and fans them out to sinks such as the status tracker or Prometheus.
package progress
