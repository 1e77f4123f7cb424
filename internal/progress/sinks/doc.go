// Package sinks implements progress consumers: a run tracker backing the
// status API, Prometheus run metrics and structured logging.
package sinks
