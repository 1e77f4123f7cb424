// Package store defines the persistence contracts of the enricher. Backends
// live under internal/storage; this package must not import database drivers
// or concrete clients.
package store
