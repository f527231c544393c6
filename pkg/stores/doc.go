// Package stores provides persistence layer implementations for wzdat.
// It includes SQLite-based storage with WAL mode and embedded migrations
// for the per-unit run history and the shared artifact store, where every
// write updates the rows and the accumulated checksum in one transaction.
package stores
