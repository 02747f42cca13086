// Package store provides durable persistence for endpoints, test
// results, scan sessions and derived aggregates.
//
// The package defines the [Store] contract and its SQLite-backed
// implementation [SQLite]. All aggregate columns are derived: they are
// recomputed from the raw test results inside the same transaction as
// the write that invalidated them, so they can never drift from the
// facts. Retention is enforced by [Store.Prune], which deletes old
// results and restores the aggregates of every affected endpoint.
//
// The implementation uses a WAL journal with a single connection, so
// writes serialize (the single-writer discipline) while readers always
// observe the latest committed state.
package store
