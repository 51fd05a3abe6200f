// Package database manages the bridge's SQLite store.
//
// SQLite is the single shared mutable resource in the pipeline: it holds
// device state snapshots, the persisted outbound message queue, and the
// discovery dedup records. All concurrency-sensitive invariants (atomic
// snapshot upserts, FIFO queue ordering) are enforced inside this store's
// transaction boundaries rather than by callers.
//
// The database runs in WAL mode with a single writer connection, which
// serialises writes while allowing concurrent reads. Schema changes are
// applied through embedded, versioned migrations at startup.
package database
