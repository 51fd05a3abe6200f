// Package store is the durable persistence layer for the bridge: the
// last-known snapshot per device, the outbound MQTT message queue, and
// the discovery-record hashes.
//
// It is the only shared mutable resource in the pipeline. The poller
// writes snapshots, the publisher reads and writes the queue, and the
// health aggregator reads depths and flags; every concurrency-sensitive
// invariant is enforced inside the store's own transactions, never by
// external locking.
//
// Queue semantics: FIFO by autoincrement id, bounded with a drop-oldest
// overflow policy, rows removed only on explicit acknowledgement, and a
// persisted single-row drain cursor so a crash mid-drain resumes where
// it left off. If SQLite becomes unavailable the store degrades to a
// bounded in-memory queue with reduced durability and reports itself
// degraded; it never fails the pipeline.
package store
