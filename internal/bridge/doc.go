// Package bridge orchestrates the resilience pipeline between the
// meter poller and the MQTT broker.
//
// Each completed read flows through a synchronous chain: the change
// detector consults the last published snapshot, the publisher either
// delivers directly or parks messages in the persisted queue, and the
// state store records the new snapshot atomically. Discovery configs
// are emitted once per distinct content, deduplicated by hash. The
// health aggregator derives a composite verdict from breaker, queue,
// and connectivity state without mutating any of them.
//
// Recovery order at startup is fixed: persisted snapshots are
// republished retained and marked stale, discovery is ensured, the
// offline queue is drained, and only then does polling begin, so
// last-known state always precedes fresh data.
package bridge
