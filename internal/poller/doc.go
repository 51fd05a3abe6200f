// Package poller schedules meter reads and isolates per-device failures.
//
// A single scheduler loop dispatches reads on each device's interval to
// a bounded worker pool, so one slow or dead meter never stalls the
// rest of the bus. Every device owns an independent circuit breaker:
// five consecutive failed reads open it, after which reads are
// short-circuited without touching the hardware until an exponential
// backoff window (2s doubling, capped at 300s) elapses and a single
// half-open trial is admitted.
//
// Breaker trips are an expected operating condition, logged once per
// transition and reflected in the health snapshot; they are never
// surfaced as operational errors.
package poller
