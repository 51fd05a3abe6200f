package bridge

import (
	"context"
	"time"

	"github.com/nerrad567/mbus-bridge/internal/poller"
	"github.com/nerrad567/mbus-bridge/internal/store"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// defaultBreakerGrace is how long a breaker may stay continuously open
// before health degrades. Short trips are normal operation.
const defaultBreakerGrace = 5 * time.Minute

// HealthSnapshot is the composite on-demand health verdict. It is a
// point-in-time copy; producing one never mutates pipeline state.
type HealthSnapshot struct {
	Status    string    `json:"status"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`

	Broker struct {
		Connected bool `json:"connected"`
	} `json:"broker"`

	Queue struct {
		Depth         int  `json:"depth"`
		HighWatermark int  `json:"high_watermark"`
		Degraded      bool `json:"degraded"`
	} `json:"queue"`

	Breakers struct {
		States      map[string]poller.BreakerStatus `json:"states"`
		OpenTooLong []string                        `json:"open_too_long,omitempty"`
	} `json:"breakers"`

	LastSuccessfulRead time.Time     `json:"last_successful_read,omitzero"`
	LastReadAge        time.Duration `json:"last_read_age_ns"`
}

// HealthAggregator derives the composite verdict from broker, queue,
// and breaker state. Read-only by design.
type HealthAggregator struct {
	broker        Broker
	store         *store.Store
	breakers      *poller.BreakerArena
	lastSuccess   func() time.Time
	readInterval  time.Duration
	highWatermark int
	breakerGrace  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewHealthAggregator wires the aggregator to its read-only sources.
//
// Parameters:
//   - broker: Connectivity source
//   - st: Queue depth and degradation source
//   - breakers: Breaker state source
//   - lastSuccess: Most recent successful read across all devices
//   - readInterval: Configured poll interval
//   - highWatermark: Queue depth above which health degrades
func NewHealthAggregator(broker Broker, st *store.Store, breakers *poller.BreakerArena,
	lastSuccess func() time.Time, readInterval time.Duration, highWatermark int) *HealthAggregator {
	return &HealthAggregator{
		broker:        broker,
		store:         st,
		breakers:      breakers,
		lastSuccess:   lastSuccess,
		readInterval:  readInterval,
		highWatermark: highWatermark,
		breakerGrace:  defaultBreakerGrace,
		now:           time.Now,
	}
}

// Snapshot computes the current composite health. Healthy iff the
// broker is connected, the queue sits below its high-watermark on a
// durable store, no breaker has been open past the grace period, and
// the most recent successful read is younger than twice the read
// interval.
func (h *HealthAggregator) Snapshot(ctx context.Context) HealthSnapshot {
	now := h.now()

	snap := HealthSnapshot{CheckedAt: now}
	snap.Broker.Connected = h.broker.IsConnected()

	depth, err := h.store.QueueDepth(ctx)
	snap.Queue.Depth = depth
	snap.Queue.HighWatermark = h.highWatermark
	snap.Queue.Degraded = h.store.Degraded() || err != nil

	snap.Breakers.States = h.breakers.Snapshot()
	for id, b := range snap.Breakers.States {
		if b.State == poller.StateOpen && !b.OpenedAt.IsZero() &&
			now.Sub(b.OpenedAt) > h.breakerGrace {
			snap.Breakers.OpenTooLong = append(snap.Breakers.OpenTooLong, id)
		}
	}

	last := h.lastSuccess()
	snap.LastSuccessfulRead = last
	if !last.IsZero() {
		snap.LastReadAge = now.Sub(last)
	}

	readFresh := last.IsZero() || snap.LastReadAge <= 2*h.readInterval

	snap.Healthy = snap.Broker.Connected &&
		snap.Queue.Depth < h.highWatermark &&
		!snap.Queue.Degraded &&
		len(snap.Breakers.OpenTooLong) == 0 &&
		readFresh

	snap.Status = StatusHealthy
	if !snap.Healthy {
		snap.Status = StatusDegraded
	}

	return snap
}
