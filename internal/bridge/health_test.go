package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/mbus-bridge/internal/poller"
)

func newTestHealth(t *testing.T, broker Broker) (*HealthAggregator, *poller.BreakerArena, *time.Time) {
	t.Helper()

	st := newTestStore(t, 100)
	breakers := poller.NewBreakerArena()

	lastSuccess := time.Now()
	agg := NewHealthAggregator(broker, st, breakers,
		func() time.Time { return lastSuccess }, 15*time.Second, 50)
	return agg, breakers, &lastSuccess
}

func TestHealthyWhenAllConditionsHold(t *testing.T) {
	agg, _, _ := newTestHealth(t, newFakeBroker(true))

	snap := agg.Snapshot(context.Background())
	if !snap.Healthy {
		t.Errorf("Healthy = false: %+v", snap)
	}
	if snap.Status != StatusHealthy {
		t.Errorf("Status = %q", snap.Status)
	}
}

func TestDegradedWhenBrokerDisconnected(t *testing.T) {
	agg, _, _ := newTestHealth(t, newFakeBroker(false))

	snap := agg.Snapshot(context.Background())
	if snap.Healthy {
		t.Error("Healthy = true with broker disconnected")
	}
	if snap.Broker.Connected {
		t.Error("Broker.Connected = true")
	}
}

func TestDegradedWhenReadsGoStale(t *testing.T) {
	agg, _, lastSuccess := newTestHealth(t, newFakeBroker(true))

	// Older than twice the 15s read interval.
	*lastSuccess = time.Now().Add(-31 * time.Second)

	snap := agg.Snapshot(context.Background())
	if snap.Healthy {
		t.Error("Healthy = true with stale reads")
	}
	if snap.LastReadAge < 30*time.Second {
		t.Errorf("LastReadAge = %v", snap.LastReadAge)
	}
}

func TestDegradedWhenBreakerOpenPastGrace(t *testing.T) {
	agg, breakers, _ := newTestHealth(t, newFakeBroker(true))

	for i := 0; i < 5; i++ {
		breakers.RecordFailure("dead_meter")
	}

	// Freshly opened: still healthy, trips are normal operation.
	snap := agg.Snapshot(context.Background())
	if !snap.Healthy {
		t.Error("Healthy = false right after breaker opened")
	}

	// Pretend it has been open past the grace period.
	shifted := time.Now().Add(defaultBreakerGrace + time.Minute)
	agg.now = func() time.Time { return shifted }
	agg.lastSuccess = func() time.Time { return shifted } // keep reads fresh

	snap = agg.Snapshot(context.Background())
	if snap.Healthy {
		t.Error("Healthy = true with breaker open past grace")
	}
	if len(snap.Breakers.OpenTooLong) != 1 || snap.Breakers.OpenTooLong[0] != "dead_meter" {
		t.Errorf("OpenTooLong = %v", snap.Breakers.OpenTooLong)
	}
}

func TestSnapshotIsReadOnly(t *testing.T) {
	broker := newFakeBroker(true)
	agg, breakers, _ := newTestHealth(t, broker)

	breakers.RecordFailure("d1")
	before := breakers.Status("d1")

	agg.Snapshot(context.Background())

	after := breakers.Status("d1")
	if before != after {
		t.Error("Snapshot mutated breaker state")
	}
	if len(broker.records()) != 0 {
		t.Error("Snapshot published to the broker")
	}
}
