package bridge

import (
	"math"
	"sync"
	"time"

	"github.com/nerrad567/mbus-bridge/internal/store"
)

// Detector decides, for each completed read, whether the snapshot is
// publish-worthy. It is invoked synchronously after every read so
// publish ordering stays deterministic.
//
// A snapshot is published when any attribute moved by more than the
// tolerance since the last publish, when the heartbeat interval has
// elapsed, or when publication is forced (recovery replay, discovery
// bootstrap).
type Detector struct {
	tolerance float64
	heartbeat time.Duration

	mu            sync.Mutex
	lastPublished map[string]map[string]float64
	lastPublish   map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewDetector creates a detector with the given change tolerance and
// heartbeat interval.
func NewDetector(tolerance float64, heartbeat time.Duration) *Detector {
	return &Detector{
		tolerance:     tolerance,
		heartbeat:     heartbeat,
		lastPublished: make(map[string]map[string]float64),
		lastPublish:   make(map[string]time.Time),
		now:           time.Now,
	}
}

// ShouldPublish reports whether the device's snapshot warrants a
// publish. It does not record the decision; call MarkPublished after
// the messages are actually handed to the publisher.
func (d *Detector) ShouldPublish(deviceID string, snapshot map[string]store.Attribute, forced bool) bool {
	if forced {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	last, seen := d.lastPublished[deviceID]
	if !seen {
		return true
	}

	if d.heartbeat > 0 && d.now().Sub(d.lastPublish[deviceID]) >= d.heartbeat {
		return true
	}

	if len(snapshot) != len(last) {
		return true
	}
	for key, attr := range snapshot {
		prev, ok := last[key]
		if !ok || math.Abs(attr.Value-prev) > d.tolerance {
			return true
		}
	}

	return false
}

// MarkPublished records the snapshot as the new baseline for change
// detection and resets the device's heartbeat clock.
func (d *Detector) MarkPublished(deviceID string, snapshot map[string]store.Attribute) {
	values := make(map[string]float64, len(snapshot))
	for key, attr := range snapshot {
		values[key] = attr.Value
	}

	d.mu.Lock()
	d.lastPublished[deviceID] = values
	d.lastPublish[deviceID] = d.now()
	d.mu.Unlock()
}

// Forget drops the baseline for a device so its next reading always
// publishes. Used when a device goes offline and comes back.
func (d *Detector) Forget(deviceID string) {
	d.mu.Lock()
	delete(d.lastPublished, deviceID)
	delete(d.lastPublish, deviceID)
	d.mu.Unlock()
}
