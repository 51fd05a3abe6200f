package poller

import (
	"sync"
	"time"
)

// Breaker state names as they appear in logs and health snapshots.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Default breaker tuning.
const (
	defaultFailureThreshold = 5
	defaultBaseBackoff      = 2 * time.Second
	defaultMaxBackoff       = 300 * time.Second
)

// breaker is the per-device failure-isolation state machine. All
// access goes through the owning arena's lock.
type breaker struct {
	state     string
	failures  int
	backoff   time.Duration
	nextProbe time.Time

	// openedAt is set on the first closed->open transition and kept
	// across half-open reopens, so health can measure how long the
	// device has been continuously failing.
	openedAt time.Time
}

// BreakerStatus is a read-only view of one breaker for health
// reporting.
type BreakerStatus struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	NextProbe time.Time `json:"next_probe,omitzero"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
}

// BreakerArena holds one independent breaker per device id. Breakers
// for different devices never block one another; the arena lock only
// guards the map and individual record updates, never device I/O.
type BreakerArena struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	threshold   int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewBreakerArena creates an arena with the default tuning: 5
// consecutive failures open a breaker, backoff starts at 2s and
// doubles to a 300s cap.
func NewBreakerArena() *BreakerArena {
	return &BreakerArena{
		breakers:    make(map[string]*breaker),
		threshold:   defaultFailureThreshold,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		now:         time.Now,
	}
}

func (a *BreakerArena) get(deviceID string) *breaker {
	b, ok := a.breakers[deviceID]
	if !ok {
		b = &breaker{state: StateClosed, backoff: a.baseBackoff}
		a.breakers[deviceID] = b
	}
	return b
}

// Allow reports whether a read may proceed for the device. An open
// breaker whose probe time has elapsed transitions to half-open and
// admits exactly one trial read.
//
// Returns:
//   - error: nil if the read may proceed, ErrCircuitOpen otherwise
func (a *BreakerArena) Allow(deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.get(deviceID)
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// Trial already in flight; only one probe at a time.
		return ErrCircuitOpen
	default: // open
		if a.now().Before(b.nextProbe) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		return nil
	}
}

// Release returns an admission obtained from Allow without recording
// an outcome, for reads that never started. A half-open trial slot
// reverts to open with its probe time unchanged, so the next Allow
// re-admits immediately.
func (a *BreakerArena) Release(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.get(deviceID)
	if b.state == StateHalfOpen {
		b.state = StateOpen
	}
}

// RecordSuccess resets the device's breaker to closed.
//
// Returns:
//   - bool: true if this closed a previously open or half-open breaker
func (a *BreakerArena) RecordSuccess(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.get(deviceID)
	recovered := b.state != StateClosed

	b.state = StateClosed
	b.failures = 0
	b.backoff = a.baseBackoff
	b.openedAt = time.Time{}

	return recovered
}

// RecordFailure counts one breaker failure. Reaching the threshold in
// the closed state, or any failure in half-open, opens the breaker
// with an exponentially increased backoff.
//
// Returns:
//   - bool: true if this call opened the breaker
func (a *BreakerArena) RecordFailure(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.get(deviceID)
	now := a.now()

	switch b.state {
	case StateHalfOpen:
		// Failed trial reopens with doubled backoff.
		b.failures++
		b.backoff = min(b.backoff*2, a.maxBackoff)
		b.state = StateOpen
		b.nextProbe = now.Add(b.backoff)
		return true

	case StateClosed:
		b.failures++
		if b.failures < a.threshold {
			return false
		}
		b.state = StateOpen
		b.nextProbe = now.Add(b.backoff)
		b.openedAt = now
		return true

	default: // open, probe not yet due; nothing to count
		return false
	}
}

// Status returns a snapshot of one device's breaker. Unknown devices
// report a closed breaker.
func (a *BreakerArena) Status(deviceID string) BreakerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.breakers[deviceID]
	if !ok {
		return BreakerStatus{State: StateClosed}
	}
	return BreakerStatus{
		State:     b.state,
		Failures:  b.failures,
		NextProbe: b.nextProbe,
		OpenedAt:  b.openedAt,
	}
}

// Snapshot returns the current state of every breaker, keyed by device
// id. Read-only; used by the health aggregator.
func (a *BreakerArena) Snapshot() map[string]BreakerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]BreakerStatus, len(a.breakers))
	for id, b := range a.breakers {
		out[id] = BreakerStatus{
			State:     b.state,
			Failures:  b.failures,
			NextProbe: b.nextProbe,
			OpenedAt:  b.openedAt,
		}
	}
	return out
}
