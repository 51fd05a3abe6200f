package poller

import "errors"

// Sentinel errors for poll scheduling. Check with errors.Is().
var (
	// ErrCircuitOpen indicates the device's breaker is open and the read
	// was skipped without touching the hardware.
	ErrCircuitOpen = errors.New("poller: circuit open")
)
