package bridge

import "errors"

// Sentinel errors for the bridge pipeline. Check with errors.Is().
var (
	// ErrDiscoveryConflict indicates two writers raced on the same
	// device/sensor discovery record with different content. Resolved by
	// letting the newer payload win; logged, never escalated.
	ErrDiscoveryConflict = errors.New("bridge: discovery record conflict")
)
