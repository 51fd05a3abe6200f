package meter

import "errors"

// Sentinel errors for device I/O. A FrameReader implementation wraps
// its raw faults into one of these before they cross into the poller.
// Check with errors.Is().
var (
	// ErrDeviceTimeout indicates a read exceeded the configured timeout.
	ErrDeviceTimeout = errors.New("meter: device read timeout")

	// ErrDeviceComm indicates a communication fault other than timeout
	// (framing error, checksum failure, port error).
	ErrDeviceComm = errors.New("meter: device communication error")

	// ErrInvalidConnection indicates the connection descriptor could not
	// be parsed.
	ErrInvalidConnection = errors.New("meter: invalid connection descriptor")
)
