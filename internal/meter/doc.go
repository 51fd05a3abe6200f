// Package meter defines the M-Bus domain types and the collaborator
// interface through which the bridge talks to meter hardware.
//
// Byte-level M-Bus framing is deliberately out of scope. The bridge
// depends on a FrameReader capability that decodes wire frames into
// Readings; this package owns the types on both sides of that boundary,
// the serial/TCP connection descriptor, and the fault taxonomy for
// device I/O (ErrDeviceTimeout, ErrDeviceComm).
package meter
