package meter

import (
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

// Reading is a single attribute sample from a meter. Readings are
// ephemeral; they are folded into a device snapshot and never persisted
// standalone.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Attribute string    `json:"attribute"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceInfo identifies a meter on the bus.
type DeviceInfo struct {
	// Address is the primary or secondary M-Bus address used on the wire.
	Address string `json:"address"`

	// ID is the stable bridge-wide identifier derived from the address.
	ID string `json:"id"`

	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
}

// FrameReader is the meter-protocol collaborator. Implementations own
// the serial/TCP transport and the M-Bus frame decoding; the bridge
// never touches raw frames.
//
// ReadFrame must honour ctx cancellation and return ErrDeviceTimeout or
// ErrDeviceComm (possibly wrapped) on failure. Scan enumerates devices
// currently answering on the bus.
type FrameReader interface {
	ReadFrame(ctx context.Context, address string) ([]Reading, error)
	Scan(ctx context.Context) ([]DeviceInfo, error)
	Close() error
}

// Connection kinds.
const (
	ConnSerial = "serial"
	ConnTCP    = "tcp"
)

// Connection describes how to reach the M-Bus, either a serial port
// with a baudrate or a TCP gateway address.
type Connection struct {
	Kind     string
	Device   string // serial device path
	Baudrate int
	Host     string // tcp gateway
	Port     string
}

// ParseConnection builds a Connection from the configured port string.
// A "tcp://host:port" URL selects TCP; anything else is treated as a
// serial device path.
//
// Parameters:
//   - port: Serial device path or tcp://host:port URL
//   - baudrate: Serial baudrate, ignored for TCP
//
// Returns:
//   - Connection: Parsed descriptor
//   - error: ErrInvalidConnection (wrapped) if the descriptor is malformed
func ParseConnection(port string, baudrate int) (Connection, error) {
	if port == "" {
		return Connection{}, fmt.Errorf("%w: empty port", ErrInvalidConnection)
	}

	if addr, ok := strings.CutPrefix(port, "tcp://"); ok {
		host, tcpPort, err := net.SplitHostPort(addr)
		if err != nil {
			return Connection{}, fmt.Errorf("%w: %s: %w", ErrInvalidConnection, port, err)
		}
		return Connection{Kind: ConnTCP, Host: host, Port: tcpPort}, nil
	}

	if baudrate <= 0 {
		return Connection{}, fmt.Errorf("%w: baudrate must be positive for serial", ErrInvalidConnection)
	}

	return Connection{Kind: ConnSerial, Device: port, Baudrate: baudrate}, nil
}

// String renders the descriptor for logs.
func (c Connection) String() string {
	if c.Kind == ConnTCP {
		return "tcp://" + net.JoinHostPort(c.Host, c.Port)
	}
	return fmt.Sprintf("%s@%d", c.Device, c.Baudrate)
}

// DeviceID derives the stable bridge identifier for a bus address.
func DeviceID(address string) string {
	return "mbus_meter_" + strings.ToLower(strings.TrimSpace(address))
}

// RoundValue rounds a reading value to 4 decimal places before it is
// compared or published, so float noise below the tolerance never
// churns retained state.
func RoundValue(v float64) float64 {
	return math.Round(v*10000) / 10000
}
