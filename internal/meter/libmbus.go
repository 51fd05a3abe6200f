package meter

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// libmbus tool names. Wire framing lives entirely in these external
// binaries; the bridge only drives them and parses their XML output.
const (
	binSerialRequest = "mbus-serial-request-data"
	binSerialScan    = "mbus-serial-scan"
	binTCPRequest    = "mbus-tcp-request-data"
	binTCPScan       = "mbus-tcp-scan"
)

// LibmbusReader implements FrameReader on top of the libmbus
// command-line tools. One invocation per read keeps the serial port
// free between polls and lets the context bound the whole exchange.
type LibmbusReader struct {
	conn Connection

	// run is swappable for tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLibmbusReader creates a reader for the given bus connection. The
// libmbus binaries must be on PATH.
func NewLibmbusReader(conn Connection) *LibmbusReader {
	return &LibmbusReader{
		conn: conn,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// ReadFrame requests one data frame from the addressed meter and
// decodes it into readings.
func (r *LibmbusReader) ReadFrame(ctx context.Context, address string) ([]Reading, error) {
	var (
		name string
		args []string
	)
	if r.conn.Kind == ConnTCP {
		name = binTCPRequest
		args = []string{r.conn.Host, r.conn.Port, address}
	} else {
		name = binSerialRequest
		args = []string{"-b", strconv.Itoa(r.conn.Baudrate), r.conn.Device, address}
	}

	out, err := r.run(ctx, name, args...)
	if err != nil {
		return nil, classifyExecError(err, address)
	}

	readings, err := parseMBusXML(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceComm, address, err)
	}
	return readings, nil
}

// Scan enumerates devices answering on the bus using the primary
// address scan.
func (r *LibmbusReader) Scan(ctx context.Context) ([]DeviceInfo, error) {
	var (
		name string
		args []string
	)
	if r.conn.Kind == ConnTCP {
		name = binTCPScan
		args = []string{r.conn.Host, r.conn.Port}
	} else {
		name = binSerialScan
		args = []string{"-b", strconv.Itoa(r.conn.Baudrate), r.conn.Device}
	}

	out, err := r.run(ctx, name, args...)
	if err != nil {
		return nil, classifyExecError(err, "scan")
	}

	return parseScanOutput(out), nil
}

// Close releases nothing; each invocation owns its own port handle.
func (r *LibmbusReader) Close() error { return nil }

// classifyExecError maps process failures into the device fault
// taxonomy.
func classifyExecError(err error, subject string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrDeviceTimeout, subject)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(string(exitErr.Stderr))
		if detail == "" {
			detail = exitErr.String()
		}
		return fmt.Errorf("%w: %s: %s", ErrDeviceComm, subject, detail)
	}

	return fmt.Errorf("%w: %s: %w", ErrDeviceComm, subject, err)
}

// mbusData mirrors the libmbus XML output shape.
type mbusData struct {
	SlaveInformation struct {
		ID           string `xml:"Id"`
		Manufacturer string `xml:"Manufacturer"`
		Version      string `xml:"Version"`
		ProductName  string `xml:"ProductName"`
		Medium       string `xml:"Medium"`
	} `xml:"SlaveInformation"`
	DataRecords []struct {
		ID       string `xml:"id,attr"`
		Function string `xml:"Function"`
		Unit     string `xml:"Unit"`
		Value    string `xml:"Value"`
	} `xml:"DataRecord"`
}

// parseMBusXML decodes one libmbus data frame. Non-numeric records
// (dates, fabrication numbers) are skipped; duplicate attribute names
// get the record id as a suffix.
func parseMBusXML(out []byte) ([]Reading, error) {
	var data mbusData
	if err := xml.NewDecoder(bytes.NewReader(out)).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding frame XML: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool)
	var readings []Reading

	for _, rec := range data.DataRecords {
		value, err := strconv.ParseFloat(strings.TrimSpace(rec.Value), 64)
		if err != nil {
			continue
		}

		attribute := strings.TrimSpace(rec.Unit)
		if attribute == "" {
			attribute = "record_" + rec.ID
		}
		if seen[attribute] {
			attribute = attribute + "_" + rec.ID
		}
		seen[attribute] = true

		readings = append(readings, Reading{
			Attribute: attribute,
			Value:     value,
			Unit:      unitFromRecord(rec.Unit),
			Timestamp: now,
		})
	}

	return readings, nil
}

// unitFromRecord extracts the bare unit from a libmbus record label
// like "Energy (kWh)".
func unitFromRecord(label string) string {
	start := strings.LastIndex(label, "(")
	end := strings.LastIndex(label, ")")
	if start >= 0 && end > start {
		return label[start+1 : end]
	}
	return ""
}

// parseScanOutput extracts addresses from libmbus scan output lines
// like "Found a M-Bus device at address 5".
func parseScanOutput(out []byte) []DeviceInfo {
	var devices []DeviceInfo

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		const marker = "address "
		idx := strings.LastIndex(line, marker)
		if !strings.Contains(line, "Found a M-Bus device") || idx < 0 {
			continue
		}

		address := strings.TrimSpace(line[idx+len(marker):])
		if address == "" {
			continue
		}
		devices = append(devices, DeviceInfo{
			Address: address,
			ID:      DeviceID(address),
		})
	}

	return devices
}
