package meter

import (
	"context"
	"errors"
	"testing"
)

const sampleFrameXML = `<?xml version="1.0" encoding="ISO-8859-1"?>
<MBusData>
    <SlaveInformation>
        <Id>12345678</Id>
        <Manufacturer>ACW</Manufacturer>
        <Version>11</Version>
        <ProductName>Itron CF Echo II</ProductName>
        <Medium>Heat: Outlet</Medium>
    </SlaveInformation>
    <DataRecord id="0">
        <Function>Instantaneous value</Function>
        <Unit>Energy (kWh)</Unit>
        <Value>12345</Value>
    </DataRecord>
    <DataRecord id="1">
        <Function>Instantaneous value</Function>
        <Unit>Volume (m m^3)</Unit>
        <Value>481.27</Value>
    </DataRecord>
    <DataRecord id="2">
        <Function>Instantaneous value</Function>
        <Unit>Time Point (time &amp; date)</Unit>
        <Value>2026-08-01T12:00:00</Value>
    </DataRecord>
    <DataRecord id="3">
        <Function>Instantaneous value</Function>
        <Unit>Energy (kWh)</Unit>
        <Value>99</Value>
    </DataRecord>
</MBusData>`

func TestParseMBusXML(t *testing.T) {
	readings, err := parseMBusXML([]byte(sampleFrameXML))
	if err != nil {
		t.Fatalf("parseMBusXML() error = %v", err)
	}

	// The date record is non-numeric and skipped.
	if len(readings) != 3 {
		t.Fatalf("got %d readings, want 3", len(readings))
	}

	if readings[0].Attribute != "Energy (kWh)" || readings[0].Value != 12345 {
		t.Errorf("reading 0 = %+v", readings[0])
	}
	if readings[0].Unit != "kWh" {
		t.Errorf("unit = %q, want kWh", readings[0].Unit)
	}
	if readings[1].Value != 481.27 {
		t.Errorf("reading 1 value = %v", readings[1].Value)
	}

	// Duplicate record label gets the record id as suffix.
	if readings[2].Attribute != "Energy (kWh)_3" {
		t.Errorf("duplicate attribute = %q", readings[2].Attribute)
	}
}

func TestParseMBusXMLMalformed(t *testing.T) {
	if _, err := parseMBusXML([]byte("not xml at all")); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestParseScanOutput(t *testing.T) {
	out := []byte(`Scanning primary addresses:
Found a M-Bus device at address 5
Found a M-Bus device at address 12
Done.`)

	devices := parseScanOutput(out)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].Address != "5" || devices[0].ID != "mbus_meter_5" {
		t.Errorf("device 0 = %+v", devices[0])
	}
	if devices[1].Address != "12" {
		t.Errorf("device 1 = %+v", devices[1])
	}
}

func TestLibmbusReaderCommandSelection(t *testing.T) {
	var gotName string
	var gotArgs []string

	fakeRun := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte(sampleFrameXML), nil
	}

	t.Run("serial", func(t *testing.T) {
		r := NewLibmbusReader(Connection{Kind: ConnSerial, Device: "/dev/ttyUSB0", Baudrate: 2400})
		r.run = fakeRun

		if _, err := r.ReadFrame(context.Background(), "5"); err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if gotName != "mbus-serial-request-data" {
			t.Errorf("binary = %q", gotName)
		}
		want := []string{"-b", "2400", "/dev/ttyUSB0", "5"}
		for i, arg := range want {
			if gotArgs[i] != arg {
				t.Errorf("args = %v, want %v", gotArgs, want)
				break
			}
		}
	})

	t.Run("tcp", func(t *testing.T) {
		r := NewLibmbusReader(Connection{Kind: ConnTCP, Host: "gw.lan", Port: "10001"})
		r.run = fakeRun

		if _, err := r.ReadFrame(context.Background(), "5"); err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if gotName != "mbus-tcp-request-data" {
			t.Errorf("binary = %q", gotName)
		}
	})
}

func TestLibmbusReaderTimeoutClassified(t *testing.T) {
	r := NewLibmbusReader(Connection{Kind: ConnSerial, Device: "/dev/ttyUSB0", Baudrate: 2400})
	r.run = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := r.ReadFrame(context.Background(), "5")
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Errorf("error = %v, want ErrDeviceTimeout", err)
	}
}
