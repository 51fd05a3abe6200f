package meter

import (
	"errors"
	"testing"
)

func TestParseConnection(t *testing.T) {
	tests := []struct {
		name     string
		port     string
		baudrate int
		want     Connection
		wantErr  bool
	}{
		{
			name:     "serial device",
			port:     "/dev/ttyUSB0",
			baudrate: 2400,
			want:     Connection{Kind: ConnSerial, Device: "/dev/ttyUSB0", Baudrate: 2400},
		},
		{
			name:     "tcp gateway",
			port:     "tcp://192.168.1.50:10001",
			baudrate: 2400,
			want:     Connection{Kind: ConnTCP, Host: "192.168.1.50", Port: "10001"},
		},
		{
			name:    "empty port",
			port:    "",
			wantErr: true,
		},
		{
			name:     "tcp missing port",
			port:     "tcp://192.168.1.50",
			baudrate: 2400,
			wantErr:  true,
		},
		{
			name:     "serial zero baudrate",
			port:     "/dev/ttyUSB0",
			baudrate: 0,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnection(tt.port, tt.baudrate)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConnection) {
					t.Fatalf("error = %v, want ErrInvalidConnection", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	serial := Connection{Kind: ConnSerial, Device: "/dev/ttyAMA0", Baudrate: 9600}
	if got := serial.String(); got != "/dev/ttyAMA0@9600" {
		t.Errorf("serial String() = %q", got)
	}

	tcp := Connection{Kind: ConnTCP, Host: "gw.lan", Port: "10001"}
	if got := tcp.String(); got != "tcp://gw.lan:10001" {
		t.Errorf("tcp String() = %q", got)
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID(" 12345678 "); got != "mbus_meter_12345678" {
		t.Errorf("DeviceID() = %q", got)
	}
	if got := DeviceID("0xAB"); got != "mbus_meter_0xab" {
		t.Errorf("DeviceID() = %q", got)
	}
}

func TestRoundValue(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1.23456789, 1.2346},
		{0.00004, 0.0},
		{0.00005, 0.0001},
		{-2.55555, -2.5556},
		{42, 42},
	}

	for _, tt := range tests {
		if got := RoundValue(tt.in); got != tt.want {
			t.Errorf("RoundValue(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetaForUnit(t *testing.T) {
	tests := []struct {
		unit      string
		wantClass string
		wantIcon  string
	}{
		{"kWh", "energy", "mdi:lightning-bolt"},
		{"m^3", "water", "mdi:water"},
		{"m³/h", "volume_flow_rate", "mdi:waves-arrow-right"},
		{"°C", "temperature", "mdi:thermometer"},
		{"bar", "pressure", "mdi:gauge"},
		{"", "", "mdi:counter"},
		{"bogons", "", "mdi:counter"},
	}

	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			meta := MetaForUnit(tt.unit)
			if meta.DeviceClass != tt.wantClass {
				t.Errorf("DeviceClass = %q, want %q", meta.DeviceClass, tt.wantClass)
			}
			if meta.Icon != tt.wantIcon {
				t.Errorf("Icon = %q, want %q", meta.Icon, tt.wantIcon)
			}
		})
	}
}
