package mqtt

import (
	"strings"
	"testing"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/config"
)

func TestNewTopics(t *testing.T) {
	t.Run("uses prefix", func(t *testing.T) {
		topics := NewTopics("meters")
		if got := topics.BridgeState(); got != "meters/bridge/state" {
			t.Errorf("BridgeState() = %q", got)
		}
	})

	t.Run("empty prefix defaults", func(t *testing.T) {
		topics := NewTopics("")
		if got := topics.BridgeState(); got != "mbus/bridge/state" {
			t.Errorf("BridgeState() = %q", got)
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		topics := NewTopics("mbus/")
		if got := topics.DeviceAvailability("m1"); got != "mbus/device/m1/availability" {
			t.Errorf("DeviceAvailability() = %q", got)
		}
	})
}

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("mbus")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"device state", topics.DeviceState("mbus_meter_01", "Energie (kWh)"), "mbus/device/mbus_meter_01/energie_kwh"},
		{"device availability", topics.DeviceAvailability("mbus_meter_01"), "mbus/device/mbus_meter_01/availability"},
		{"discovery", topics.Discovery("homeassistant", "sensor", "mbus_meter_01_energie_kwh"), "homeassistant/sensor/mbus_meter_01_energie_kwh/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Energie (kWh)", "energie_kwh"},
		{"Volume m³", "volume_m³"},
		{"  Status  ", "status"},
		{"flow/rate", "flow_rate"},
		{"weird#+key", "weirdkey"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SanitizeKey(tt.input); got != tt.want {
				t.Errorf("SanitizeKey(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	t.Run("plain tcp broker url", func(t *testing.T) {
		cfg := config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "broker.lan", Port: 1883, ClientID: "bridge-test"},
			Reconnect: config.MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     300,
			},
		}

		opts := buildClientOptions(cfg)
		if len(opts.Servers) != 1 {
			t.Fatalf("expected 1 broker, got %d", len(opts.Servers))
		}
		if opts.Servers[0].Scheme != "tcp" {
			t.Errorf("scheme = %q, want tcp", opts.Servers[0].Scheme)
		}
		if opts.ClientID != "bridge-test" {
			t.Errorf("ClientID = %q", opts.ClientID)
		}
		if opts.CleanSession != true {
			t.Error("CleanSession = false, want true")
		}
	})

	t.Run("tls switches scheme", func(t *testing.T) {
		cfg := config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "broker.lan", Port: 8883, TLS: true, ClientID: "x"},
		}

		opts := buildClientOptions(cfg)
		if opts.Servers[0].Scheme != "ssl" {
			t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
		}
		if opts.TLSConfig == nil {
			t.Error("TLSConfig not set for TLS broker")
		}
	})

	t.Run("empty client id generates one", func(t *testing.T) {
		cfg := config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "h", Port: 1883},
		}

		opts := buildClientOptions(cfg)
		if !strings.HasPrefix(opts.ClientID, "mbus-bridge-") {
			t.Errorf("ClientID = %q, want generated mbus-bridge-* id", opts.ClientID)
		}
	})

	t.Run("credentials applied when set", func(t *testing.T) {
		cfg := config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "h", Port: 1883, ClientID: "x"},
			Auth:   config.MQTTAuthConfig{Username: "meter", Password: "secret"},
		}

		opts := buildClientOptions(cfg)
		if opts.Username != "meter" || opts.Password != "secret" {
			t.Error("credentials not applied")
		}
	})
}

func TestConfigureLWT(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:      config.MQTTBrokerConfig{Host: "h", Port: 1883, ClientID: "x"},
		TopicPrefix: "mbus",
		QoS:         1,
	}

	topics := NewTopics(cfg.TopicPrefix)
	opts := buildClientOptions(cfg)
	configureLWT(opts, topics, byte(cfg.QoS))

	if !opts.WillEnabled {
		t.Fatal("will not enabled")
	}
	if opts.WillTopic != "mbus/bridge/state" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if string(opts.WillPayload) != PayloadOffline {
		t.Errorf("WillPayload = %q, want %q", opts.WillPayload, PayloadOffline)
	}
	if !opts.WillRetained {
		t.Error("will should be retained")
	}
}

func TestPublishValidation(t *testing.T) {
	// A client that never connected still validates inputs before
	// touching the network.
	c := &Client{subscriptions: make(map[string]subscription)}

	t.Run("empty topic", func(t *testing.T) {
		if err := c.Publish("", []byte("x"), 1, false); err != ErrInvalidTopic {
			t.Errorf("error = %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		if err := c.Publish("t", []byte("x"), 3, false); err != ErrInvalidQoS {
			t.Errorf("error = %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		big := make([]byte, maxPayloadSize+1)
		if err := c.Publish("t", big, 1, false); err == nil {
			t.Error("expected error for oversized payload")
		}
	})
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Subscribe("", 1, func(string, []byte) error { return nil }); err != ErrInvalidTopic {
		t.Errorf("error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("t", 1, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}
