package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfigFile writes YAML content to a temp file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("applies file values over defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
gateway:
  id: gw-cellar
mqtt:
  broker:
    host: broker.lan
    port: 8883
    tls: true
mbus:
  port: tcp://10.0.0.5:10001
  read_interval: 15
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Gateway.ID != "gw-cellar" {
			t.Errorf("Gateway.ID = %q, want gw-cellar", cfg.Gateway.ID)
		}
		if cfg.MQTT.Broker.Host != "broker.lan" {
			t.Errorf("Broker.Host = %q, want broker.lan", cfg.MQTT.Broker.Host)
		}
		if !cfg.MQTT.Broker.TLS {
			t.Error("Broker.TLS = false, want true")
		}
		if cfg.MBus.Port != "tcp://10.0.0.5:10001" {
			t.Errorf("MBus.Port = %q", cfg.MBus.Port)
		}
		// Untouched values keep defaults
		if cfg.Queue.MaxSize != 10000 {
			t.Errorf("Queue.MaxSize = %d, want default 10000", cfg.Queue.MaxSize)
		}
		if cfg.HomeAssistant.DiscoveryPrefix != "homeassistant" {
			t.Errorf("DiscoveryPrefix = %q, want default", cfg.HomeAssistant.DiscoveryPrefix)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfigFile(t, `
mqtt:
  broker:
    host: from-file
`)
		t.Setenv("MBUSBRIDGE_MQTT_HOST", "from-env")
		t.Setenv("MBUSBRIDGE_MQTT_PORT", "2883")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.MQTT.Broker.Host != "from-env" {
			t.Errorf("Broker.Host = %q, want from-env", cfg.MQTT.Broker.Host)
		}
		if cfg.MQTT.Broker.Port != 2883 {
			t.Errorf("Broker.Port = %d, want 2883", cfg.MQTT.Broker.Port)
		}
	})

	t.Run("missing file returns error", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("Load() with missing file: expected error")
		}
	})

	t.Run("malformed yaml returns error", func(t *testing.T) {
		path := writeConfigFile(t, "mqtt: [not a mapping")
		if _, err := Load(path); err == nil {
			t.Error("Load() with malformed YAML: expected error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty gateway id",
			mutate:  func(c *Config) { c.Gateway.ID = "" },
			wantErr: "gateway.id",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "zero read interval",
			mutate:  func(c *Config) { c.MBus.ReadInterval = 0 },
			wantErr: "read_interval",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.MBus.Workers = 0 },
			wantErr: "workers",
		},
		{
			name:    "watermark above max size",
			mutate:  func(c *Config) { c.Queue.HighWatermark = c.Queue.MaxSize + 1 },
			wantErr: "high_watermark",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.ReadInterval().Seconds(); got != 60 {
		t.Errorf("ReadInterval() = %vs, want 60s", got)
	}
	if got := cfg.ReadTimeout().Seconds(); got != 5 {
		t.Errorf("ReadTimeout() = %vs, want 5s", got)
	}
	if got := cfg.RetryDelay().Milliseconds(); got != 500 {
		t.Errorf("RetryDelay() = %vms, want 500ms", got)
	}
	if got := cfg.HeartbeatInterval().Seconds(); got != 300 {
		t.Errorf("HeartbeatInterval() = %vs, want 300s", got)
	}
}
