package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the M-Bus bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway       GatewayConfig       `yaml:"gateway"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MBus          MBusConfig          `yaml:"mbus"`
	Queue         QueueConfig         `yaml:"queue"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// GatewayConfig identifies this bridge instance. The gateway itself is
// published as a discoverable device alongside the meters it serves.
type GatewayConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	KeepAlive   int                 `yaml:"keepalive"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
// Delays are in seconds; backoff doubles from InitialDelay up to MaxDelay.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HomeAssistantConfig contains Home Assistant integration settings.
type HomeAssistantConfig struct {
	// DiscoveryPrefix is the base for discovery config topics.
	// Default: "homeassistant"
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// StatusTopic is watched for broker-side rediscovery triggers.
	// When StatusPayload arrives on it, discovery records are cleared
	// and all discovery configs are republished.
	StatusTopic   string `yaml:"status_topic"`
	StatusPayload string `yaml:"status_payload"`

	// ExpireAfter is forwarded into sensor discovery configs (seconds).
	// Entities become unavailable when no state arrives for this long.
	ExpireAfter int `yaml:"expire_after"`

	// HeartbeatInterval is how often retained state and availability are
	// republished even when values are unchanged (seconds).
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

// MBusConfig contains M-Bus device communication settings.
type MBusConfig struct {
	// Port is the serial device path or a tcp://host:port URL.
	Port     string `yaml:"port"`
	Baudrate int    `yaml:"baudrate"`

	// ReadInterval is the per-device poll interval (seconds).
	ReadInterval int `yaml:"read_interval"`

	// ScanInterval is how often the bus is scanned for new devices (seconds).
	// Zero disables periodic scanning after the initial scan.
	ScanInterval int `yaml:"scan_interval"`

	// ReadTimeout bounds a single device read (seconds).
	ReadTimeout int `yaml:"read_timeout"`

	// ReadRetries is the number of extra attempts per read before the
	// failure counts toward the circuit breaker.
	ReadRetries int `yaml:"read_retries"`

	// RetryDelay is the fixed delay between read attempts (milliseconds).
	RetryDelay int `yaml:"retry_delay"`

	// Tolerance is the minimum attribute change that counts as
	// publish-worthy. Values are rounded to 4 decimals upstream, so the
	// default suppresses pure float noise only.
	Tolerance float64 `yaml:"tolerance"`

	// OfflineAfter is how long without a successful read before a device
	// is marked offline (seconds). Staleness kicks in at twice the read
	// interval and is not separately configurable.
	OfflineAfter int `yaml:"offline_after"`

	// Workers bounds the number of concurrent device reads.
	Workers int `yaml:"workers"`

	// Devices optionally pins known meter addresses so they are polled
	// without waiting for a bus scan.
	Devices []MBusDeviceConfig `yaml:"devices"`
}

// MBusDeviceConfig describes a statically configured meter.
type MBusDeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// QueueConfig contains offline message queue settings.
type QueueConfig struct {
	// MaxSize bounds the persisted queue. When full, the oldest entry is
	// dropped to admit the newest.
	MaxSize int `yaml:"max_size"`

	// HighWatermark is the queue depth above which health degrades.
	HighWatermark int `yaml:"high_watermark"`

	// PruneAfter removes queue rows older than this many hours.
	// Housekeeping only; does not affect delivery correctness.
	PruneAfter int `yaml:"prune_after"`
}

// InfluxDBConfig contains the optional reading-history sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MBUSBRIDGE_SECTION_KEY
// For example: MBUSBRIDGE_DATABASE_PATH, MBUSBRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:           "mbus-gateway",
			Name:         "M-Bus Gateway",
			Manufacturer: "mbus-bridge",
			Model:        "M-Bus MQTT Bridge",
		},
		Database: DatabaseConfig{
			Path:        "./data/mbusbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "mbus-bridge",
			},
			QoS:         1,
			KeepAlive:   60,
			TopicPrefix: "mbus",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     300,
			},
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix:   "homeassistant",
			StatusTopic:       "homeassistant/status",
			StatusPayload:     "online",
			ExpireAfter:       600,
			HeartbeatInterval: 300,
		},
		MBus: MBusConfig{
			Port:         "/dev/ttyUSB0",
			Baudrate:     2400,
			ReadInterval: 60,
			ScanInterval: 3600,
			ReadTimeout:  5,
			ReadRetries:  2,
			RetryDelay:   500,
			Tolerance:    0.0001,
			OfflineAfter: 600,
			Workers:      4,
		},
		Queue: QueueConfig{
			MaxSize:       10000,
			HighWatermark: 5000,
			PruneAfter:    168,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MBUSBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MBUSBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MBUSBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MBUSBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MBUSBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MBUSBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// M-Bus
	if v := os.Getenv("MBUSBRIDGE_MBUS_PORT"); v != "" {
		cfg.MBus.Port = v
	}

	// InfluxDB
	if v := os.Getenv("MBUSBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.MBus.Port == "" {
		errs = append(errs, "mbus.port is required")
	}
	if c.MBus.ReadInterval < 1 {
		errs = append(errs, "mbus.read_interval must be at least 1 second")
	}
	if c.MBus.ReadTimeout < 1 {
		errs = append(errs, "mbus.read_timeout must be at least 1 second")
	}
	if c.MBus.Workers < 1 {
		errs = append(errs, "mbus.workers must be at least 1")
	}

	if c.Queue.MaxSize < 1 {
		errs = append(errs, "queue.max_size must be at least 1")
	}
	if c.Queue.HighWatermark > c.Queue.MaxSize {
		errs = append(errs, "queue.high_watermark must not exceed queue.max_size")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadInterval returns the per-device poll interval as a Duration.
func (c *Config) ReadInterval() time.Duration {
	return time.Duration(c.MBus.ReadInterval) * time.Second
}

// ScanInterval returns the device scan interval as a Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.MBus.ScanInterval) * time.Second
}

// ReadTimeout returns the hard per-read timeout as a Duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.MBus.ReadTimeout) * time.Second
}

// RetryDelay returns the inter-attempt delay as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.MBus.RetryDelay) * time.Millisecond
}

// OfflineAfter returns the device offline threshold as a Duration.
func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.MBus.OfflineAfter) * time.Second
}

// HeartbeatInterval returns the heartbeat republish interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HomeAssistant.HeartbeatInterval) * time.Second
}
