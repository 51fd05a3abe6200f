package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/mbus-bridge/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			ID:           "mbus-gateway",
			Name:         "M-Bus Gateway",
			Manufacturer: "mbus-bridge",
			Model:        "M-Bus MQTT Bridge",
		},
		MQTT: config.MQTTConfig{QoS: 1, TopicPrefix: "mbus"},
		HomeAssistant: config.HomeAssistantConfig{
			DiscoveryPrefix:   "homeassistant",
			StatusTopic:       "homeassistant/status",
			StatusPayload:     "online",
			ExpireAfter:       600,
			HeartbeatInterval: 300,
		},
		MBus: config.MBusConfig{
			ReadInterval: 15,
			ReadTimeout:  1,
			RetryDelay:   1,
			Workers:      2,
			Tolerance:    0.0001,
			OfflineAfter: 600,
		},
		Queue: config.QueueConfig{MaxSize: 100, HighWatermark: 50, PruneAfter: 168},
	}
}

func newTestDiscovery(t *testing.T, broker *fakeBroker) (*Discovery, *store.Store) {
	t.Helper()

	st := newTestStore(t, 100)
	pub := NewPublisher(broker, st, 1, nopLogger{})
	d := NewDiscovery(st, pub, broker.Topics(), testConfig(), nopLogger{})
	return d, st
}

func meterState(value float64) store.DeviceState {
	return store.DeviceState{
		DeviceID:     "mbus_meter_1",
		Name:         "Heat Meter",
		Manufacturer: "ACME",
		Model:        "HM-100",
		Snapshot: map[string]store.Attribute{
			"energie_kwh": {Value: value, Unit: "kWh"},
		},
		LastUpdate: time.Now(),
		Online:     true,
	}
}

func TestEnsureDiscoveredPublishesOncePerContent(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker(true)
	d, _ := newTestDiscovery(t, broker)

	state := meterState(1.0)
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatalf("EnsureDiscovered() error = %v", err)
	}

	configs := broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(configs) != 1 {
		t.Fatalf("got %d discovery publishes, want 1", len(configs))
	}
	if !configs[0].Retain {
		t.Error("discovery config not retained")
	}

	// Same content again: deduplicated by hash.
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatal(err)
	}
	configs = broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(configs) != 1 {
		t.Errorf("got %d discovery publishes after replay, want still 1", len(configs))
	}

	// A value change does not alter the config content either.
	if err := d.EnsureDiscovered(ctx, meterState(99.9)); err != nil {
		t.Fatal(err)
	}
	configs = broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(configs) != 1 {
		t.Errorf("value change republished discovery config")
	}
}

func TestEnsureDiscoveredPayloadShape(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker(true)
	d, _ := newTestDiscovery(t, broker)

	if err := d.EnsureDiscovered(ctx, meterState(1.0)); err != nil {
		t.Fatal(err)
	}

	records := broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(records) != 1 {
		t.Fatal("missing discovery publish")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(records[0].Payload), &payload); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}

	checks := map[string]string{
		"unique_id":           "mbus_meter_1_energie_kwh",
		"state_topic":         "mbus/device/mbus_meter_1/energie_kwh",
		"unit_of_measurement": "kWh",
		"device_class":        "energy",
	}
	for key, want := range checks {
		if got, _ := payload[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if got, _ := payload["expire_after"].(float64); got != 600 {
		t.Errorf("expire_after = %v, want 600", got)
	}

	device, _ := payload["device"].(map[string]any)
	if device == nil {
		t.Fatal("device block missing")
	}
	if via, _ := device["via_device"].(string); via != "mbus-gateway" {
		t.Errorf("via_device = %q, want mbus-gateway", via)
	}

	availability, _ := payload["availability"].([]any)
	if len(availability) != 2 {
		t.Errorf("availability entries = %d, want bridge + device", len(availability))
	}
}

func TestEnsureDiscoveredRepublishesOnContentChange(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker(true)
	d, _ := newTestDiscovery(t, broker)

	state := meterState(1.0)
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatal(err)
	}

	// Renaming the device changes the payload content.
	state.Name = "Heat Meter Basement"
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatal(err)
	}

	configs := broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(configs) != 2 {
		t.Fatalf("got %d discovery publishes, want 2 after content change", len(configs))
	}
	if !strings.Contains(configs[1].Payload, "Heat Meter Basement") {
		t.Error("republished config does not carry the new name")
	}
}

func TestForceRediscoveryClearsRecords(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker(true)
	d, _ := newTestDiscovery(t, broker)

	state := meterState(1.0)
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatal(err)
	}
	if err := d.ForceRediscovery(ctx); err != nil {
		t.Fatalf("ForceRediscovery() error = %v", err)
	}
	if err := d.EnsureDiscovered(ctx, state); err != nil {
		t.Fatal(err)
	}

	configs := broker.recordsFor("homeassistant/sensor/mbus_meter_1_energie_kwh/config")
	if len(configs) != 2 {
		t.Errorf("got %d discovery publishes, want unconditional republish after clear", len(configs))
	}
}

func TestDiscoveryQueuedWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker(false)
	d, st := newTestDiscovery(t, broker)

	if err := d.EnsureDiscovered(ctx, meterState(1.0)); err != nil {
		t.Fatalf("EnsureDiscovered() error = %v", err)
	}

	depth, _ := st.QueueDepth(ctx)
	if depth != 1 {
		t.Errorf("queue depth = %d, want discovery config parked for drain", depth)
	}
}
