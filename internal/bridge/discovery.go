package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/mbus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-bridge/internal/meter"
	"github.com/nerrad567/mbus-bridge/internal/store"
)

// discoveryConfig is the Home Assistant discovery payload for one
// sensor. Struct field order keeps the serialized form, and therefore
// the content hash, deterministic.
type discoveryConfig struct {
	Name              string              `json:"name"`
	UniqueID          string              `json:"unique_id"`
	ObjectID          string              `json:"object_id"`
	StateTopic        string              `json:"state_topic"`
	UnitOfMeasurement string              `json:"unit_of_measurement,omitempty"`
	DeviceClass       string              `json:"device_class,omitempty"`
	StateClass        string              `json:"state_class,omitempty"`
	Icon              string              `json:"icon,omitempty"`
	ExpireAfter       int                 `json:"expire_after,omitempty"`
	Availability      []availabilityItem  `json:"availability,omitempty"`
	AvailabilityMode  string              `json:"availability_mode,omitempty"`
	Device            discoveryDeviceInfo `json:"device"`
}

type availabilityItem struct {
	Topic string `json:"topic"`
}

type discoveryDeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// Discovery emits Home Assistant auto-discovery metadata, once per
// distinct content. Published payload hashes are recorded in the store
// so restarts and unchanged devices stay silent.
type Discovery struct {
	store   *store.Store
	pub     *Publisher
	topics  mqtt.Topics
	ha      config.HomeAssistantConfig
	gateway config.GatewayConfig
	logger  Logger

	// inflight guards against two goroutines racing the same
	// device/sensor pair with different content.
	inflight   map[string]string
	inflightMu sync.Mutex
}

// NewDiscovery creates a discovery manager.
func NewDiscovery(st *store.Store, pub *Publisher, topics mqtt.Topics, cfg *config.Config, logger Logger) *Discovery {
	return &Discovery{
		store:    st,
		pub:      pub,
		topics:   topics,
		ha:       cfg.HomeAssistant,
		gateway:  cfg.Gateway,
		logger:   logger,
		inflight: make(map[string]string),
	}
}

// EnsureDiscovered publishes a discovery config for every sensor in
// the device's snapshot whose content is not already recorded.
//
// Parameters:
//   - ctx: Context for store operations
//   - state: Device identity and snapshot to describe
//
// Returns:
//   - error: Persistence failures only; conflicts are resolved and logged
func (d *Discovery) EnsureDiscovered(ctx context.Context, state store.DeviceState) error {
	for key, attr := range state.Snapshot {
		if err := d.ensureSensor(ctx, state, key, attr); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discovery) ensureSensor(ctx context.Context, state store.DeviceState, sensorKey string, attr store.Attribute) error {
	payload, err := json.Marshal(d.sensorConfig(state, sensorKey, attr))
	if err != nil {
		return fmt.Errorf("marshaling discovery config for %s/%s: %w", state.DeviceID, sensorKey, err)
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	stored, err := d.store.DiscoveryHash(ctx, state.DeviceID, sensorKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if stored == hash {
		return nil
	}

	pairKey := state.DeviceID + "/" + sensorKey

	d.inflightMu.Lock()
	if other, busy := d.inflight[pairKey]; busy && other != hash {
		// Another writer is mid-publish with different content. Newer
		// payload wins; note the race and continue.
		d.logger.Warn("resolving discovery race with newer payload",
			"device", state.DeviceID,
			"sensor", sensorKey,
			"error", ErrDiscoveryConflict,
		)
	}
	d.inflight[pairKey] = hash
	d.inflightMu.Unlock()

	defer func() {
		d.inflightMu.Lock()
		delete(d.inflight, pairKey)
		d.inflightMu.Unlock()
	}()

	objectID := state.DeviceID + "_" + sensorKey
	topic := d.topics.Discovery(d.ha.DiscoveryPrefix, "sensor", objectID)

	if _, err := d.pub.Publish(ctx, topic, payload, true); err != nil {
		return fmt.Errorf("publishing discovery config for %s: %w", objectID, err)
	}

	if err := d.store.SetDiscoveryHash(ctx, state.DeviceID, sensorKey, hash); err != nil {
		return err
	}

	d.logger.Info("discovery config published", "device", state.DeviceID, "sensor", sensorKey)
	return nil
}

// sensorConfig builds the discovery payload for one sensor.
func (d *Discovery) sensorConfig(state store.DeviceState, sensorKey string, attr store.Attribute) discoveryConfig {
	meta := meter.MetaForUnit(attr.Unit)

	name := state.Name
	if name == "" {
		name = state.DeviceID
	}

	cfg := discoveryConfig{
		Name:              name + " " + sensorKey,
		UniqueID:          state.DeviceID + "_" + sensorKey,
		ObjectID:          state.DeviceID + "_" + sensorKey,
		StateTopic:        d.topics.DeviceState(state.DeviceID, sensorKey),
		UnitOfMeasurement: attr.Unit,
		DeviceClass:       meta.DeviceClass,
		StateClass:        meta.StateClass,
		Icon:              meta.Icon,
		ExpireAfter:       d.ha.ExpireAfter,
		Availability: []availabilityItem{
			{Topic: d.topics.BridgeState()},
			{Topic: d.topics.DeviceAvailability(state.DeviceID)},
		},
		AvailabilityMode: "all",
		Device: discoveryDeviceInfo{
			Identifiers:  []string{state.DeviceID},
			Name:         name,
			Manufacturer: state.Manufacturer,
			Model:        state.Model,
			SWVersion:    state.SWVersion,
		},
	}

	// Meters hang off the gateway device; the gateway describes itself.
	if state.DeviceID != d.gateway.ID {
		cfg.Device.ViaDevice = d.gateway.ID
		if cfg.Device.Manufacturer == "" {
			cfg.Device.Manufacturer = d.gateway.Manufacturer
		}
	}

	return cfg
}

// ForceRediscovery clears all recorded hashes so the next
// EnsureDiscovered pass republishes every config unconditionally.
// Triggered by the configured broker status signal, typically Home
// Assistant announcing it came back online.
func (d *Discovery) ForceRediscovery(ctx context.Context) error {
	if err := d.store.ClearDiscovery(ctx); err != nil {
		return err
	}
	d.logger.Info("discovery records cleared, full republish pending")
	return nil
}
