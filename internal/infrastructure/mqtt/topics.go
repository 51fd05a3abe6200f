package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the bridge's MQTT topic names from the configured prefix.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.NewTopics("mbus")
//	topics.DeviceState("mbus_meter_01", "energy_kwh")
//	// Returns: "mbus/device/mbus_meter_01/energy_kwh"
type Topics struct {
	prefix string
}

// NewTopics creates a topic builder rooted at the given prefix.
// An empty prefix defaults to "mbus".
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "mbus"
	}
	return Topics{prefix: strings.TrimSuffix(prefix, "/")}
}

// BridgeState returns the bridge-level availability topic.
// This is also the LWT topic: the broker publishes "offline" here if the
// bridge disconnects ungracefully.
//
// Example: mbus/bridge/state
func (t Topics) BridgeState() string {
	return fmt.Sprintf("%s/bridge/state", t.prefix)
}

// DeviceState returns the retained state topic for one device attribute.
//
// Example: mbus/device/mbus_meter_01/energy_kwh
func (t Topics) DeviceState(deviceID, attribute string) string {
	return fmt.Sprintf("%s/device/%s/%s", t.prefix, deviceID, SanitizeKey(attribute))
}

// DeviceAvailability returns the retained availability topic for a device.
//
// Example: mbus/device/mbus_meter_01/availability
func (t Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/availability", t.prefix, deviceID)
}

// Discovery returns a Home Assistant discovery config topic.
//
// Example: homeassistant/sensor/mbus_meter_01_energy_kwh/config
func (t Topics) Discovery(discoveryPrefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", discoveryPrefix, component, objectID)
}

// SanitizeKey normalises an attribute name into a topic-safe key:
// lowercase, spaces to underscores, parentheses and slashes stripped.
func SanitizeKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	replacer := strings.NewReplacer("(", "", ")", "", "/", "_", "#", "", "+", "")
	return replacer.Replace(key)
}
