package meter

import "strings"

// SensorMeta is the Home Assistant presentation metadata inferred for
// one reading attribute.
type SensorMeta struct {
	DeviceClass string
	StateClass  string
	Icon        string
}

// MetaForUnit infers discovery metadata from a reading's unit string.
// Unknown units get a generic counter icon and no device class, which
// Home Assistant accepts.
func MetaForUnit(unit string) SensorMeta {
	switch normalizeUnit(unit) {
	case "wh", "kwh", "mwh":
		return SensorMeta{DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt"}
	case "j", "kj", "mj", "gj":
		return SensorMeta{DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:fire"}
	case "w", "kw", "mw":
		return SensorMeta{DeviceClass: "power", StateClass: "measurement", Icon: "mdi:flash"}
	case "m3", "m³", "l":
		return SensorMeta{DeviceClass: "water", StateClass: "total_increasing", Icon: "mdi:water"}
	case "m3/h", "m³/h", "l/h":
		return SensorMeta{DeviceClass: "volume_flow_rate", StateClass: "measurement", Icon: "mdi:waves-arrow-right"}
	case "c", "°c", "k":
		return SensorMeta{DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"}
	case "bar", "mbar", "pa", "kpa":
		return SensorMeta{DeviceClass: "pressure", StateClass: "measurement", Icon: "mdi:gauge"}
	case "v":
		return SensorMeta{DeviceClass: "voltage", StateClass: "measurement", Icon: "mdi:sine-wave"}
	case "a":
		return SensorMeta{DeviceClass: "current", StateClass: "measurement", Icon: "mdi:current-ac"}
	case "hz":
		return SensorMeta{DeviceClass: "frequency", StateClass: "measurement", Icon: "mdi:pulse"}
	case "h", "hours":
		return SensorMeta{StateClass: "total_increasing", Icon: "mdi:timer-outline"}
	default:
		return SensorMeta{Icon: "mdi:counter"}
	}
}

func normalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.ReplaceAll(u, "^3", "3")
	return u
}
