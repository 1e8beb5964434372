package mqtt

import (
	"strings"

	"github.com/nugget/park2mqtt/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every entity published by
// this bridge references the same device block so HA groups them under
// a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is used as the
// primary HA device identifier (stable across renames); the device
// name appears in the HA UI.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "2Park",
		Model:        "park2mqtt bridge",
		SWVersion:    buildinfo.Version,
	}
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained to the discovery topic.
type SensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	DeviceClass         string     `json:"device_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// SelectConfig is the discovery payload for an HA MQTT select entity.
type SelectConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	CommandTopic      string     `json:"command_topic"`
	Options           []string   `json:"options"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
}

// ButtonConfig is the discovery payload for an HA MQTT button entity.
type ButtonConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NumberConfig is the discovery payload for an HA MQTT number entity.
type NumberConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	CommandTopic      string     `json:"command_topic"`
	Min               float64    `json:"min"`
	Max               float64    `json:"max"`
	Step              float64    `json:"step"`
	Mode              string     `json:"mode,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// Slug converts an arbitrary identifier (product IDs contain "$" and
// mixed case) into a topic- and object-ID-safe lowercase token.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
