// Package device tracks the devices seen on the broker: discovery,
// connection status, persistence, and automatic topic mappings.
package device

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Type classifies a device
type Type string

// Device types
const (
	TypeSensor     Type = "sensor"
	TypeActuator   Type = "actuator"
	TypeController Type = "controller"
	TypeDisplay    Type = "display"
	TypeHub        Type = "hub"
	TypeUnknown    Type = "unknown"
)

// ParseType maps a type name onto a known Type, TypeUnknown otherwise
func ParseType(s string) Type {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeSensor, TypeActuator, TypeController, TypeDisplay, TypeHub:
		return t
	default:
		return TypeUnknown
	}
}

// State is a device's lifecycle state
type State int

// Device states
const (
	StateUnknown State = iota
	StateDiscovered
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Device is a device record. The JSON form stores LastSeen as Unix seconds.
type Device struct {
	ID              string
	Name            string
	Type            Type
	Model           string
	Manufacturer    string
	FirmwareVersion string
	Topics          []string
	Capabilities    map[string]any
	Connected       bool
	LastSeen        time.Time
}

type deviceJSON struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Model           string         `json:"model,omitempty"`
	Manufacturer    string         `json:"manufacturer,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	Topics          []string       `json:"topics"`
	Capabilities    map[string]any `json:"capabilities"`
	Connected       bool           `json:"connected"`
	LastSeen        int64          `json:"last_seen"`
}

// MarshalJSON implements json.Marshaler
func (d Device) MarshalJSON() ([]byte, error) {
	out := deviceJSON{
		ID:              d.ID,
		Name:            d.Name,
		Type:            string(d.Type),
		Model:           d.Model,
		Manufacturer:    d.Manufacturer,
		FirmwareVersion: d.FirmwareVersion,
		Topics:          d.Topics,
		Capabilities:    d.Capabilities,
		Connected:       d.Connected,
	}
	if out.Type == "" {
		out.Type = string(TypeUnknown)
	}
	if out.Topics == nil {
		out.Topics = []string{}
	}
	if out.Capabilities == nil {
		out.Capabilities = map[string]any{}
	}
	if !d.LastSeen.IsZero() {
		out.LastSeen = d.LastSeen.Unix()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Device) UnmarshalJSON(data []byte) error {
	var in deviceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = Device{
		ID:              in.ID,
		Name:            in.Name,
		Type:            ParseType(in.Type),
		Model:           in.Model,
		Manufacturer:    in.Manufacturer,
		FirmwareVersion: in.FirmwareVersion,
		Topics:          in.Topics,
		Capabilities:    in.Capabilities,
		Connected:       in.Connected,
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if in.LastSeen > 0 {
		d.LastSeen = time.Unix(in.LastSeen, 0)
	}
	return nil
}

// Clone returns a deep copy
func (d Device) Clone() Device {
	c := d
	c.Topics = append([]string(nil), d.Topics...)
	if d.Capabilities != nil {
		c.Capabilities = make(map[string]any, len(d.Capabilities))
		for k, v := range d.Capabilities {
			c.Capabilities[k] = v
		}
	}
	return c
}

// HasCapability reports whether the device declares capability name
func (d Device) HasCapability(name string) bool {
	_, ok := d.Capabilities[name]
	return ok
}

// HasTopic reports whether the device lists topic name
func (d Device) HasTopic(name string) bool {
	for _, t := range d.Topics {
		if t == name {
			return true
		}
	}
	return false
}

// merge folds a newer descriptor into d: scalar fields are replaced when
// set, topics are unioned and capabilities overlaid
func (d *Device) merge(in Device) {
	if in.Name != "" {
		d.Name = in.Name
	}
	if in.Type != "" && in.Type != TypeUnknown {
		d.Type = in.Type
	}
	if in.Model != "" {
		d.Model = in.Model
	}
	if in.Manufacturer != "" {
		d.Manufacturer = in.Manufacturer
	}
	if in.FirmwareVersion != "" {
		d.FirmwareVersion = in.FirmwareVersion
	}
	for _, t := range in.Topics {
		if !d.HasTopic(t) {
			d.Topics = append(d.Topics, t)
		}
	}
	if len(in.Capabilities) > 0 && d.Capabilities == nil {
		d.Capabilities = make(map[string]any, len(in.Capabilities))
	}
	for k, v := range in.Capabilities {
		d.Capabilities[k] = v
	}
}

func sortDevices(ds []Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
