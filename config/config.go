package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/iot"
	"github.com/c360/synthiot/param"
	"github.com/c360/synthiot/pkg/tlsutil"
	"github.com/c360/synthiot/topic"
)

// Transport backends
const (
	BackendMQTT   = "mqtt"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Registry store kinds
const (
	StoreFile = "file"
	StoreKV   = "kv"
)

// Config represents the complete application configuration
type Config struct {
	Version    string            `json:"version" yaml:"version"` // Semantic version for KV sync control
	Transport  TransportConfig   `json:"transport" yaml:"transport"`
	Registry   RegistryConfig    `json:"registry" yaml:"registry"`
	Parameters []ParameterConfig `json:"parameters" yaml:"parameters"`
	Mappings   []MappingConfig   `json:"mappings" yaml:"mappings"`
	MIDI       MIDIConfig        `json:"midi" yaml:"midi"`
	Metrics    MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// TransportConfig defines the broker connection
type TransportConfig struct {
	Backend              string          `json:"backend" yaml:"backend"`
	Host                 string          `json:"host" yaml:"host"`
	Port                 int             `json:"port" yaml:"port"`
	ClientID             string          `json:"client_id" yaml:"client_id"` // empty: synthiot-<uuid>
	Username             string          `json:"username,omitempty" yaml:"username,omitempty"`
	Password             string          `json:"password,omitempty" yaml:"password,omitempty"`
	KeepAliveSeconds     int             `json:"keep_alive_seconds" yaml:"keep_alive_seconds"`
	CleanSession         bool            `json:"clean_session" yaml:"clean_session"`
	AutoReconnect        bool            `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectInterval    time.Duration   `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration   `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
	ConnectTimeout       time.Duration   `json:"connect_timeout" yaml:"connect_timeout"`
	DefaultQoS           int             `json:"default_qos" yaml:"default_qos"`
	StatusTopic          string          `json:"status_topic,omitempty" yaml:"status_topic,omitempty"`
	LastWill             *LastWillConfig `json:"last_will,omitempty" yaml:"last_will,omitempty"`
	TLS                  *TLSConfig      `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig secures the broker connection. The system CA bundle is always
// trusted; ca_files add to it. cert_file and key_file enable mutual TLS.
type TLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
}

// LastWillConfig is the message the broker publishes on an ungraceful drop
type LastWillConfig struct {
	Topic   string `json:"topic" yaml:"topic"`
	Payload string `json:"payload" yaml:"payload"`
	QoS     int    `json:"qos" yaml:"qos"`
	Retain  bool   `json:"retain" yaml:"retain"`
}

// RegistryConfig defines device discovery and persistence
type RegistryConfig struct {
	ConfigDir       string   `json:"config_dir" yaml:"config_dir"`
	DiscoveryTopics []string `json:"discovery_topics" yaml:"discovery_topics"`
	Discover        bool     `json:"discover" yaml:"discover"`
	AutoMap         bool     `json:"auto_map" yaml:"auto_map"`
	Store           string   `json:"store" yaml:"store"`         // file or kv
	KVBucket        string   `json:"kv_bucket" yaml:"kv_bucket"` // used with store=kv
	NATSURL         string   `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
}

// ParameterConfig declares one parameter of the tree
type ParameterConfig struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Group       string          `json:"group,omitempty" yaml:"group,omitempty"` // slash separated group path
	Kind        string          `json:"kind" yaml:"kind"`                       // float, int, bool, enum, trigger
	Min         float64         `json:"min" yaml:"min"`
	Max         float64         `json:"max" yaml:"max"`
	Default     float64         `json:"default" yaml:"default"`
	Scale       string          `json:"scale,omitempty" yaml:"scale,omitempty"`
	Unit        string          `json:"unit,omitempty" yaml:"unit,omitempty"`
	Smoothing   time.Duration   `json:"smoothing,omitempty" yaml:"smoothing,omitempty"`
	Automatable *bool           `json:"automatable,omitempty" yaml:"automatable,omitempty"`
	Options     []EnumOptionCfg `json:"options,omitempty" yaml:"options,omitempty"`
}

// EnumOptionCfg is one entry of an enum parameter
type EnumOptionCfg struct {
	Value int    `json:"value" yaml:"value"`
	Name  string `json:"name" yaml:"name"`
}

// Path returns the parameter's path in the tree
func (p ParameterConfig) Path() string {
	if p.Group == "" {
		return p.ID
	}
	return p.Group + "/" + p.ID
}

// MappingConfig routes a topic pattern to an event kind or a parameter path.
// Exactly one of Event and Parameter is set.
type MappingConfig struct {
	Topic     string   `json:"topic" yaml:"topic"`
	Event     string   `json:"event,omitempty" yaml:"event,omitempty"`
	Parameter string   `json:"parameter,omitempty" yaml:"parameter,omitempty"`
	Sensor    string   `json:"sensor,omitempty" yaml:"sensor,omitempty"`
	Extract   string   `json:"extract,omitempty" yaml:"extract,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Normalize bool     `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	Mode      string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Exponent  *float64 `json:"exponent,omitempty" yaml:"exponent,omitempty"`
	Publish   string   `json:"publish,omitempty" yaml:"publish,omitempty"` // reverse path topic for parameter mappings
}

// Mapping defaults
const (
	DefaultThreshold = 0.5
	DefaultExponent  = 2.0
)

// ThresholdOrDefault returns the threshold, 0.5 when unset
func (m MappingConfig) ThresholdOrDefault() float64 {
	if m.Threshold == nil {
		return DefaultThreshold
	}
	return *m.Threshold
}

// ExponentOrDefault returns the exponent, 2 when unset
func (m MappingConfig) ExponentOrDefault() float64 {
	if m.Exponent == nil {
		return DefaultExponent
	}
	return *m.Exponent
}

// MIDIConfig defines MIDI control-change input
type MIDIConfig struct {
	Enabled  bool                `json:"enabled" yaml:"enabled"`
	Port     string              `json:"port,omitempty" yaml:"port,omitempty"`
	Mappings []MIDIMappingConfig `json:"mappings,omitempty" yaml:"mappings,omitempty"`
}

// MIDIMappingConfig binds a controller number to a parameter path
type MIDIMappingConfig struct {
	CC      int    `json:"cc" yaml:"cc"`
	Channel int    `json:"channel" yaml:"channel"`
	Path    string `json:"path" yaml:"path"`
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Transport: TransportConfig{
			Backend:              BackendMQTT,
			Host:                 "localhost",
			Port:                 1883,
			KeepAliveSeconds:     60,
			CleanSession:         true,
			AutoReconnect:        true,
			ReconnectInterval:    time.Second,
			MaxReconnectInterval: time.Minute,
			ConnectTimeout:       10 * time.Second,
		},
		Registry: RegistryConfig{
			ConfigDir:       "config",
			DiscoveryTopics: []string{"discovery/#"},
			Discover:        true,
			AutoMap:         true,
			Store:           StoreFile,
			KVBucket:        "synthiot_devices",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...)
}

// Validate checks every section and returns all problems found
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.Transport.validate()...)
	errs = append(errs, c.Registry.validate()...)
	errs = append(errs, c.validateParameters()...)
	errs = append(errs, c.validateMappings()...)
	errs = append(errs, c.MIDI.validate()...)
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, invalid("metrics.port %d out of range", c.Metrics.Port))
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "validate configuration")
	}
	return nil
}

func (t TransportConfig) validate() []error {
	var errs []error
	switch t.Backend {
	case "", BackendMQTT, BackendNATS:
		if t.Host == "" {
			errs = append(errs, invalid("transport.host is required"))
		}
		if t.Port <= 0 || t.Port > 65535 {
			errs = append(errs, invalid("transport.port %d out of range", t.Port))
		}
	case BackendMemory:
	default:
		errs = append(errs, invalid("transport.backend %q unknown", t.Backend))
	}
	if t.KeepAliveSeconds < 0 {
		errs = append(errs, invalid("transport.keep_alive_seconds cannot be negative"))
	}
	if t.DefaultQoS < 0 || t.DefaultQoS > 2 {
		errs = append(errs, invalid("transport.default_qos %d not in 0..2", t.DefaultQoS))
	}
	if t.ReconnectInterval < 0 || t.MaxReconnectInterval < 0 {
		errs = append(errs, invalid("transport reconnect intervals cannot be negative"))
	}
	if t.MaxReconnectInterval > 0 && t.MaxReconnectInterval < t.ReconnectInterval {
		errs = append(errs, invalid("transport.max_reconnect_interval below reconnect_interval"))
	}
	if t.StatusTopic != "" {
		if err := topic.ValidateName(t.StatusTopic); err != nil {
			errs = append(errs, invalid("transport.status_topic: %v", err))
		}
	}
	if w := t.LastWill; w != nil {
		if err := topic.ValidateName(w.Topic); err != nil {
			errs = append(errs, invalid("transport.last_will.topic: %v", err))
		}
		if w.QoS < 0 || w.QoS > 2 {
			errs = append(errs, invalid("transport.last_will.qos %d not in 0..2", w.QoS))
		}
	}
	if c := t.TLS; c != nil && c.Enabled {
		if (c.CertFile == "") != (c.KeyFile == "") {
			errs = append(errs, invalid("transport.tls.cert_file and key_file must be set together"))
		}
		if !tlsutil.ValidVersion(c.MinVersion) {
			errs = append(errs, invalid("transport.tls.min_version %q not 1.2 or 1.3", c.MinVersion))
		}
	}
	return errs
}

func (r RegistryConfig) validate() []error {
	var errs []error
	for _, f := range r.DiscoveryTopics {
		if err := topic.ValidateFilter(f); err != nil {
			errs = append(errs, invalid("registry.discovery_topics %q: %v", f, err))
		}
	}
	switch r.Store {
	case "", StoreFile:
	case StoreKV:
		if r.KVBucket == "" {
			errs = append(errs, invalid("registry.kv_bucket is required with store=kv"))
		}
	default:
		errs = append(errs, invalid("registry.store %q unknown", r.Store))
	}
	return errs
}

var parameterKinds = map[string]struct{}{"float": {}, "int": {}, "bool": {}, "enum": {}, "trigger": {}}

func (c *Config) validateParameters() []error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Parameters))
	for i, p := range c.Parameters {
		where := fmt.Sprintf("parameters[%d]", i)
		if p.ID == "" {
			errs = append(errs, invalid("%s.id is required", where))
			continue
		}
		if _, dup := seen[p.Path()]; dup {
			errs = append(errs, invalid("%s: duplicate path %q", where, p.Path()))
		}
		seen[p.Path()] = struct{}{}

		if _, ok := parameterKinds[p.Kind]; !ok {
			errs = append(errs, invalid("%s.kind %q unknown", where, p.Kind))
			continue
		}
		switch p.Kind {
		case "float", "int":
			if p.Max <= p.Min {
				errs = append(errs, invalid("%s: max %g must exceed min %g", where, p.Max, p.Min))
			}
		case "enum":
			if len(p.Options) == 0 {
				errs = append(errs, invalid("%s: enum needs options", where))
			}
		}
		if p.Scale != "" {
			if _, err := param.ParseScale(p.Scale); err != nil {
				errs = append(errs, invalid("%s.scale: %v", where, err))
			}
		}
		if p.Smoothing < 0 {
			errs = append(errs, invalid("%s.smoothing cannot be negative", where))
		}
	}
	return errs
}

func (c *Config) validateMappings() []error {
	var errs []error
	for i, m := range c.Mappings {
		where := fmt.Sprintf("mappings[%d]", i)
		if err := topic.ValidateFilter(m.Topic); err != nil {
			errs = append(errs, invalid("%s.topic: %v", where, err))
		}
		if (m.Event == "") == (m.Parameter == "") {
			errs = append(errs, invalid("%s: set exactly one of event and parameter", where))
		}
		if _, err := iot.ParseMappingMode(m.Mode); err != nil {
			errs = append(errs, invalid("%s.mode: %v", where, err))
		}
		if _, err := iot.ParseExtractor(m.Extract); err != nil {
			errs = append(errs, invalid("%s.extract: %v", where, err))
		}
		switch {
		case (m.Min == nil) != (m.Max == nil):
			errs = append(errs, invalid("%s: set both min and max or neither", where))
		case m.Min != nil && *m.Max <= *m.Min:
			errs = append(errs, invalid("%s: max must exceed min", where))
		}
		if m.Publish != "" {
			if m.Parameter == "" {
				errs = append(errs, invalid("%s.publish needs a parameter mapping", where))
			} else if err := topic.ValidateName(m.Publish); err != nil {
				errs = append(errs, invalid("%s.publish: %v", where, err))
			}
		}
	}
	return errs
}

func (m MIDIConfig) validate() []error {
	var errs []error
	for i, mm := range m.Mappings {
		if mm.CC < 0 || mm.CC > 127 {
			errs = append(errs, invalid("midi.mappings[%d].cc %d not in 0..127", i, mm.CC))
		}
		if mm.Channel < 0 || mm.Channel > 15 {
			errs = append(errs, invalid("midi.mappings[%d].channel %d not in 0..15", i, mm.Channel))
		}
		if mm.Path == "" {
			errs = append(errs, invalid("midi.mappings[%d].path is required", i))
		}
	}
	return errs
}

// SaveToFile writes the configuration as JSON or YAML depending on the
// file extension
func (c *Config) SaveToFile(path string) error {
	data, err := marshalFor(path, c)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "encode configuration")
	}
	if err := writeLayer(path, data); err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
