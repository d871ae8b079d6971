package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/safefile"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SYNTHIOT"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// loadRaw reads one layer as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	} else {
		if err := safefile.CheckDepth(data, safefile.MaxDepth); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	if err := validateLayer(raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings ("250ms", "1m") to nanoseconds
// so they unmarshal into time.Duration fields
func parseDurations(data map[string]any) error {
	if t, ok := data["transport"].(map[string]any); ok {
		for _, key := range []string{"reconnect_interval", "max_reconnect_interval", "connect_timeout"} {
			if err := parseDurationKey(t, key, "transport."+key); err != nil {
				return err
			}
		}
	}
	if params, ok := data["parameters"].([]any); ok {
		for i, p := range params {
			if pm, ok := p.(map[string]any); ok {
				if err := parseDurationKey(pm, "smoothing", fmt.Sprintf("parameters[%d].smoothing", i)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func parseDurationKey(m map[string]any, key, where string) error {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, where, err)
	}
	m[key] = d.Nanoseconds()
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
		return nil
	}
	num := func(name string, dst *int) error {
		var raw string
		if err := str(name, &raw); err != nil || raw == "" {
			return err
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s_%s=%q is not a number", errors.ErrInvalidConfig, l.envPrefix, name, raw)
		}
		*dst = n
		return nil
	}

	for _, apply := range []func() error{
		func() error { return str("TRANSPORT_BACKEND", &cfg.Transport.Backend) },
		func() error { return str("TRANSPORT_HOST", &cfg.Transport.Host) },
		func() error { return num("TRANSPORT_PORT", &cfg.Transport.Port) },
		func() error { return str("TRANSPORT_CLIENT_ID", &cfg.Transport.ClientID) },
		func() error { return str("TRANSPORT_USERNAME", &cfg.Transport.Username) },
		func() error { return str("TRANSPORT_PASSWORD", &cfg.Transport.Password) },
		func() error {
			var ca string
			if err := str("TRANSPORT_TLS_CA_FILE", &ca); err != nil || ca == "" {
				return err
			}
			if cfg.Transport.TLS == nil {
				cfg.Transport.TLS = &TLSConfig{}
			}
			cfg.Transport.TLS.Enabled = true
			cfg.Transport.TLS.CAFiles = append(cfg.Transport.TLS.CAFiles, ca)
			return nil
		},
		func() error { return str("REGISTRY_CONFIG_DIR", &cfg.Registry.ConfigDir) },
		func() error { return str("REGISTRY_NATS_URL", &cfg.Registry.NATSURL) },
		func() error { return str("MIDI_PORT", &cfg.MIDI.Port) },
		func() error { return num("METRICS_PORT", &cfg.Metrics.Port) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func marshalFor(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
