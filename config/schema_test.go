package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/errors"
)

func TestSchema_IsValidJSON(t *testing.T) {
	var doc map[string]any
	require.NoError(t, json.Unmarshal(Schema(), &doc))
	assert.Equal(t, "object", doc["type"])
}

func TestValidateLayer(t *testing.T) {
	tests := []struct {
		name    string
		layer   string
		wantErr string
	}{
		{name: "empty", layer: `{}`},
		{name: "defaults round trip", layer: Default().String()},
		{name: "duration string", layer: `{"transport": {"connect_timeout": "2s"}}`},
		{name: "unknown top-level key", layer: `{"transprot": {}}`, wantErr: "transprot"},
		{name: "unknown section key", layer: `{"transport": {"hots": "x"}}`, wantErr: "hots"},
		{name: "wrong type", layer: `{"metrics": {"enabled": "yes"}}`, wantErr: "metrics.enabled"},
		{name: "qos out of range", layer: `{"transport": {"default_qos": 3}}`, wantErr: "default_qos"},
		{name: "mapping without topic", layer: `{"mappings": [{"event": "x"}]}`, wantErr: "topic"},
		{name: "mapping min without max", layer: `{"mappings": [{"topic": "t", "event": "x", "min": 0}]}`, wantErr: "max"},
		{name: "tls version", layer: `{"transport": {"tls": {"enabled": true, "min_version": "1.1"}}}`, wantErr: "min_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.layer), &raw))

			err := validateLayer(raw)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_RejectsUnknownYAMLKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), "typo.yaml", "midi:\n  enabled: true\n  prot: nanoKONTROL\n")
	_, err := newTestLoader(nil).LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "prot")
}
