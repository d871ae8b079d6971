package iot

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/errors"
)

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{"22.5", 22.5, false},
		{"temp=-3.25C", -3.25, false},
		{"+7", 7, false},
		{`{"t": 19}`, 19, false},
		{"no digits", 0, true},
		{".", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			v, err := ExtractNumber(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrConversionFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestExtractTruthy(t *testing.T) {
	for _, p := range []string{"1", "true", "True", "detected", "motion", "on", "pressed", "down", "high", "connected", " on "} {
		v, err := ExtractTruthy(p)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v, p)
	}
	for _, p := range []string{"0", "false", "TRUE", "off", "", "idle"} {
		v, err := ExtractTruthy(p)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v, p)
	}
}

func TestExtractJSONKey(t *testing.T) {
	v, err := ExtractJSONKey("value")(`{"id":"s1", "value" : 0.75, "unit":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)

	v, err = ExtractJSONKey("value")(`{"value":"12.5"}`)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = ExtractJSONKey("on")(`{"on":true}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, err = ExtractJSONKey("value")(`{"other":1}`)
	assert.Error(t, err)

	raw, ok := JSONValue(`{"state": "on"}`, "state")
	assert.True(t, ok)
	assert.Equal(t, "on", raw)
}

func TestExtractCSV(t *testing.T) {
	v, err := ExtractCSV(1)("47.6, -122.3, 12")
	require.NoError(t, err)
	assert.Equal(t, -122.3, v)

	_, err = ExtractCSV(5)("1,2")
	assert.Error(t, err)
}

func TestExtractMagnitude(t *testing.T) {
	v, err := ExtractMagnitude(`{"x":3,"y":4,"z":0}`)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = ExtractMagnitude("1,2,2")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = ExtractMagnitude("1,2")
	assert.Error(t, err)
	_, err = ExtractMagnitude(`{"x":1,"y":2}`)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	n := Normalize(-20, 40)
	assert.InDelta(t, 0.70833, n(22.5), 1e-5)
	assert.Equal(t, 0.0, n(-100))
	assert.Equal(t, 1.0, n(100))
	assert.Equal(t, 0.0, Normalize(1, 1)(5))
}

func TestMappers(t *testing.T) {
	tests := []struct {
		mode MappingMode
		in   float64
		want float64
	}{
		{ModeLinear, 0.3, 0.3},
		{ModeExponential, 0.5, 0.25},
		{ModeExponential, -1, 0},
		{ModeLogarithmic, 1, 1},
		{ModeLogarithmic, math.Exp(-6.9), 0},
		{ModeLogarithmic, 0, 0},
		{ModeThreshold, 0.5, 1},
		{ModeThreshold, 0.49, 0},
		{ModeInverse, 0.25, 0.75},
		{ModeToggle, 0.01, 1},
		{ModeToggle, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			m := NewMapper(tt.mode, 0.5, 2)
			assert.InDelta(t, tt.want, m(tt.in), 1e-9)
		})
	}
}

func TestParseMappingMode(t *testing.T) {
	for i, name := range modeNames {
		mode, err := ParseMappingMode(name)
		require.NoError(t, err)
		assert.Equal(t, MappingMode(i), mode)
	}
	mode, err := ParseMappingMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLinear, mode)

	_, err = ParseMappingMode("cubic")
	assert.Error(t, err)
}

func TestCompose(t *testing.T) {
	conv := Compose(ExtractNumber, Normalize(0, 10), NewMapper(ModeInverse, 0, 0))
	v, err := conv("2.5")
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)

	_, err = conv("nothing")
	assert.Error(t, err)

	identity := Compose(nil, nil, nil)
	v, err = identity("42")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestLookupSensor(t *testing.T) {
	for _, st := range SensorTypes() {
		spec, ok := LookupSensor(st)
		assert.True(t, ok, st)
		assert.Less(t, spec.Min, spec.Max, st)
		assert.NotNil(t, spec.Extract, st)
	}

	spec, ok := LookupSensor("barometer9000")
	assert.False(t, ok)
	v, err := spec.Extract("value 12")
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
}

func TestParseExtractor(t *testing.T) {
	tests := []struct {
		spec    string
		payload string
		want    float64
	}{
		{"", "t=21.5C", 21.5},
		{"number", "42", 42},
		{"truthy", "pressed", 1},
		{"json:lux", `{"lux": 320, "battery": 90}`, 320},
		{"csv:1", "1.5,2.5,3.5", 2.5},
		{"magnitude", "3,4,0", 5},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			ex, err := ParseExtractor(tt.spec)
			require.NoError(t, err)
			v, err := ex(tt.payload)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}

	for _, bad := range []string{"json", "json:", "csv:x", "csv:-1", "xml"} {
		_, err := ParseExtractor(bad)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig, bad)
	}
}
