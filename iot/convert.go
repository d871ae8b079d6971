package iot

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360/synthiot/errors"
)

// Extractor turns a payload into a raw number
type Extractor func(payload string) (float64, error)

// Normalizer maps a raw number onto [0,1]
type Normalizer func(v float64) float64

// Mapper reshapes a converted value
type Mapper func(v float64) float64

// FloatConverter is a complete payload→float conversion
type FloatConverter func(payload string) (float64, error)

// MessageConverter produces the value carried by an event
type MessageConverter func(payload string) (any, error)

var numberPattern = regexp.MustCompile(`[+-]?[0-9.]+`)

var truthy = map[string]struct{}{
	"1": {}, "true": {}, "True": {}, "detected": {}, "motion": {},
	"on": {}, "pressed": {}, "down": {}, "high": {}, "connected": {},
}

func conversionError(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrConversionFailed}, args...)...),
		"iot", "convert", "convert payload")
}

// ExtractNumber returns the first decimal number in the payload
func ExtractNumber(payload string) (float64, error) {
	m := numberPattern.FindString(payload)
	if m == "" {
		return 0, conversionError("no number in %q", payload)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, conversionError("%q is not a number", m)
	}
	return v, nil
}

// ExtractTruthy returns 1 for the truthy words (1, true, on, pressed, ...)
// and 0 for anything else
func ExtractTruthy(payload string) (float64, error) {
	if IsTruthy(payload) {
		return 1, nil
	}
	return 0, nil
}

// IsTruthy reports whether payload is one of the truthy words
func IsTruthy(payload string) bool {
	_, ok := truthy[strings.TrimSpace(payload)]
	return ok
}

// JSONValue returns the raw text of "key": value in a JSON-like payload,
// trimmed and unquoted
func JSONValue(payload, key string) (string, bool) {
	re, err := regexp.Compile(`"` + regexp.QuoteMeta(key) + `"\s*:\s*("[^"]*"|[^,}\]]+)`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(payload)
	if m == nil {
		return "", false
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"`), true
}

// ExtractJSONKey reads a number (or true/false) stored under key
func ExtractJSONKey(key string) Extractor {
	return func(payload string) (float64, error) {
		raw, ok := JSONValue(payload, key)
		if !ok {
			return 0, conversionError("key %q not found", key)
		}
		switch raw {
		case "true":
			return 1, nil
		case "false":
			return 0, nil
		}
		return ExtractNumber(raw)
	}
}

// ExtractCSV reads the number in column index of a comma-separated payload
func ExtractCSV(index int) Extractor {
	return func(payload string) (float64, error) {
		fields := strings.Split(payload, ",")
		if index < 0 || index >= len(fields) {
			return 0, conversionError("column %d out of %d", index, len(fields))
		}
		return ExtractNumber(fields[index])
	}
}

// ParseExtractor builds an extractor from its configuration name: "" or
// "number", "truthy", "magnitude", "json:<key>" or "csv:<column>".
func ParseExtractor(spec string) (Extractor, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch strings.ToLower(name) {
	case "", "number":
		return ExtractNumber, nil
	case "truthy":
		return ExtractTruthy, nil
	case "magnitude":
		return ExtractMagnitude, nil
	case "json":
		if arg == "" {
			break
		}
		return ExtractJSONKey(arg), nil
	case "csv":
		col, err := strconv.Atoi(arg)
		if err != nil || col < 0 {
			break
		}
		return ExtractCSV(col), nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown extractor %q", errors.ErrInvalidConfig, spec),
		"iot", "ParseExtractor", "parse extractor")
}

// ExtractMagnitude reads a 3-axis vector given as {"x":..,"y":..,"z":..}
// or x,y,z and returns its length
func ExtractMagnitude(payload string) (float64, error) {
	var axes [3]float64
	if strings.Contains(payload, "{") {
		for i, key := range []string{"x", "y", "z"} {
			v, err := ExtractJSONKey(key)(payload)
			if err != nil {
				return 0, err
			}
			axes[i] = v
		}
	} else {
		fields := strings.Split(payload, ",")
		if len(fields) != 3 {
			return 0, conversionError("vector needs 3 components, got %d", len(fields))
		}
		for i, f := range fields {
			v, err := ExtractNumber(f)
			if err != nil {
				return 0, err
			}
			axes[i] = v
		}
	}
	return math.Sqrt(axes[0]*axes[0] + axes[1]*axes[1] + axes[2]*axes[2]), nil
}

// Normalize maps [min,max] linearly onto [0,1], clamping outside values
func Normalize(min, max float64) Normalizer {
	return func(v float64) float64 {
		if max <= min {
			return 0
		}
		return clamp01((v - min) / (max - min))
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// MappingMode selects the post-conversion mapper
type MappingMode int

// Mapping modes
const (
	ModeLinear MappingMode = iota
	ModeExponential
	ModeLogarithmic
	ModeThreshold
	ModeInverse
	ModeToggle
)

var modeNames = []string{"linear", "exponential", "logarithmic", "threshold", "inverse", "toggle"}

func (m MappingMode) String() string {
	if int(m) < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ParseMappingMode parses a mode name; the empty string is linear
func ParseMappingMode(name string) (MappingMode, error) {
	if name == "" {
		return ModeLinear, nil
	}
	for i, n := range modeNames {
		if strings.EqualFold(n, name) {
			return MappingMode(i), nil
		}
	}
	return ModeLinear, errors.WrapInvalid(fmt.Errorf("%w: unknown mapping mode %q", errors.ErrInvalidConfig, name),
		"iot", "ParseMappingMode", "parse mode")
}

// NewMapper builds the mapper for a mode
func NewMapper(mode MappingMode, threshold, exponent float64) Mapper {
	switch mode {
	case ModeExponential:
		return func(v float64) float64 {
			if v <= 0 {
				return 0
			}
			return math.Pow(v, exponent)
		}
	case ModeLogarithmic:
		return func(v float64) float64 {
			if v <= 0 {
				return 0
			}
			return clamp01((math.Log(v) + 6.9) / 6.9)
		}
	case ModeThreshold:
		return func(v float64) float64 {
			if v >= threshold {
				return 1
			}
			return 0
		}
	case ModeInverse:
		return func(v float64) float64 { return 1 - v }
	case ModeToggle:
		return func(v float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		}
	default:
		return func(v float64) float64 { return v }
	}
}

// Compose chains extraction, optional normalization and optional mapping
// into one converter
func Compose(extract Extractor, normalize Normalizer, mapper Mapper) FloatConverter {
	if extract == nil {
		extract = ExtractNumber
	}
	return func(payload string) (float64, error) {
		v, err := extract(payload)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, conversionError("value %v out of range", v)
		}
		if normalize != nil {
			v = normalize(v)
		}
		if mapper != nil {
			v = mapper(v)
		}
		return v, nil
	}
}
