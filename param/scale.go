package param

import (
	"fmt"
	"math"
	"strings"

	"github.com/c360/synthiot/errors"
)

// Scale is the curve between a Float parameter's range and [0,1]
type Scale int

// Normalization curves
const (
	ScaleLinear Scale = iota
	// ScaleExponential maps x to min·(max/min)^x. It needs min > 0 and
	// falls back to linear otherwise.
	ScaleExponential
	// ScaleLogarithmic maps x through log10(1+9x)
	ScaleLogarithmic
	// ScaleQuadratic maps x through x²
	ScaleQuadratic
)

func (s Scale) String() string {
	switch s {
	case ScaleLinear:
		return "linear"
	case ScaleExponential:
		return "exponential"
	case ScaleLogarithmic:
		return "logarithmic"
	case ScaleQuadratic:
		return "quadratic"
	default:
		return "unknown"
	}
}

// ParseScale parses a scale name as used in configuration
func ParseScale(name string) (Scale, error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return ScaleLinear, nil
	case "exponential", "exp":
		return ScaleExponential, nil
	case "logarithmic", "log":
		return ScaleLogarithmic, nil
	case "quadratic":
		return ScaleQuadratic, nil
	default:
		return ScaleLinear, errors.WrapInvalid(fmt.Errorf("%w: unknown scale %q", errors.ErrInvalidValue, name),
			"param", "ParseScale", "parse scale")
	}
}

func (s Scale) fromNormalized(x, min, max float64) float64 {
	x = clampUnit(x)
	switch s {
	case ScaleExponential:
		if min > 0 {
			return min * math.Pow(max/min, x)
		}
	case ScaleLogarithmic:
		return min + (max-min)*math.Log10(1+9*x)
	case ScaleQuadratic:
		return min + (max-min)*x*x
	}
	return min + (max-min)*x
}

func (s Scale) toNormalized(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	switch s {
	case ScaleExponential:
		if min > 0 {
			if v <= min {
				return 0
			}
			return clampUnit(math.Log(v/min) / math.Log(max/min))
		}
	case ScaleLogarithmic:
		lin := clampUnit((v - min) / (max - min))
		return clampUnit((math.Pow(10, lin) - 1) / 9)
	case ScaleQuadratic:
		return math.Sqrt(clampUnit((v - min) / (max - min)))
	}
	return clampUnit((v - min) / (max - min))
}
