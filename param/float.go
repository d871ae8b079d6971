package param

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/c360/synthiot/errors"
)

// FloatParameter is a continuous value in [min, max]. With smoothing
// enabled, setters move the target and UpdateSmoothing glides the current
// value toward it.
type FloatParameter struct {
	base
	min   float64
	max   float64
	def   float64
	unit  string
	scale Scale

	current atomic.Uint64
	target  atomic.Uint64
	tau     atomic.Uint64 // seconds as float bits, zero disables smoothing
}

// NewFloat creates a Float parameter. min must be below max; def is clamped.
func NewFloat(id, name string, min, max, def float64, opts ...Option) (*FloatParameter, error) {
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty parameter id", errors.ErrInvalidValue), "param", "NewFloat", "validate id")
	}
	if !(min < max) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: range [%g, %g]", errors.ErrInvalidValue, min, max),
			"param", "NewFloat", "validate range")
	}
	o := applyOptions(opts)
	p := &FloatParameter{min: min, max: max, unit: o.unit, scale: o.scale}
	p.init(p, id, name, o)
	p.def = clampFloat(def, min, max)
	storeFloat(&p.current, p.def)
	storeFloat(&p.target, p.def)
	if o.smoothing > 0 {
		storeFloat(&p.tau, o.smoothing.Seconds())
	}
	return p, nil
}

func (p *FloatParameter) Type() Type { return TypeFloat }

// Min returns the lower bound
func (p *FloatParameter) Min() float64 { return p.min }

// Max returns the upper bound
func (p *FloatParameter) Max() float64 { return p.max }

// Default returns the default value
func (p *FloatParameter) Default() float64 { return p.def }

// Scale returns the normalization curve
func (p *FloatParameter) Scale() Scale { return p.scale }

// Unit returns the display unit
func (p *FloatParameter) Unit() string { return p.unit }

// Value returns the current (possibly smoothed) value
func (p *FloatParameter) Value() float64 { return loadFloat(&p.current) }

// Target returns the value the parameter is moving toward
func (p *FloatParameter) Target() float64 { return loadFloat(&p.target) }

// FloatValue returns the current value
func (p *FloatParameter) FloatValue() float64 { return p.Value() }

// SetValue clamps v into range. Without smoothing the current value jumps
// and observers are notified once; with smoothing only the target moves.
func (p *FloatParameter) SetValue(v float64, notify bool) {
	v = clampFloat(v, p.min, p.max)
	storeFloat(&p.target, v)
	if p.IsSmoothing() {
		return
	}
	storeFloat(&p.current, v)
	if notify {
		p.notify()
	}
}

// SetFromFloat sets the value; it never fails for Float parameters
func (p *FloatParameter) SetFromFloat(v float64, notify bool) error {
	p.SetValue(v, notify)
	return nil
}

// NormalizedValue projects the target through the parameter's scale
func (p *FloatParameter) NormalizedValue() float64 {
	return p.scale.toNormalized(p.Target(), p.min, p.max)
}

// SetNormalizedValue sets the value from a [0,1] projection
func (p *FloatParameter) SetNormalizedValue(x float64, notify bool) {
	p.SetValue(p.scale.fromNormalized(x, p.min, p.max), notify)
}

// SetSmoothing sets the smoothing time constant; zero disables smoothing
// and snaps the current value to the target.
func (p *FloatParameter) SetSmoothing(tau time.Duration) {
	if tau <= 0 {
		p.tau.Store(0)
		storeFloat(&p.current, p.Target())
		return
	}
	storeFloat(&p.tau, tau.Seconds())
}

// IsSmoothing reports whether smoothing is enabled
func (p *FloatParameter) IsSmoothing() bool { return p.tau.Load() != 0 }

// UpdateSmoothing advances the first-order filter by dt with coefficient
// clamp(dt/tau, 0, 1). Observers are notified when the current value
// moves. It reports whether the value moved.
func (p *FloatParameter) UpdateSmoothing(dt time.Duration) bool {
	tau := loadFloat(&p.tau)
	if tau <= 0 {
		return false
	}
	cur := p.Value()
	tgt := p.Target()
	if cur == tgt {
		return false
	}

	coeff := clampUnit(dt.Seconds() / tau)
	next := cur + (tgt-cur)*coeff
	if math.Abs(tgt-next) <= (p.max-p.min)*1e-7 {
		next = tgt
	}
	if next == cur {
		return false
	}
	storeFloat(&p.current, next)
	p.notify()
	return true
}

// ValueString formats the current value with its unit
func (p *FloatParameter) ValueString() string {
	if p.unit == "" {
		return fmt.Sprintf("%.2f", p.Value())
	}
	return fmt.Sprintf("%.2f %s", p.Value(), p.unit)
}
