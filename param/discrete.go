package param

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/c360/synthiot/errors"
)

// IntParameter is an integer in [min, max]
type IntParameter struct {
	base
	min   int
	max   int
	def   int
	unit  string
	value atomic.Int64
}

// NewInt creates an Int parameter; def is clamped into range
func NewInt(id, name string, min, max, def int, opts ...Option) (*IntParameter, error) {
	if id == "" || min > max {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: int parameter %q range [%d, %d]", errors.ErrInvalidValue, id, min, max),
			"param", "NewInt", "validate definition")
	}
	o := applyOptions(opts)
	p := &IntParameter{min: min, max: max, unit: o.unit}
	p.init(p, id, name, o)
	p.def = clampInt(def, min, max)
	p.value.Store(int64(p.def))
	return p, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *IntParameter) Type() Type { return TypeInt }

// Min returns the lower bound
func (p *IntParameter) Min() int { return p.min }

// Max returns the upper bound
func (p *IntParameter) Max() int { return p.max }

// Default returns the default value
func (p *IntParameter) Default() int { return p.def }

// Value returns the current value
func (p *IntParameter) Value() int { return int(p.value.Load()) }

// FloatValue returns the value as float64
func (p *IntParameter) FloatValue() float64 { return float64(p.Value()) }

// SetValue clamps v into range
func (p *IntParameter) SetValue(v int, notify bool) {
	p.value.Store(int64(clampInt(v, p.min, p.max)))
	if notify {
		p.notify()
	}
}

// SetFromFloat rounds v to the nearest integer and clamps it
func (p *IntParameter) SetFromFloat(v float64, notify bool) error {
	if math.IsNaN(v) {
		return errors.WrapInvalid(fmt.Errorf("%w: NaN", errors.ErrInvalidValue), "IntParameter", "SetFromFloat", "convert value")
	}
	r := math.Round(v)
	switch {
	case r < float64(p.min):
		p.SetValue(p.min, notify)
	case r > float64(p.max):
		p.SetValue(p.max, notify)
	default:
		p.SetValue(int(r), notify)
	}
	return nil
}

// NormalizedValue maps the value linearly onto [0,1]
func (p *IntParameter) NormalizedValue() float64 {
	if p.max == p.min {
		return 0
	}
	return float64(p.Value()-p.min) / float64(p.max-p.min)
}

// SetNormalizedValue sets the nearest integer to min + x·(max-min)
func (p *IntParameter) SetNormalizedValue(x float64, notify bool) {
	v := float64(p.min) + clampUnit(x)*float64(p.max-p.min)
	p.SetValue(int(math.Round(v)), notify)
}

// ValueString formats the value with its unit
func (p *IntParameter) ValueString() string {
	if p.unit == "" {
		return strconv.Itoa(p.Value())
	}
	return strconv.Itoa(p.Value()) + " " + p.unit
}

// BoolParameter is an on/off switch
type BoolParameter struct {
	base
	def   bool
	value atomic.Bool
}

// NewBool creates a Bool parameter
func NewBool(id, name string, def bool, opts ...Option) (*BoolParameter, error) {
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty parameter id", errors.ErrInvalidValue), "param", "NewBool", "validate id")
	}
	o := applyOptions(opts)
	p := &BoolParameter{def: def}
	p.init(p, id, name, o)
	p.value.Store(def)
	return p, nil
}

func (p *BoolParameter) Type() Type { return TypeBool }

// Default returns the default value
func (p *BoolParameter) Default() bool { return p.def }

// Value returns the current value
func (p *BoolParameter) Value() bool { return p.value.Load() }

// FloatValue returns 1 for on and 0 for off
func (p *BoolParameter) FloatValue() float64 {
	if p.Value() {
		return 1
	}
	return 0
}

// SetValue sets the value
func (p *BoolParameter) SetValue(v bool, notify bool) {
	p.value.Store(v)
	if notify {
		p.notify()
	}
}

// SetFromFloat treats v >= 0.5 as on
func (p *BoolParameter) SetFromFloat(v float64, notify bool) error {
	p.SetValue(v >= 0.5, notify)
	return nil
}

// NormalizedValue is 1 for on and 0 for off
func (p *BoolParameter) NormalizedValue() float64 { return p.FloatValue() }

// SetNormalizedValue treats x >= 0.5 as on
func (p *BoolParameter) SetNormalizedValue(x float64, notify bool) {
	p.SetValue(x >= 0.5, notify)
}

// ValueString returns "On" or "Off"
func (p *BoolParameter) ValueString() string {
	if p.Value() {
		return "On"
	}
	return "Off"
}

// EnumEntry is one choice of an Enum parameter
type EnumEntry struct {
	Value       int
	Name        string
	Description string
}

// EnumParameter holds one of a fixed, ordered list of entries
type EnumParameter struct {
	base
	entries []EnumEntry
	index   map[int]int
	def     int
	value   atomic.Int64
}

// NewEnum creates an Enum parameter. def must be one of the entry values.
func NewEnum(id, name string, entries []EnumEntry, def int, opts ...Option) (*EnumParameter, error) {
	if id == "" || len(entries) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: enum parameter %q needs entries", errors.ErrInvalidValue, id),
			"param", "NewEnum", "validate definition")
	}
	index := make(map[int]int, len(entries))
	for i, e := range entries {
		if _, dup := index[e.Value]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate enum value %d", errors.ErrInvalidValue, e.Value),
				"param", "NewEnum", "validate entries")
		}
		index[e.Value] = i
	}
	if _, ok := index[def]; !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: default %d is not an entry", errors.ErrInvalidValue, def),
			"param", "NewEnum", "validate default")
	}

	o := applyOptions(opts)
	p := &EnumParameter{entries: append([]EnumEntry(nil), entries...), index: index, def: def}
	p.init(p, id, name, o)
	p.value.Store(int64(def))
	return p, nil
}

func (p *EnumParameter) Type() Type { return TypeEnum }

// Entries returns a copy of the entries
func (p *EnumParameter) Entries() []EnumEntry { return append([]EnumEntry(nil), p.entries...) }

// Default returns the default entry value
func (p *EnumParameter) Default() int { return p.def }

// Value returns the current entry value
func (p *EnumParameter) Value() int { return int(p.value.Load()) }

// Index returns the position of the current entry
func (p *EnumParameter) Index() int { return p.index[p.Value()] }

// FloatValue returns the entry value as float64
func (p *EnumParameter) FloatValue() float64 { return float64(p.Value()) }

// SetValue selects the entry with value v. Unknown values are rejected and
// leave the parameter unchanged.
func (p *EnumParameter) SetValue(v int, notify bool) error {
	if _, ok := p.index[v]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %d is not an entry of %s", errors.ErrInvalidValue, v, p.Path()),
			"EnumParameter", "SetValue", "select entry")
	}
	p.value.Store(int64(v))
	if notify {
		p.notify()
	}
	return nil
}

// SetFromFloat rounds v and selects that entry value
func (p *EnumParameter) SetFromFloat(v float64, notify bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidValue, v), "EnumParameter", "SetFromFloat", "convert value")
	}
	return p.SetValue(int(math.Round(v)), notify)
}

// NormalizedValue maps the entry index onto [0,1]
func (p *EnumParameter) NormalizedValue() float64 {
	if len(p.entries) < 2 {
		return 0
	}
	return float64(p.Index()) / float64(len(p.entries)-1)
}

// SetNormalizedValue selects the entry nearest to x·(n-1)
func (p *EnumParameter) SetNormalizedValue(x float64, notify bool) {
	i := int(math.Round(clampUnit(x) * float64(len(p.entries)-1)))
	_ = p.SetValue(p.entries[i].Value, notify)
}

// ValueString returns the current entry's name
func (p *EnumParameter) ValueString() string {
	return p.entries[p.Index()].Name
}

// TriggerParameter has no persistent value; Trigger fires observers and
// trigger listeners, then resets.
type TriggerParameter struct {
	base
	firing atomic.Bool

	listenersMu sync.Mutex
	listeners   atomic.Pointer[[]func()]
}

// NewTrigger creates a Trigger parameter
func NewTrigger(id, name string, opts ...Option) (*TriggerParameter, error) {
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty parameter id", errors.ErrInvalidValue), "param", "NewTrigger", "validate id")
	}
	o := applyOptions(opts)
	p := &TriggerParameter{}
	p.init(p, id, name, o)
	empty := []func(){}
	p.listeners.Store(&empty)
	return p, nil
}

func (p *TriggerParameter) Type() Type { return TypeTrigger }

// AddTriggerListener registers fn to run on every trigger
func (p *TriggerParameter) AddTriggerListener(fn func()) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	current := *p.listeners.Load()
	next := make([]func(), len(current), len(current)+1)
	copy(next, current)
	next = append(next, fn)
	p.listeners.Store(&next)
}

// Trigger fires the edge
func (p *TriggerParameter) Trigger() {
	p.firing.Store(true)
	defer p.firing.Store(false)

	p.notify()
	for _, fn := range *p.listeners.Load() {
		p.invoke(func(Parameter) { fn() })
	}
}

// IsFiring reports whether a trigger is being delivered
func (p *TriggerParameter) IsFiring() bool { return p.firing.Load() }

// FloatValue is 1 while firing and 0 otherwise
func (p *TriggerParameter) FloatValue() float64 {
	if p.IsFiring() {
		return 1
	}
	return 0
}

// SetFromFloat fires when v > 0
func (p *TriggerParameter) SetFromFloat(v float64, _ bool) error {
	if v > 0 {
		p.Trigger()
	}
	return nil
}

// NormalizedValue is 1 while firing and 0 otherwise
func (p *TriggerParameter) NormalizedValue() float64 { return p.FloatValue() }

// SetNormalizedValue fires when x >= 0.5
func (p *TriggerParameter) SetNormalizedValue(x float64, _ bool) {
	if x >= 0.5 {
		p.Trigger()
	}
}

// ValueString returns "Trigger"
func (p *TriggerParameter) ValueString() string { return "Trigger" }
