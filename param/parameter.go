// Package param implements the hierarchical, typed parameter tree that
// drives the audio engine: Float, Int, Bool, Enum and Trigger parameters,
// groups addressed by slash-separated paths, and the Manager that owns the
// global registry, MIDI CC map and smoothing tick.
//
// Observer policy: a set made by an observer on the goroutine that is
// notifying (directly or through a cycle of other parameters) updates the
// value but does not notify again, so cycles terminate after one round.
// Sets from other goroutines during a round are never dropped: the
// notifying goroutine runs another round with the latest value.
package param

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/goid"
)

// Type discriminates the parameter kinds
type Type int

// Parameter kinds
const (
	TypeFloat Type = iota
	TypeInt
	TypeBool
	TypeEnum
	TypeTrigger
)

func (t Type) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeEnum:
		return "enum"
	case TypeTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// Observer is notified after a parameter's value changes
type Observer func(Parameter)

// ObserverID identifies an observer registration
type ObserverID uint64

// Parameter is the closed set of parameter kinds
type Parameter interface {
	ID() string
	Name() string
	Description() string
	Type() Type
	// Path is the slash-separated location in the tree, empty until added
	// to a group.
	Path() string

	IsVisible() bool
	SetVisible(bool)
	IsAutomatable() bool
	SetAutomatable(bool)

	// NormalizedValue projects the value onto [0,1]
	NormalizedValue() float64
	// SetNormalizedValue sets the value from a [0,1] projection
	SetNormalizedValue(x float64, notify bool)
	// SetFromFloat sets the value from a raw number using the kind's rule
	SetFromFloat(v float64, notify bool) error
	// FloatValue is the numeric value sent to the audio engine
	FloatValue() float64
	// ValueString formats the value for display
	ValueString() string

	AddObserver(Observer) ObserverID
	RemoveObserver(ObserverID) bool

	core() *base
}

type observerEntry struct {
	id ObserverID
	fn Observer
}

// base holds what every kind shares
type base struct {
	id          string
	name        string
	description string
	path        atomic.Pointer[string]

	visible     atomic.Bool
	automatable atomic.Bool
	notifier    atomic.Int64 // goroutine running observers, 0 when idle
	dirty       atomic.Bool
	owned       atomic.Bool

	obsMu     sync.Mutex
	nextObs   ObserverID
	observers atomic.Pointer[[]observerEntry]

	self Parameter
}

func (b *base) init(self Parameter, id, name string, o options) {
	b.self = self
	b.id = id
	b.name = name
	if b.name == "" {
		b.name = id
	}
	b.description = o.description
	b.visible.Store(!o.hidden)
	b.automatable.Store(!o.notAutomatable)
	empty := []observerEntry{}
	b.observers.Store(&empty)
	path := id
	b.path.Store(&path)
}

func (b *base) core() *base { return b }

func (b *base) ID() string { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Description() string { return b.description }
func (b *base) Path() string { return *b.path.Load() }

func (b *base) setPath(p string) { b.path.Store(&p) }

func (b *base) IsVisible() bool { return b.visible.Load() }
func (b *base) SetVisible(v bool) { b.visible.Store(v) }
func (b *base) IsAutomatable() bool { return b.automatable.Load() }
func (b *base) SetAutomatable(a bool) { b.automatable.Store(a) }

// AddObserver registers fn and returns its id
func (b *base) AddObserver(fn Observer) ObserverID {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	b.nextObs++
	current := *b.observers.Load()
	next := make([]observerEntry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, observerEntry{id: b.nextObs, fn: fn})
	b.observers.Store(&next)
	return b.nextObs
}

// RemoveObserver unregisters an observer
func (b *base) RemoveObserver(id ObserverID) bool {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()

	current := *b.observers.Load()
	for i, o := range current {
		if o.id == id {
			next := make([]observerEntry, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			b.observers.Store(&next)
			return true
		}
	}
	return false
}

func (b *base) notify() {
	g := goid.ID()
	if b.notifier.Load() == g {
		return
	}

	b.dirty.Store(true)
	for {
		if !b.notifier.CompareAndSwap(0, g) {
			// the running round picks up our value
			return
		}
		for b.dirty.Swap(false) {
			for _, o := range *b.observers.Load() {
				b.invoke(o.fn)
			}
		}
		b.notifier.Store(0)
		// a set that landed between the last round and the release
		if !b.dirty.Load() {
			return
		}
	}
}

func (b *base) invoke(fn Observer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("parameter observer failed",
				"component", "param", "parameter", b.Path(), "error", errors.FromPanic(r, "Parameter", "notify"))
		}
	}()
	fn(b.self)
}

func storeFloat(a *atomic.Uint64, v float64) { a.Store(math.Float64bits(v)) }
func loadFloat(a *atomic.Uint64) float64    { return math.Float64frombits(a.Load()) }

func clampFloat(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return lo
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func clampUnit(x float64) float64 { return clampFloat(x, 0, 1) }

// Value returns the typed value of p. Float parameters yield float64; Int
// and Enum yield int; Bool yields bool. Asking for any other type is a
// programming error reported as a fatal ErrTypeMismatch.
func Value[T any](p Parameter) (T, error) {
	var zero T
	var v any
	switch q := p.(type) {
	case *FloatParameter:
		v = q.Value()
	case *IntParameter:
		v = q.Value()
	case *BoolParameter:
		v = q.Value()
	case *EnumParameter:
		v = q.Value()
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	if p == nil {
		return zero, errors.WrapFatal(fmt.Errorf("%w: nil parameter", errors.ErrTypeMismatch), "param", "Value", "read value")
	}
	return zero, errors.WrapFatal(
		fmt.Errorf("%w: %s is %s, not %T", errors.ErrTypeMismatch, p.Path(), p.Type(), zero),
		"param", "Value", "read value")
}

// Option configures a parameter at construction
type Option func(*options)

type options struct {
	description    string
	unit           string
	scale          Scale
	smoothing      time.Duration
	hidden         bool
	notAutomatable bool
}

// WithDescription sets the description
func WithDescription(d string) Option { return func(o *options) { o.description = d } }

// WithUnit sets the display unit of Float and Int parameters
func WithUnit(u string) Option { return func(o *options) { o.unit = u } }

// WithScale sets the normalization curve of a Float parameter
func WithScale(s Scale) Option { return func(o *options) { o.scale = s } }

// WithSmoothing enables first-order smoothing with time constant tau
func WithSmoothing(tau time.Duration) Option { return func(o *options) { o.smoothing = tau } }

// Hidden marks the parameter invisible
func Hidden() Option { return func(o *options) { o.hidden = true } }

// NotAutomatable excludes the parameter from MIDI and IoT automation
func NotAutomatable() Option { return func(o *options) { o.notAutomatable = true } }

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
