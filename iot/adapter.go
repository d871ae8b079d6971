// Package iot routes broker messages to event bus events and parameters.
//
// Each mapping binds a topic pattern to a sink: an event kind or a
// parameter. Payloads pass through a converter composed from three pure
// stages (extract, normalize, map) built when the mapping's pattern is
// configured, so conversion never takes the adapter's lock.
package iot

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/eventbus"
	"github.com/c360/synthiot/metric"
	"github.com/c360/synthiot/param"
	"github.com/c360/synthiot/topic"
	"github.com/c360/synthiot/transport"
)

// HandlerOwner is the name the adapter registers its global handler under
const HandlerOwner = "iot-adapter"

// Transport is the part of the broker client the adapter uses
type Transport interface {
	AddMessageHandler(owner string, fn transport.MessageHandler)
	RemoveMessageHandler(owner string) bool
	Subscribe(filter string) error
	Publish(name string, payload []byte) error
}

// Dispatcher receives events produced by event mappings
type Dispatcher interface {
	DispatchEvent(eventbus.Event)
}

// Sink kinds
const (
	SinkEvent     = "event"
	SinkParameter = "parameter"
)

// patternConfig is everything configured for one topic pattern
type patternConfig struct {
	sensor    *SensorSpec
	normalize bool
	mode      MappingMode
	threshold float64
	exponent  float64
	floatConv FloatConverter
	message   MessageConverter
}

// pipeline is the compiled, immutable conversion of a pattern
type pipeline struct {
	float      FloatConverter
	message    MessageConverter
	normalized bool
}

func (c patternConfig) compile() pipeline {
	var (
		extract   Extractor = ExtractNumber
		normalize Normalizer
	)
	if c.sensor != nil {
		extract = c.sensor.Extract
		if c.normalize {
			normalize = Normalize(c.sensor.Min, c.sensor.Max)
		}
	}
	if c.floatConv != nil {
		extract = Extractor(c.floatConv)
	}
	var mapper Mapper
	if c.mode != ModeLinear {
		mapper = NewMapper(c.mode, c.threshold, c.exponent)
	}
	return pipeline{
		float:      Compose(extract, normalize, mapper),
		message:    c.message,
		normalized: normalize != nil,
	}
}

type mapping struct {
	pattern   string
	sink      string
	eventKind string
	param     param.Parameter
	pipe      pipeline
}

// MappingInfo describes an installed mapping
type MappingInfo struct {
	Pattern string `json:"pattern"`
	Sink    string `json:"sink"`
	Target  string `json:"target"`
}

type publisher struct {
	param    param.Parameter
	observer param.ObserverID
	last     atomic.Pointer[string]
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger.With("component", "iot")
		}
	}
}

// WithMetrics enables mapping metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter routes inbound messages through its mappings
type Adapter struct {
	transport Transport
	bus       Dispatcher
	logger    *slog.Logger
	metrics   *metric.Metrics
	running   atomic.Bool

	mu       sync.RWMutex
	mappings []mapping
	configs  map[string]patternConfig

	pubMu      sync.Mutex
	publishers map[string]*publisher
}

// NewAdapter creates an adapter. t may be nil when messages are fed
// through HandleMessage directly; bus may be nil when only parameter
// mappings are used.
func NewAdapter(t Transport, bus Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		transport:  t,
		bus:        bus,
		logger:     slog.Default().With("component", "iot"),
		configs:    make(map[string]patternConfig),
		publishers: make(map[string]*publisher),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start attaches the adapter to the transport and subscribes every mapped
// pattern
func (a *Adapter) Start() error {
	if a.transport == nil {
		return errors.WrapFatal(fmt.Errorf("%w: no transport", errors.ErrNotStarted), "Adapter", "Start", "attach transport")
	}
	if !a.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Adapter", "Start", "attach transport")
	}
	a.transport.AddMessageHandler(HandlerOwner, a.HandleMessage)

	a.mu.RLock()
	patterns := a.patternsLocked()
	a.mu.RUnlock()
	for _, p := range patterns {
		a.subscribe(p)
	}
	a.logger.Info("adapter started", "mappings", len(patterns))
	return nil
}

// Stop detaches the adapter from the transport. Subscriptions stay in
// place; other handlers may rely on them.
func (a *Adapter) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.transport.RemoveMessageHandler(HandlerOwner)
	a.logger.Info("adapter stopped")
}

// IsRunning reports whether the adapter is attached
func (a *Adapter) IsRunning() bool { return a.running.Load() }

func (a *Adapter) patternsLocked() []string {
	seen := make(map[string]struct{}, len(a.mappings))
	out := make([]string, 0, len(a.mappings))
	for _, m := range a.mappings {
		if _, ok := seen[m.pattern]; ok {
			continue
		}
		seen[m.pattern] = struct{}{}
		out = append(out, m.pattern)
	}
	return out
}

func (a *Adapter) subscribe(pattern string) {
	if !a.running.Load() {
		return
	}
	if err := a.transport.Subscribe(pattern); err != nil {
		a.logger.Warn("subscribe failed", "pattern", pattern, "error", err)
	}
}

func (a *Adapter) add(m mapping) {
	a.mu.Lock()
	m.pipe = a.configs[m.pattern].compile()
	next := make([]mapping, len(a.mappings), len(a.mappings)+1)
	copy(next, a.mappings)
	a.mappings = append(next, m)
	a.mu.Unlock()

	a.subscribe(m.pattern)
}

// MapTopicToEvent dispatches an event of kind for every message matching
// pattern
func (a *Adapter) MapTopicToEvent(pattern, kind string) error {
	if err := topic.ValidateFilter(pattern); err != nil {
		return errors.WrapInvalid(err, "Adapter", "MapTopicToEvent", "validate pattern")
	}
	if kind == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty event kind", errors.ErrInvalidValue), "Adapter", "MapTopicToEvent", "validate kind")
	}
	a.add(mapping{pattern: pattern, sink: SinkEvent, eventKind: kind})
	return nil
}

// MapTopicToParameter converts every message matching pattern to a float
// and applies it to p
func (a *Adapter) MapTopicToParameter(pattern string, p param.Parameter) error {
	if err := topic.ValidateFilter(pattern); err != nil {
		return errors.WrapInvalid(err, "Adapter", "MapTopicToParameter", "validate pattern")
	}
	if p == nil {
		return errors.WrapFatal(fmt.Errorf("%w: nil parameter", errors.ErrInvalidValue), "Adapter", "MapTopicToParameter", "validate sink")
	}
	a.add(mapping{pattern: pattern, sink: SinkParameter, param: p})
	return nil
}

// configure updates the configuration of pattern and recompiles the
// pipeline of every mapping using it
func (a *Adapter) configure(pattern, method string, update func(*patternConfig)) error {
	if err := topic.ValidateFilter(pattern); err != nil {
		return errors.WrapInvalid(err, "Adapter", method, "validate pattern")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.configs[pattern]
	update(&cfg)
	a.configs[pattern] = cfg
	pipe := cfg.compile()

	next := make([]mapping, len(a.mappings))
	copy(next, a.mappings)
	for i := range next {
		if next[i].pattern == pattern {
			next[i].pipe = pipe
		}
	}
	a.mappings = next
	return nil
}

// SetMessageConverter overrides the value carried by events for pattern
func (a *Adapter) SetMessageConverter(pattern string, conv MessageConverter) error {
	return a.configure(pattern, "SetMessageConverter", func(c *patternConfig) { c.message = conv })
}

// SetParameterConverter overrides payload extraction for pattern.
// Normalization and mapping mode still apply on top of it.
func (a *Adapter) SetParameterConverter(pattern string, conv FloatConverter) error {
	return a.configure(pattern, "SetParameterConverter", func(c *patternConfig) { c.floatConv = conv })
}

// RegisterSensorType installs a built-in extraction rule for pattern. When
// min < max they replace the sensor's default range. With normalize set,
// values are scaled onto [0,1] and parameters are set through their
// normalized setter. Unknown types fall back to numeric extraction.
func (a *Adapter) RegisterSensorType(pattern string, st SensorType, min, max float64, normalize bool) error {
	spec, known := LookupSensor(st)
	if !known {
		a.logger.Warn("unknown sensor type, using numeric extraction", "pattern", pattern, "sensor_type", st)
	}
	if min < max {
		spec.Min, spec.Max = min, max
	}
	return a.configure(pattern, "RegisterSensorType", func(c *patternConfig) {
		c.sensor = &spec
		c.normalize = normalize
	})
}

// SetMappingMode composes a value mapper after conversion for pattern
func (a *Adapter) SetMappingMode(pattern string, mode MappingMode, threshold, exponent float64) error {
	if mode < ModeLinear || mode > ModeToggle {
		return errors.WrapInvalid(fmt.Errorf("%w: mapping mode %d", errors.ErrInvalidValue, mode), "Adapter", "SetMappingMode", "validate mode")
	}
	return a.configure(pattern, "SetMappingMode", func(c *patternConfig) {
		c.mode = mode
		c.threshold = threshold
		c.exponent = exponent
	})
}

// RemoveMappings removes every mapping and the configuration of pattern
func (a *Adapter) RemoveMappings(pattern string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make([]mapping, 0, len(a.mappings))
	for _, m := range a.mappings {
		if m.pattern != pattern {
			next = append(next, m)
		}
	}
	removed := len(a.mappings) - len(next)
	a.mappings = next
	delete(a.configs, pattern)
	return removed
}

// Mappings returns the installed mappings in insertion order
func (a *Adapter) Mappings() []MappingInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]MappingInfo, 0, len(a.mappings))
	for _, m := range a.mappings {
		info := MappingInfo{Pattern: m.pattern, Sink: m.sink, Target: m.eventKind}
		if m.sink == SinkParameter {
			info.Target = m.param.Path()
		}
		out = append(out, info)
	}
	return out
}

// HandleMessage runs every mapping matching name, in insertion order. A
// failing mapping is logged and skipped.
func (a *Adapter) HandleMessage(name string, payload []byte) {
	a.mu.RLock()
	mappings := a.mappings
	a.mu.RUnlock()

	text := string(payload)
	for i := range mappings {
		if topic.Match(mappings[i].pattern, name) {
			a.fire(&mappings[i], name, text)
		}
	}
}

func (a *Adapter) fire(m *mapping, name, payload string) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordConversionFailure()
			a.logger.Error("mapping failed", "pattern", m.pattern, "topic", name,
				"error", errors.FromPanic(r, "Adapter", "fire"))
		}
	}()

	switch m.sink {
	case SinkEvent:
		value, err := a.eventValue(m, payload)
		if err != nil {
			a.conversionFailed(m, name, err)
			return
		}
		if a.bus != nil {
			a.bus.DispatchEvent(eventbus.NewIoTEvent(m.eventKind, name, payload, value))
		}
	case SinkParameter:
		v, err := m.pipe.float(payload)
		if err != nil {
			a.conversionFailed(m, name, err)
			return
		}
		if m.pipe.normalized {
			m.param.SetNormalizedValue(v, true)
		} else if err := m.param.SetFromFloat(v, true); err != nil {
			a.logger.Debug("parameter rejected value", "parameter", m.param.Path(), "value", v, "error", err)
		}
	}
	a.metrics.RecordMappingFired(m.sink)
}

// eventValue is the custom converter's output, or the converted number
// when the payload has one, or nil
func (a *Adapter) eventValue(m *mapping, payload string) (any, error) {
	if m.pipe.message != nil {
		return m.pipe.message(payload)
	}
	if v, err := m.pipe.float(payload); err == nil {
		return v, nil
	}
	return nil, nil
}

func (a *Adapter) conversionFailed(m *mapping, name string, err error) {
	a.metrics.RecordConversionFailure()
	a.logger.Warn("payload conversion failed", "pattern", m.pattern, "topic", name, "error", err)
}

// PublishParameter publishes p's value to name whenever it changes. The
// same value is not published twice in a row, so a parameter that is also
// mapped from name does not echo.
func (a *Adapter) PublishParameter(p param.Parameter, name string) error {
	if err := topic.ValidateName(name); err != nil {
		return errors.WrapInvalid(err, "Adapter", "PublishParameter", "validate topic")
	}
	if a.transport == nil {
		return errors.WrapFatal(fmt.Errorf("%w: no transport", errors.ErrNotStarted), "Adapter", "PublishParameter", "attach transport")
	}

	pub := &publisher{param: p}
	pub.observer = p.AddObserver(func(q param.Parameter) {
		value := strconv.FormatFloat(q.FloatValue(), 'g', -1, 64)
		if last := pub.last.Load(); last != nil && *last == value {
			return
		}
		pub.last.Store(&value)
		if err := a.transport.Publish(name, []byte(value)); err != nil {
			a.logger.Debug("parameter publish failed", "parameter", q.Path(), "topic", name, "error", err)
		}
	})

	a.pubMu.Lock()
	prev := a.publishers[name]
	a.publishers[name] = pub
	a.pubMu.Unlock()

	if prev != nil {
		prev.param.RemoveObserver(prev.observer)
	}
	return nil
}

// UnpublishParameter stops publishing to name
func (a *Adapter) UnpublishParameter(name string) bool {
	a.pubMu.Lock()
	pub := a.publishers[name]
	delete(a.publishers, name)
	a.pubMu.Unlock()

	if pub == nil {
		return false
	}
	pub.param.RemoveObserver(pub.observer)
	return true
}
