package param

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/metric"
)

// Synthesizer receives parameter values from UpdateAutomation
type Synthesizer interface {
	SetParameter(path string, value float64)
}

// TopicBinder maps broker topics onto parameters. The IoT adapter
// implements it.
type TopicBinder interface {
	MapTopicToParameter(pattern string, p Parameter) error
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "param")
		}
	}
}

// WithMetrics enables automation tick metrics
func WithMetrics(metrics *metric.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

type hookFunc func(Parameter)

// Manager owns the root group, the path→parameter registry, the MIDI CC
// map and the smoothing list ticked by UpdateAutomation.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	root    *Group

	mu        sync.RWMutex
	params    map[string]Parameter
	hookIDs   map[Parameter]ObserverID
	all       atomic.Pointer[[]Parameter]
	smoothing atomic.Pointer[[]*FloatParameter]

	hook   atomic.Pointer[hookFunc]
	synth  atomic.Pointer[Synthesizer]
	binder atomic.Pointer[TopicBinder]

	midiMu sync.RWMutex
	midi   map[midiKey]Parameter
	learn  Parameter
}

// NewManager creates an empty manager with a root group
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:  slog.Default().With("component", "param"),
		params:  make(map[string]Parameter),
		hookIDs: make(map[Parameter]ObserverID),
		midi:    make(map[midiKey]Parameter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.root = newGroup(m, nil, "", "root")
	m.rebuildLists()
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager atomic.Pointer[Manager]
)

// Default returns the process-wide manager, creating it on first use.
// Components should prefer an injected *Manager.
func Default() *Manager {
	defaultOnce.Do(func() {
		if defaultManager.Load() == nil {
			defaultManager.CompareAndSwap(nil, NewManager())
		}
	})
	return defaultManager.Load()
}

// SetDefault replaces the process-wide manager
func SetDefault(m *Manager) {
	defaultOnce.Do(func() {})
	defaultManager.Store(m)
}

// Root returns the root group
func (m *Manager) Root() *Group { return m.root }

func (m *Manager) register(p Parameter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := p.Path()
	if _, exists := m.params[path]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateParameter, path), "Manager", "register", "register parameter")
	}
	m.params[path] = p
	m.hookIDs[p] = p.AddObserver(m.forwardChange)
	m.rebuildListsLocked()
	return nil
}

func (m *Manager) unregister(path string, p Parameter) {
	m.mu.Lock()
	if m.params[path] == p {
		delete(m.params, path)
	}
	if id, ok := m.hookIDs[p]; ok {
		p.RemoveObserver(id)
		delete(m.hookIDs, p)
	}
	m.rebuildListsLocked()
	m.mu.Unlock()

	m.midiMu.Lock()
	for k, q := range m.midi {
		if q == p {
			delete(m.midi, k)
		}
	}
	if m.learn == p {
		m.learn = nil
	}
	m.midiMu.Unlock()
}

func (m *Manager) rebuildLists() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildListsLocked()
}

// rebuildListsLocked publishes fresh copies of the lists read by the
// automation tick so that the tick itself never takes m.mu.
func (m *Manager) rebuildListsLocked() {
	all := make([]Parameter, 0, len(m.params))
	floats := make([]*FloatParameter, 0)
	for _, p := range m.params {
		all = append(all, p)
		if f, ok := p.(*FloatParameter); ok {
			floats = append(floats, f)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path() < all[j].Path() })
	m.all.Store(&all)
	m.smoothing.Store(&floats)
}

func (m *Manager) forwardChange(p Parameter) {
	if fn := m.hook.Load(); fn != nil {
		(*fn)(p)
	}
}

// SetChangeHook installs fn to run after any registered parameter notifies
// its observers. nil removes the hook.
func (m *Manager) SetChangeHook(fn func(Parameter)) {
	if fn == nil {
		m.hook.Store(nil)
		return
	}
	h := hookFunc(fn)
	m.hook.Store(&h)
}

// Parameter returns the parameter registered at path, or nil
func (m *Manager) Parameter(path string) Parameter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params[path]
}

// Lookup is Parameter with an ErrUnknownParameter error for missing paths
func (m *Manager) Lookup(path string) (Parameter, error) {
	if p := m.Parameter(path); p != nil {
		return p, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownParameter, path), "Manager", "Lookup", "find parameter")
}

// Parameters returns every registered parameter sorted by path
func (m *Manager) Parameters() []Parameter {
	return append([]Parameter(nil), *m.all.Load()...)
}

// Count returns the number of registered parameters
func (m *Manager) Count() int {
	return len(*m.all.Load())
}

// SetValue sets the parameter at path from a raw number and notifies
func (m *Manager) SetValue(path string, v float64) error {
	p, err := m.Lookup(path)
	if err != nil {
		return err
	}
	return p.SetFromFloat(v, true)
}

// AttachSynthesizer connects the audio engine; nil detaches it
func (m *Manager) AttachSynthesizer(s Synthesizer) {
	if s == nil {
		m.synth.Store(nil)
		return
	}
	m.synth.Store(&s)
}

// AttachTopicBinder connects the IoT adapter used by BindTopic
func (m *Manager) AttachTopicBinder(b TopicBinder) {
	if b == nil {
		m.binder.Store(nil)
		return
	}
	m.binder.Store(&b)
}

// BindTopic maps a topic pattern onto the parameter at path through the
// attached TopicBinder
func (m *Manager) BindTopic(pattern, path string) error {
	b := m.binder.Load()
	if b == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Manager", "BindTopic", "find topic binder")
	}
	p, err := m.Lookup(path)
	if err != nil {
		return err
	}
	if !p.IsAutomatable() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotAutomatable, path), "Manager", "BindTopic", "bind topic")
	}
	return (*b).MapTopicToParameter(pattern, p)
}

// UpdateAutomation ticks every smoothing Float parameter by dt and, when a
// synthesizer is attached, pushes all parameter values to it. It runs on
// the audio thread: no locks beyond atomic loads, no allocation.
func (m *Manager) UpdateAutomation(dt time.Duration) {
	start := time.Now()

	for _, f := range *m.smoothing.Load() {
		f.UpdateSmoothing(dt)
	}
	if s := m.synth.Load(); s != nil {
		for _, p := range *m.all.Load() {
			if p.Type() == TypeTrigger {
				continue
			}
			(*s).SetParameter(p.Path(), p.FloatValue())
		}
	}

	m.metrics.RecordAutomationTick(time.Since(start))
}

// Snapshot maps parameter paths to values. Float entries hold the target
// so a restore lands where smoothing was heading.
type Snapshot map[string]float64

// Snapshot captures the value of every non-trigger parameter
func (m *Manager) Snapshot() Snapshot {
	snap := make(Snapshot)
	for _, p := range *m.all.Load() {
		switch q := p.(type) {
		case *TriggerParameter:
			continue
		case *FloatParameter:
			snap[q.Path()] = q.Target()
		default:
			snap[p.Path()] = p.FloatValue()
		}
	}
	return snap
}

// Restore applies a snapshot with notification. Unknown paths and rejected
// values are skipped; the number of parameters restored is returned.
func (m *Manager) Restore(snap Snapshot) int {
	restored := 0
	for path, v := range snap {
		p := m.Parameter(path)
		if p == nil || p.Type() == TypeTrigger {
			m.logger.Debug("snapshot entry skipped", "parameter", path)
			continue
		}
		if err := p.SetFromFloat(v, true); err != nil {
			m.logger.Warn("snapshot value rejected", "parameter", path, "error", err)
			continue
		}
		restored++
	}
	return restored
}
