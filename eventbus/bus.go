package eventbus

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/metric"
)

// Listener receives dispatched events
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener. Function values are not
// comparable; register them with AddEventCallback to get a removable handle.
type ListenerFunc func(Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// callbackListener is the bus-owned wrapper returned by AddEventCallback
type callbackListener struct {
	fn func(Event)
}

func (c *callbackListener) OnEvent(e Event) { c.fn(e) }

// TimeProvider reports the host's current musical position
type TimeProvider func() MusicalPosition

type scheduled struct {
	id      uint64
	event   Event
	trigger time.Duration
	target  musicalTarget
	done    bool
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "eventbus")
		}
	}
}

// WithMetrics attaches the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// Bus dispatches events to listeners registered per kind.
//
// Listeners run on the dispatching goroutine, in registration order, from
// a snapshot taken under the lock; they may add or remove listeners and
// dispatch further events. A panicking listener is logged and the rest
// still run.
//
// Scheduled wall-clock events with equal trigger times dispatch in the
// order they were scheduled.
type Bus struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.RWMutex
	listeners map[string][]Listener

	schedMu  sync.Mutex
	elapsed  time.Duration
	nextID   uint64
	wall     []*scheduled
	musical  []*scheduled
	pending  map[uint64]*scheduled
	provider TimeProvider
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:    slog.Default().With("component", "eventbus"),
		listeners: make(map[string][]Listener),
		pending:   make(map[uint64]*scheduled),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// AddEventListener registers l for kind. Adding the same comparable
// listener twice is a no-op.
func (b *Bus) AddEventListener(kind string, l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.listeners[kind] {
		if sameListener(existing, l) {
			return
		}
	}
	next := make([]Listener, len(b.listeners[kind]), len(b.listeners[kind])+1)
	copy(next, b.listeners[kind])
	b.listeners[kind] = append(next, l)
}

// AddEventCallback registers fn for kind and returns the handle to pass to
// RemoveEventListener.
func (b *Bus) AddEventCallback(kind string, fn func(Event)) Listener {
	l := &callbackListener{fn: fn}
	b.AddEventListener(kind, l)
	return l
}

// On registers a typed callback for kind. Events of kind that are not a T
// are skipped.
func On[T Event](b *Bus, kind string, fn func(T)) Listener {
	return b.AddEventCallback(kind, func(e Event) {
		if ev, ok := e.(T); ok {
			fn(ev)
		}
	})
}

// RemoveEventListener unregisters l from kind
func (b *Bus) RemoveEventListener(kind string, l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[kind]
	for i, existing := range current {
		if sameListener(existing, l) {
			next := make([]Listener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, kind)
			} else {
				b.listeners[kind] = next
			}
			return true
		}
	}
	return false
}

// ListenerCount returns the number of listeners registered for kind
func (b *Bus) ListenerCount(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}

// DispatchEvent synchronously delivers e to every listener of its kind
func (b *Bus) DispatchEvent(e Event) {
	if e == nil {
		return
	}
	kind := e.Kind()

	b.mu.RLock()
	snapshot := b.listeners[kind]
	b.mu.RUnlock()

	b.metrics.RecordEventDispatched(kind)
	for _, l := range snapshot {
		b.invoke(l, e)
	}
}

func (b *Bus) invoke(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordListenerFailure()
			b.logger.Error("listener failed", "kind", e.Kind(), "error", errors.FromPanic(r, "Bus", "DispatchEvent"))
		}
	}()
	l.OnEvent(e)
}

// ScheduleEvent dispatches e from Update once delay has elapsed on the
// bus clock. It returns the id for CancelScheduledEvent.
func (b *Bus) ScheduleEvent(e Event, delay time.Duration) uint64 {
	if delay < 0 {
		delay = 0
	}
	b.schedMu.Lock()
	defer b.schedMu.Unlock()

	b.nextID++
	s := &scheduled{id: b.nextID, event: e, trigger: b.elapsed + delay}
	b.wall = append(b.wall, s)
	b.pending[s.id] = s
	b.metrics.RecordScheduledPending(len(b.pending))
	return s.id
}

// ScheduleMusicalEvent dispatches e from Update once the time provider
// reaches (bar, beat, tick).
func (b *Bus) ScheduleMusicalEvent(e Event, bar, beat, tick int) uint64 {
	b.schedMu.Lock()
	provider := b.provider
	b.schedMu.Unlock()

	var now MusicalPosition
	if provider != nil {
		now = provider()
	}
	target := anchor(MusicalPosition{Bar: bar, Beat: beat, Tick: tick}, now)

	b.schedMu.Lock()
	defer b.schedMu.Unlock()

	b.nextID++
	s := &scheduled{id: b.nextID, event: e, target: target}
	b.musical = append(b.musical, s)
	b.pending[s.id] = s
	b.metrics.RecordScheduledPending(len(b.pending))
	return s.id
}

// CancelScheduledEvent removes a pending event. It returns false when the
// event already dispatched or was never scheduled.
func (b *Bus) CancelScheduledEvent(id uint64) bool {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()

	s, ok := b.pending[id]
	if !ok {
		return false
	}
	s.done = true
	delete(b.pending, id)
	b.metrics.RecordScheduledPending(len(b.pending))
	return true
}

// SetTimeProvider installs the musical time source. nil disables musical
// scheduling until a provider is installed again.
func (b *Bus) SetTimeProvider(fn TimeProvider) {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	b.provider = fn
}

// Elapsed returns the bus clock
func (b *Bus) Elapsed() time.Duration {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	return b.elapsed
}

// PendingCount returns the number of scheduled events not yet dispatched
func (b *Bus) PendingCount() int {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	return len(b.pending)
}

// Update advances the bus clock by dt and dispatches due events: first
// wall-clock events by ascending trigger time, then musical events by
// ascending (bar, beat, tick).
func (b *Bus) Update(dt time.Duration) {
	if dt < 0 {
		dt = 0
	}

	b.schedMu.Lock()
	b.elapsed += dt
	now := b.elapsed
	provider := b.provider
	b.schedMu.Unlock()

	var position MusicalPosition
	if provider != nil {
		position = provider()
	}

	b.schedMu.Lock()
	var dueWall, dueMusical []*scheduled
	for _, s := range b.wall {
		if !s.done && s.trigger <= now {
			s.done = true
			delete(b.pending, s.id)
			dueWall = append(dueWall, s)
		}
	}
	if provider != nil {
		for _, s := range b.musical {
			if !s.done && s.target.due(position) {
				s.done = true
				delete(b.pending, s.id)
				dueMusical = append(dueMusical, s)
			}
		}
	}
	b.wall = compact(b.wall)
	b.musical = compact(b.musical)
	b.metrics.RecordScheduledPending(len(b.pending))
	b.schedMu.Unlock()

	// ids increase with scheduling order, so they break ties FIFO
	sort.SliceStable(dueWall, func(i, j int) bool {
		if dueWall[i].trigger != dueWall[j].trigger {
			return dueWall[i].trigger < dueWall[j].trigger
		}
		return dueWall[i].id < dueWall[j].id
	})
	sort.SliceStable(dueMusical, func(i, j int) bool {
		if c := CompareTuple(dueMusical[i].target.pos, dueMusical[j].target.pos); c != 0 {
			return c < 0
		}
		return dueMusical[i].id < dueMusical[j].id
	})

	for _, s := range dueWall {
		b.DispatchEvent(s.event)
	}
	for _, s := range dueMusical {
		b.DispatchEvent(s.event)
	}
}

func compact(list []*scheduled) []*scheduled {
	out := list[:0]
	for _, s := range list {
		if !s.done {
			out = append(out, s)
		}
	}
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

// Clear drops every listener and scheduled event
func (b *Bus) Clear() {
	b.mu.Lock()
	b.listeners = make(map[string][]Listener)
	b.mu.Unlock()

	b.schedMu.Lock()
	for _, s := range b.pending {
		s.done = true
	}
	b.pending = make(map[uint64]*scheduled)
	b.wall = nil
	b.musical = nil
	b.metrics.RecordScheduledPending(0)
	b.schedMu.Unlock()
}

// Close releases all registrations. The bus stays usable.
func (b *Bus) Close() {
	b.Clear()
	b.SetTimeProvider(nil)
}
