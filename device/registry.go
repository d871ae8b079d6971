package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/metric"
	"github.com/c360/synthiot/topic"
	"github.com/c360/synthiot/transport"
)

// HandlerOwner is the name the registry registers its global handler under
const HandlerOwner = "device-registry"

// DefaultDiscoveryTopics are subscribed when none are configured
var DefaultDiscoveryTopics = []string{"discovery/#"}

// statusFilters carry device status messages
var statusFilters = []string{"status/+", "+/status"}

// Transport is the part of the broker client the registry uses
type Transport interface {
	AddMessageHandler(owner string, fn transport.MessageHandler)
	RemoveMessageHandler(owner string) bool
	Subscribe(filter string) error
	Unsubscribe(filter string) error
	Publish(name string, payload []byte) error
}

// MappingInstaller installs event mappings. *iot.Adapter implements it.
type MappingInstaller interface {
	MapTopicToEvent(pattern, kind string) error
}

// Stats counts registered devices
type Stats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "device")
		}
	}
}

// WithMetrics enables device count metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithStore sets the store used by Load and Save
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithDiscoveryTopics replaces the discovery topic patterns
func WithDiscoveryTopics(patterns ...string) Option {
	return func(r *Registry) {
		if len(patterns) > 0 {
			r.discoveryTopics = append([]string(nil), patterns...)
		}
	}
}

// WithMappingInstaller sets the target of ApplyTopicMappings
func WithMappingInstaller(m MappingInstaller) Option {
	return func(r *Registry) { r.mapper = m }
}

// WithClock overrides the time source used for LastSeen
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type entry struct {
	device Device
	state  State
}

// Registry holds the known devices
type Registry struct {
	transport Transport
	mapper    MappingInstaller
	store     Store
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time

	discovering atomic.Bool

	mu              sync.RWMutex
	devices         map[string]*entry
	discoveryTopics []string
	installed       map[string]struct{}

	cbMu       sync.RWMutex
	onDiscover func(Device)
	onStatus   func(Device)
}

// NewRegistry creates an empty registry. t may be nil for an offline
// registry fed through ProcessIncomingMessage.
func NewRegistry(t Transport, opts ...Option) *Registry {
	r := &Registry{
		transport:       t,
		logger:          slog.Default().With("component", "device"),
		now:             time.Now,
		devices:         make(map[string]*entry),
		discoveryTopics: append([]string(nil), DefaultDiscoveryTopics...),
		installed:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetStore replaces the persistence backend used by Load and Save
func (r *Registry) SetStore(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = s
}

func (r *Registry) currentStore() Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store
}

// SetMappingInstaller sets the target of ApplyTopicMappings
func (r *Registry) SetMappingInstaller(m MappingInstaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapper = m
}

// SetDeviceDiscoveryCallback sets the function called when a device id
// first appears
func (r *Registry) SetDeviceDiscoveryCallback(fn func(Device)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onDiscover = fn
}

// SetDeviceStatusCallback sets the function called when a known device's
// connected flag changes
func (r *Registry) SetDeviceStatusCallback(fn func(Device)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onStatus = fn
}

func (r *Registry) notify(which string, d Device) {
	r.cbMu.RLock()
	fn := r.onDiscover
	if which == "status" {
		fn = r.onStatus
	}
	r.cbMu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("device callback failed", "callback", which, "device", d.ID,
				"error", errors.FromPanic(rec, "Registry", "notify"))
		}
	}()
	fn(d)
}

func stateFor(connected bool) State {
	if connected {
		return StateConnected
	}
	return StateDiscovered
}

// AddDevice registers d, replacing any device with the same id. The
// discovery callback fires when the id is new.
func (r *Registry) AddDevice(d Device) error {
	if d.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty id", errors.ErrInvalidDevice), "Registry", "AddDevice", "validate device")
	}
	if d.Type == "" {
		d.Type = TypeUnknown
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	d = d.Clone()

	r.mu.Lock()
	_, existed := r.devices[d.ID]
	r.devices[d.ID] = &entry{device: d, state: stateFor(d.Connected)}
	r.mu.Unlock()

	r.recordStats()
	if !existed {
		r.logger.Info("device added", "device", d.ID, "type", d.Type)
		r.notify("discovery", d.Clone())
	}
	return nil
}

// RemoveDevice forgets a device
func (r *Registry) RemoveDevice(id string) bool {
	r.mu.Lock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	for key := range r.installed {
		if strings.HasPrefix(key, id+"\x00") {
			delete(r.installed, key)
		}
	}
	r.mu.Unlock()

	if ok {
		r.recordStats()
		r.logger.Info("device removed", "device", id)
	}
	return ok
}

// Device returns a copy of the device with the given id
func (r *Registry) Device(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.device.Clone(), true
}

// State returns a device's lifecycle state
func (r *Registry) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.devices[id]; ok {
		return e.state
	}
	return StateUnknown
}

func (r *Registry) filter(keep func(Device) bool) []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		if keep == nil || keep(e.device) {
			out = append(out, e.device.Clone())
		}
	}
	r.mu.RUnlock()
	sortDevices(out)
	return out
}

// Devices returns every known device sorted by id
func (r *Registry) Devices() []Device { return r.filter(nil) }

// FindDevicesByType returns the devices of type t
func (r *Registry) FindDevicesByType(t Type) []Device {
	return r.filter(func(d Device) bool { return d.Type == t })
}

// FindDevicesByCapability returns the devices declaring capability name
func (r *Registry) FindDevicesByCapability(name string) []Device {
	return r.filter(func(d Device) bool { return d.HasCapability(name) })
}

// Stats counts total and connected devices
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.devices)}
	for _, e := range r.devices {
		if e.device.Connected {
			s.Connected++
		}
	}
	return s
}

func (r *Registry) recordStats() {
	s := r.Stats()
	r.metrics.RecordDevices(s.Total, s.Connected)
}

// DiscoveryTopics returns the discovery topic patterns
func (r *Registry) DiscoveryTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.discoveryTopics...)
}

// StartDiscovery subscribes the discovery and status topics and routes
// inbound messages through ProcessIncomingMessage
func (r *Registry) StartDiscovery() error {
	if r.transport == nil {
		return errors.WrapFatal(fmt.Errorf("%w: no transport", errors.ErrNotStarted), "Registry", "StartDiscovery", "attach transport")
	}
	if !r.discovering.CompareAndSwap(false, true) {
		return nil
	}
	r.transport.AddMessageHandler(HandlerOwner, r.ProcessIncomingMessage)

	var firstErr error
	for _, f := range append(r.DiscoveryTopics(), statusFilters...) {
		if err := r.transport.Subscribe(f); err != nil {
			r.logger.Warn("subscribe failed", "filter", f, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.logger.Info("discovery started", "topics", r.DiscoveryTopics())
	return firstErr
}

// StopDiscovery unsubscribes the discovery topics and detaches the
// registry from the transport
func (r *Registry) StopDiscovery() {
	if !r.discovering.CompareAndSwap(true, false) {
		return
	}
	r.transport.RemoveMessageHandler(HandlerOwner)
	for _, f := range r.DiscoveryTopics() {
		if err := r.transport.Unsubscribe(f); err != nil {
			r.logger.Debug("unsubscribe failed", "filter", f, "error", err)
		}
	}
	r.logger.Info("discovery stopped")
}

// IsDiscovering reports whether discovery is running
func (r *Registry) IsDiscovering() bool { return r.discovering.Load() }

func (r *Registry) isDiscoveryTopic(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.discoveryTopics {
		if topic.Match(p, name) {
			return true
		}
	}
	return false
}

// statusDeviceID extracts <id> from status/<id> or <id>/status
func statusDeviceID(name string) (string, bool) {
	segs := topic.Segments(name)
	if len(segs) != 2 {
		return "", false
	}
	switch {
	case segs[0] == "status" && segs[1] != "":
		return segs[1], true
	case segs[1] == "status" && segs[0] != "":
		return segs[0], true
	}
	return "", false
}

func isStatusTopic(name string) bool {
	_, ok := statusDeviceID(name)
	return ok || strings.HasSuffix(name, "/status")
}

var onlinePayloads = map[string]struct{}{"online": {}, "1": {}, "true": {}, "connected": {}}

// ProcessIncomingMessage merges discovery descriptors, applies status
// updates and advances LastSeen of the device owning the topic
func (r *Registry) ProcessIncomingMessage(name string, payload []byte) {
	if r.isDiscoveryTopic(name) {
		if err := r.HandleDescriptor(payload); err != nil {
			r.logger.Warn("discovery descriptor rejected", "topic", name, "error", err)
		}
		return
	}
	if id, ok := statusDeviceID(name); ok {
		_, online := onlinePayloads[strings.ToLower(strings.TrimSpace(string(payload)))]
		if r.setConnected(id, online) {
			return
		}
	}
	r.touchByTopic(name)
}

// HandleDescriptor validates a discovery payload and merges it. The device
// is marked connected.
func (r *Registry) HandleDescriptor(payload []byte) error {
	d, err := ParseDescriptor(payload)
	if err != nil {
		return err
	}
	now := r.now()

	r.mu.Lock()
	e, existed := r.devices[d.ID]
	wasConnected := false
	if existed {
		wasConnected = e.device.Connected
		e.device.merge(d)
	} else {
		if d.Type == "" {
			d.Type = TypeUnknown
		}
		e = &entry{device: d.Clone()}
		r.devices[d.ID] = e
	}
	e.device.Connected = true
	e.device.LastSeen = now
	e.state = StateConnected
	snapshot := e.device.Clone()
	r.mu.Unlock()

	r.recordStats()
	switch {
	case !existed:
		r.logger.Info("device discovered", "device", d.ID, "type", snapshot.Type, "topics", len(snapshot.Topics))
		r.notify("discovery", snapshot)
	case !wasConnected:
		r.notify("status", snapshot)
	}
	return nil
}

// setConnected updates a known device's connection flag. It reports
// whether the device is known.
func (r *Registry) setConnected(id string, connected bool) bool {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	changed := e.device.Connected != connected
	e.device.Connected = connected
	e.device.LastSeen = r.now()
	if connected {
		e.state = StateConnected
	} else {
		e.state = StateDisconnected
	}
	snapshot := e.device.Clone()
	r.mu.Unlock()

	if changed {
		r.recordStats()
		r.logger.Info("device status changed", "device", id, "connected", connected)
		r.notify("status", snapshot)
	}
	return true
}

func (r *Registry) touchByTopic(name string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.devices {
		for _, t := range e.device.Topics {
			if t == name || topic.Match(t, name) {
				e.device.LastSeen = now
				break
			}
		}
	}
}

// AutoMapping returns the event kind a topic of a device type maps to.
// ok is false for status topics and outbound actuator topics.
func AutoMapping(t Type, name string) (kind string, ok bool) {
	if isStatusTopic(name) {
		return "", false
	}
	lower := strings.ToLower(name)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch t {
	case TypeSensor:
		switch {
		case has("temperature", "temp"):
			return "temperature_update", true
		case has("humidity"):
			return "humidity_update", true
		case has("light", "lux"):
			return "light_update", true
		case has("motion", "presence", "occupancy"):
			return "motion_detected", true
		default:
			return "sensor_update", true
		}
	case TypeActuator:
		switch {
		case has("/state"):
			return "state_update", true
		case has("/set", "/cmd", "/command"):
			return "", false
		default:
			return "actuator_update", true
		}
	case TypeController:
		switch {
		case has("button", "switch"):
			return "button_press", true
		case has("slider", "knob", "dial"):
			return "control_change", true
		default:
			return "controller_input", true
		}
	default:
		return "iot_message", true
	}
}

// ApplyTopicMappingsForDevice installs the automatic event mappings of one
// device and returns how many were installed. Pairs installed earlier are
// not installed again.
func (r *Registry) ApplyTopicMappingsForDevice(id string) int {
	r.mu.Lock()
	mapper := r.mapper
	e, ok := r.devices[id]
	if !ok || mapper == nil {
		r.mu.Unlock()
		if mapper == nil {
			r.logger.Warn("no mapping installer attached", "device", id)
		}
		return 0
	}
	type pair struct{ topic, kind string }
	var todo []pair
	for _, t := range e.device.Topics {
		kind, ok := AutoMapping(e.device.Type, t)
		if !ok {
			continue
		}
		key := id + "\x00" + t + "\x00" + kind
		if _, done := r.installed[key]; done {
			continue
		}
		r.installed[key] = struct{}{}
		todo = append(todo, pair{t, kind})
	}
	r.mu.Unlock()

	installed := 0
	for _, p := range todo {
		if err := mapper.MapTopicToEvent(p.topic, p.kind); err != nil {
			r.logger.Warn("auto mapping failed", "device", id, "topic", p.topic, "kind", p.kind, "error", err)
			r.mu.Lock()
			delete(r.installed, id+"\x00"+p.topic+"\x00"+p.kind)
			r.mu.Unlock()
			continue
		}
		installed++
	}
	if installed > 0 {
		r.logger.Info("auto mappings installed", "device", id, "count", installed)
	}
	return installed
}

// ApplyTopicMappings runs ApplyTopicMappingsForDevice for every device
func (r *Registry) ApplyTopicMappings() int {
	total := 0
	for _, d := range r.Devices() {
		total += r.ApplyTopicMappingsForDevice(d.ID)
	}
	return total
}

// SendCommand publishes payload to <id>/<command>
func (r *Registry) SendCommand(id, command string, payload []byte) error {
	if _, ok := r.Device(id); !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, id), "Registry", "SendCommand", "find device")
	}
	if r.transport == nil {
		return errors.WrapFatal(fmt.Errorf("%w: no transport", errors.ErrNotStarted), "Registry", "SendCommand", "attach transport")
	}
	name := id + topic.Separator + command
	if err := topic.ValidateName(name); err != nil {
		return errors.WrapInvalid(err, "Registry", "SendCommand", "validate topic")
	}
	return r.transport.Publish(name, payload)
}

// Snapshot captures the registry in its persisted form
func (r *Registry) Snapshot() *Snapshot {
	return &Snapshot{
		Version:         SnapshotVersion,
		Timestamp:       r.now().Unix(),
		DiscoveryTopics: r.DiscoveryTopics(),
		Devices:         r.Devices(),
	}
}

// Restore replaces the devices with those in s. Non-empty discovery
// topics replace the configured ones.
func (r *Registry) Restore(s *Snapshot) {
	devices := make(map[string]*entry, len(s.Devices))
	for _, d := range s.Devices {
		if d.ID == "" {
			continue
		}
		devices[d.ID] = &entry{device: d.Clone(), state: stateFor(d.Connected)}
	}

	r.mu.Lock()
	r.devices = devices
	r.installed = make(map[string]struct{})
	if len(s.DiscoveryTopics) > 0 {
		r.discoveryTopics = append([]string(nil), s.DiscoveryTopics...)
	}
	r.mu.Unlock()
	r.recordStats()
}

// Load restores the registry from its store. A missing snapshot leaves the
// registry empty.
func (r *Registry) Load(ctx context.Context) error {
	store := r.currentStore()
	if store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "Load", "find store")
	}
	s, err := store.Load(ctx)
	if err != nil {
		if IsNotFound(err) {
			r.logger.Info("no persisted registry", "error", err)
			return nil
		}
		return err
	}
	r.Restore(s)
	r.logger.Info("registry loaded", "devices", len(s.Devices))
	return nil
}

// Save writes the registry to its store
func (r *Registry) Save(ctx context.Context) error {
	store := r.currentStore()
	if store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "Save", "find store")
	}
	return store.Save(ctx, r.Snapshot())
}

// LoadConfig restores the registry from <dir>/devices.json
func (r *Registry) LoadConfig(dir string) error {
	s, err := NewFileStore(dir).Load(context.Background())
	if err != nil {
		return err
	}
	r.Restore(s)
	return nil
}

// SaveConfig writes the registry to <dir>/devices.json
func (r *Registry) SaveConfig(dir string) error {
	return NewFileStore(dir).Save(context.Background(), r.Snapshot())
}
