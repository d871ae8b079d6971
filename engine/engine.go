package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/synthiot/config"
	"github.com/c360/synthiot/device"
	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/eventbus"
	"github.com/c360/synthiot/health"
	"github.com/c360/synthiot/iot"
	"github.com/c360/synthiot/metric"
	"github.com/c360/synthiot/midiin"
	"github.com/c360/synthiot/param"
	"github.com/c360/synthiot/pkg/retry"
	"github.com/c360/synthiot/pkg/tlsutil"
	"github.com/c360/synthiot/transport"
)

// Default loop cadences. The automation tick matches a 256 sample block
// at 44.1 kHz.
const (
	DefaultAutomationInterval = 5805 * time.Microsecond
	DefaultBusInterval        = 10 * time.Millisecond
	DefaultTransportInterval  = time.Second
)

// Default musical clock used as the bus time provider
const (
	DefaultTempo        = 120
	DefaultBeatsPerBar  = 4
	DefaultTicksPerBeat = 480
)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDialer overrides the dialer selected by the transport backend
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithMetricsRegistry records component metrics into registry
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.metricsRegistry = registry }
}

// WithSynthesizer attaches the audio engine fed by the automation loop
func WithSynthesizer(s param.Synthesizer) Option {
	return func(e *Engine) { e.synth = s }
}

// WithJetStream supplies the JetStream context used for the KV device
// store and live configuration instead of dialing registry.nats_url
func WithJetStream(js jetstream.JetStream) Option {
	return func(e *Engine) { e.js = js }
}

// WithIntervals overrides the loop cadences. Zero keeps the default.
func WithIntervals(automation, bus, transport time.Duration) Option {
	return func(e *Engine) {
		if automation > 0 {
			e.automationInterval = automation
		}
		if bus > 0 {
			e.busInterval = bus
		}
		if transport > 0 {
			e.transportInterval = transport
		}
	}
}

// WithRetry overrides the backoff of the initial broker connect
func WithRetry(cfg retry.Config) Option {
	return func(e *Engine) { e.retry = cfg }
}

// Engine owns every component built from a configuration and runs their
// periodic loops
type Engine struct {
	cfg             *config.Config
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	metrics         *engineMetrics
	dialer          transport.Dialer
	synth           param.Synthesizer
	js              jetstream.JetStream
	retry           retry.Config

	automationInterval time.Duration
	busInterval        time.Duration
	transportInterval  time.Duration

	client   *transport.Client
	bus      *eventbus.Bus
	clock    *eventbus.TempoClock
	params   *param.Manager
	adapter  *iot.Adapter
	registry *device.Registry
	midi     *midiin.Listener
	monitor  *health.Monitor
	server   *metric.Server
	nc       *nats.Conn
	live     atomic.Pointer[config.Manager]

	mapMu     sync.Mutex
	patterns  []string
	published []string

	midiMu   sync.Mutex
	midiKeys []config.MIDIMappingConfig

	running atomic.Bool
}

// New builds all components from cfg. Nothing connects until Run.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:                cfg.Clone(),
		logger:             slog.Default(),
		retry:              retry.DefaultConfig(),
		automationInterval: DefaultAutomationInterval,
		busInterval:        DefaultBusInterval,
		transportInterval:  DefaultTransportInterval,
		monitor:            health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Metrics.Enabled && e.metricsRegistry == nil {
		e.metricsRegistry = metric.NewMetricsRegistry()
	}

	metrics, err := newEngineMetrics(e.metricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "register metrics")
	}
	e.metrics = metrics
	core := e.metricsRegistry.CoreMetrics()

	if e.dialer == nil {
		if e.dialer, err = transport.NewDialer(e.cfg.Transport.Backend); err != nil {
			return nil, err
		}
	}
	topts, err := e.transportOptions(core)
	if err != nil {
		return nil, err
	}
	e.client, err = transport.NewClient(e.dialer, topts...)
	if err != nil {
		return nil, err
	}

	e.bus = eventbus.NewBus(eventbus.WithLogger(e.logger), eventbus.WithMetrics(core))
	e.clock = eventbus.NewTempoClock(DefaultTempo, DefaultBeatsPerBar, DefaultTicksPerBeat)
	e.bus.SetTimeProvider(e.clock.Position)

	e.params = param.NewManager(param.WithLogger(e.logger), param.WithMetrics(core))
	for _, pc := range e.cfg.Parameters {
		if err := buildParameter(e.params, pc); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "New", fmt.Sprintf("build parameter %s", pc.Path()))
		}
	}
	e.params.SetChangeHook(func(p param.Parameter) {
		e.bus.DispatchEvent(eventbus.NewParameterEvent(p.Path(), p.FloatValue()))
	})
	if e.synth != nil {
		e.params.AttachSynthesizer(e.synth)
	}

	e.adapter = iot.NewAdapter(e.client, e.bus, iot.WithLogger(e.logger), iot.WithMetrics(core))
	e.params.AttachTopicBinder(e.adapter)

	regOpts := []device.Option{
		device.WithLogger(e.logger),
		device.WithMetrics(core),
		device.WithStore(device.NewFileStore(e.cfg.Registry.ConfigDir)),
	}
	if len(e.cfg.Registry.DiscoveryTopics) > 0 {
		regOpts = append(regOpts, device.WithDiscoveryTopics(e.cfg.Registry.DiscoveryTopics...))
	}
	if e.cfg.Registry.AutoMap {
		regOpts = append(regOpts, device.WithMappingInstaller(e.adapter))
	}
	e.registry = device.NewRegistry(e.client, regOpts...)
	e.registry.SetDeviceDiscoveryCallback(e.onDeviceDiscovered)
	e.registry.SetDeviceStatusCallback(e.onDeviceStatus)

	e.midi = midiin.NewListener(e.params, e.logger)

	if err := e.applyMappings(e.cfg.Mappings); err != nil {
		return nil, err
	}
	if err := e.applyMIDIMappings(e.cfg.MIDI.Mappings); err != nil {
		return nil, err
	}

	e.registerHealthChecks()
	if e.cfg.Metrics.Enabled {
		e.server = metric.NewServer(e.cfg.Metrics.Port, e.cfg.Metrics.Path, e.metricsRegistry, e.Health)
	}
	return e, nil
}

func (e *Engine) transportOptions(core *metric.Metrics) ([]transport.Option, error) {
	tc := e.cfg.Transport
	opts := []transport.Option{
		transport.WithLogger(e.logger),
		transport.WithMetrics(core),
		transport.WithKeepAlive(time.Duration(tc.KeepAliveSeconds) * time.Second),
		transport.WithCleanSession(tc.CleanSession),
		transport.WithAutoReconnect(tc.AutoReconnect),
		transport.WithDefaultQoS(byte(tc.DefaultQoS)),
		transport.WithStatusTopic(tc.StatusTopic),
		transport.WithOnConnect(func() {
			e.logger.Info("broker session established", "component", "engine")
		}),
		transport.WithOnConnectionLost(func(err error) {
			e.logger.Warn("broker connection lost", "component", "engine", "error", err)
		}),
	}
	if tc.ReconnectInterval > 0 && tc.MaxReconnectInterval >= tc.ReconnectInterval {
		opts = append(opts, transport.WithReconnectInterval(tc.ReconnectInterval, tc.MaxReconnectInterval))
	}
	if tc.ConnectTimeout > 0 {
		opts = append(opts, transport.WithConnectTimeout(tc.ConnectTimeout))
	}
	if tc.Username != "" {
		opts = append(opts, transport.WithCredentials(tc.Username, tc.Password))
	}
	if w := tc.LastWill; w != nil {
		opts = append(opts, transport.WithLastWill(transport.LastWill{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     byte(w.QoS),
			Retain:  w.Retain,
		}))
	}
	if t := tc.TLS; t != nil && t.Enabled {
		tlsCfg, err := tlsutil.LoadClientConfig(tlsutil.ClientConfig{
			CAFiles:            t.CAFiles,
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			ServerName:         t.ServerName,
			InsecureSkipVerify: t.InsecureSkipVerify,
			MinVersion:         t.MinVersion,
		})
		if err != nil {
			return nil, err
		}
		if t.InsecureSkipVerify {
			e.logger.Warn("broker certificate verification disabled", "component", "engine")
		}
		opts = append(opts, transport.WithTLS(tlsCfg))
	}
	return opts, nil
}

func (e *Engine) onDeviceDiscovered(d device.Device) {
	if e.cfg.Registry.AutoMap {
		if n := e.registry.ApplyTopicMappingsForDevice(d.ID); n > 0 {
			e.logger.Info("device topics mapped", "component", "engine", "device", d.ID, "mappings", n)
		}
	}
	e.bus.DispatchEvent(eventbus.NewStateChangeEvent("device/" + d.ID + "/discovered"))
}

func (e *Engine) onDeviceStatus(d device.Device) {
	state := "disconnected"
	if d.Connected {
		state = "connected"
	}
	e.bus.DispatchEvent(eventbus.NewStateChangeEvent("device/" + d.ID + "/" + state))
}

// Config returns a copy of the configuration the engine was built from
func (e *Engine) Config() *config.Config { return e.cfg.Clone() }

// Client returns the broker client
func (e *Engine) Client() *transport.Client { return e.client }

// Bus returns the event bus
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Clock returns the musical time source of the bus
func (e *Engine) Clock() *eventbus.TempoClock { return e.clock }

// Parameters returns the parameter manager
func (e *Engine) Parameters() *param.Manager { return e.params }

// Adapter returns the IoT adapter
func (e *Engine) Adapter() *iot.Adapter { return e.adapter }

// Registry returns the device registry
func (e *Engine) Registry() *device.Registry { return e.registry }

// LiveConfig returns the live configuration manager, nil before Run
func (e *Engine) LiveConfig() *config.Manager { return e.live.Load() }

// IsRunning reports whether Run is active
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Run connects, starts every component and blocks running the periodic
// loops until ctx is cancelled or a loop fails. Components are stopped and
// the registry saved before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Run", "start engine")
	}
	defer e.running.Store(false)

	if err := e.start(ctx); err != nil {
		e.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(gctx, e.automationInterval, e.params.UpdateAutomation)
	})
	g.Go(func() error {
		return tickLoop(gctx, e.busInterval, func(dt time.Duration) {
			e.clock.Advance(dt)
			e.bus.Update(dt)
		})
	})
	g.Go(func() error {
		return tickLoop(gctx, e.transportInterval, func(time.Duration) {
			e.client.Update(gctx)
		})
	})
	g.Go(func() error { return e.watchConfig(gctx) })
	if e.server != nil {
		g.Go(e.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return e.server.Stop()
		})
	}

	e.logger.Info("engine running", "component", "engine",
		"parameters", e.params.Count(), "mappings", len(e.adapter.Mappings()))

	err := g.Wait()
	e.shutdown()
	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	tc := e.cfg.Transport
	err := retry.Do(ctx, e.retry, func() error {
		err := e.client.Connect(ctx, tc.Host, tc.Port, tc.ClientID)
		if errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !tc.AutoReconnect || errors.IsInvalid(err) {
			return errors.Wrap(err, "Engine", "Run", "connect to broker")
		}
		e.logger.Warn("initial connect failed, retrying in background", "component", "engine", "error", err)
	}

	if err := e.openJetStream(ctx); err != nil {
		return err
	}

	var kv config.KeyValue
	if e.js != nil {
		bucket, err := config.OpenBucket(ctx, e.js, config.DefaultBucket)
		if err != nil {
			e.logger.Warn("live configuration unavailable", "component", "engine", "error", err)
		} else {
			kv = bucket
		}
	}
	live, err := config.NewManager(e.cfg, kv, e.logger)
	if err != nil {
		return err
	}
	if err := live.Start(ctx); err != nil {
		return err
	}
	e.live.Store(live)

	if err := e.registry.Load(ctx); err != nil {
		e.logger.Warn("device registry not restored", "component", "engine", "error", err)
	}
	if err := e.adapter.Start(); err != nil {
		return err
	}
	if e.cfg.Registry.Discover {
		if err := e.registry.StartDiscovery(); err != nil {
			return err
		}
	}
	if e.cfg.Registry.AutoMap {
		e.registry.ApplyTopicMappings()
	}
	e.openMIDI(e.cfg.MIDI)
	return nil
}

// openJetStream dials registry.nats_url when the KV device store is
// configured and no JetStream context was supplied
func (e *Engine) openJetStream(ctx context.Context) error {
	if e.cfg.Registry.Store != config.StoreKV {
		return nil
	}
	if e.js == nil {
		nc, err := nats.Connect(e.cfg.Registry.NATSURL, nats.Name("synthiot-registry"))
		if err != nil {
			return errors.WrapTransient(err, "Engine", "Run", "connect to NATS for KV store")
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return errors.WrapFatal(err, "Engine", "Run", "create JetStream context")
		}
		e.nc, e.js = nc, js
	}
	store, err := device.OpenKVStore(ctx, e.js, e.cfg.Registry.KVBucket)
	if err != nil {
		return err
	}
	e.registry.SetStore(store)
	return nil
}

func (e *Engine) openMIDI(mc config.MIDIConfig) {
	if !mc.Enabled {
		e.midi.Close()
		return
	}
	if e.midi.Port() != "" && e.midi.Port() == mc.Port {
		return
	}
	if err := e.midi.Open(mc.Port); err != nil {
		e.logger.Warn("midi input unavailable", "component", "engine", "port", mc.Port, "error", err)
	}
}

// shutdown stops components in reverse start order
func (e *Engine) shutdown() {
	e.midi.Close()
	e.registry.StopDiscovery()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.registry.Save(ctx); err != nil {
		e.logger.Warn("device registry not saved", "component", "engine", "error", err)
	}

	e.adapter.Stop()
	if live := e.live.Load(); live != nil {
		if err := live.Stop(5 * time.Second); err != nil {
			e.logger.Warn("live configuration stop", "component", "engine", "error", err)
		}
	}
	e.client.Disconnect()
	if e.nc != nil {
		e.nc.Close()
		e.nc, e.js = nil, nil
	}
	e.logger.Info("engine stopped", "component", "engine")
}

// tickLoop calls fn with the measured elapsed time every interval until
// ctx is done
func tickLoop(ctx context.Context, interval time.Duration, fn func(time.Duration)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fn(now.Sub(last))
			last = now
		}
	}
}

// watchConfig applies live mapping and MIDI changes
func (e *Engine) watchConfig(ctx context.Context) error {
	updates := e.live.Load().OnChange("m*")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			e.applySection(u)
		}
	}
}

func (e *Engine) applySection(u config.Update) {
	cfg := u.Config.Get()
	start := time.Now()

	var err error
	switch u.Path {
	case config.SectionMappings:
		err = e.applyMappings(cfg.Mappings)
	case config.SectionMIDI:
		err = e.applyMIDIMappings(cfg.MIDI.Mappings)
		e.openMIDI(cfg.MIDI)
	default:
		return
	}

	e.metrics.recordReload(u.Path, err == nil, time.Since(start).Seconds())
	if err != nil {
		e.logger.Error("configuration section not applied", "component", "engine", "section", u.Path, "error", err)
		return
	}
	e.logger.Debug("configuration section applied", "component", "engine", "section", u.Path)
}
