package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "synthiot"

// Metrics contains the core metrics shared by the transport, event bus,
// IoT adapter, parameter manager and device registry. Every Record method is
// safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	// Transport
	MessagesReceived  prometheus.Counter
	MessagesPublished prometheus.Counter
	PublishFailures   prometheus.Counter
	Reconnects        prometheus.Counter
	ConnectionState   prometheus.Gauge

	// Event bus
	EventsDispatched *prometheus.CounterVec
	ListenerFailures prometheus.Counter
	ScheduledPending prometheus.Gauge

	// IoT adapter
	MappingsFired      *prometheus.CounterVec
	ConversionFailures prometheus.Counter

	// Parameters
	AutomationTick prometheus.Histogram

	// Device registry
	Devices *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total number of inbound broker messages",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to the broker",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "publish_failures_total",
			Help:      "Total number of rejected publish calls",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnections",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=disconnecting, 4=reconnecting)",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_dispatched_total",
			Help:      "Total number of dispatched events by kind",
		}, []string{"kind"}),
		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "listener_failures_total",
			Help:      "Total number of listeners that panicked during dispatch",
		}),
		ScheduledPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "scheduled_pending",
			Help:      "Number of scheduled events waiting for dispatch",
		}),
		MappingsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "mappings_fired_total",
			Help:      "Total number of mapping firings by sink (event, parameter)",
		}, []string{"sink"}),
		ConversionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "conversion_failures_total",
			Help:      "Total number of payloads a mapping could not convert",
		}),
		AutomationTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "params",
			Name:      "automation_tick_seconds",
			Help:      "Duration of one automation update",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		Devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Known devices by state (total, connected)",
		}, []string{"state"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesReceived,
		c.MessagesPublished,
		c.PublishFailures,
		c.Reconnects,
		c.ConnectionState,
		c.EventsDispatched,
		c.ListenerFailures,
		c.ScheduledPending,
		c.MappingsFired,
		c.ConversionFailures,
		c.AutomationTick,
		c.Devices,
	}
}

// RecordMessageReceived increments the inbound message counter
func (c *Metrics) RecordMessageReceived() {
	if c == nil {
		return
	}
	c.MessagesReceived.Inc()
}

// RecordPublish records the outcome of a publish call
func (c *Metrics) RecordPublish(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.MessagesPublished.Inc()
	} else {
		c.PublishFailures.Inc()
	}
}

// RecordReconnect increments the reconnection counter
func (c *Metrics) RecordReconnect() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

// RecordConnectionState updates the connection state gauge
func (c *Metrics) RecordConnectionState(state int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(state))
}

// RecordEventDispatched increments the dispatch counter for an event kind
func (c *Metrics) RecordEventDispatched(kind string) {
	if c == nil {
		return
	}
	c.EventsDispatched.WithLabelValues(kind).Inc()
}

// RecordListenerFailure increments the listener failure counter
func (c *Metrics) RecordListenerFailure() {
	if c == nil {
		return
	}
	c.ListenerFailures.Inc()
}

// RecordScheduledPending updates the scheduled queue depth
func (c *Metrics) RecordScheduledPending(n int) {
	if c == nil {
		return
	}
	c.ScheduledPending.Set(float64(n))
}

// RecordMappingFired increments the firing counter for a sink type
func (c *Metrics) RecordMappingFired(sink string) {
	if c == nil {
		return
	}
	c.MappingsFired.WithLabelValues(sink).Inc()
}

// RecordConversionFailure increments the conversion failure counter
func (c *Metrics) RecordConversionFailure() {
	if c == nil {
		return
	}
	c.ConversionFailures.Inc()
}

// RecordAutomationTick observes the duration of one automation update
func (c *Metrics) RecordAutomationTick(d time.Duration) {
	if c == nil {
		return
	}
	c.AutomationTick.Observe(d.Seconds())
}

// RecordDevices updates the device gauges
func (c *Metrics) RecordDevices(total, connected int) {
	if c == nil {
		return
	}
	c.Devices.WithLabelValues("total").Set(float64(total))
	c.Devices.WithLabelValues("connected").Set(float64(connected))
}
