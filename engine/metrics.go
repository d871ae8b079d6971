package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/synthiot/metric"
)

// engineMetrics holds Prometheus metrics for configuration reloads
type engineMetrics struct {
	reloads        *prometheus.CounterVec // by section and status
	reloadDuration prometheus.Histogram
	mappings       prometheus.Gauge // configured topic mappings
	midiMappings   prometheus.Gauge
}

// newEngineMetrics registers engine metrics. A nil registry disables them.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synthiot",
			Subsystem: "engine",
			Name:      "reloads_total",
			Help:      "Configuration sections applied at runtime",
		}, []string{"section", "status"}),

		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synthiot",
			Subsystem: "engine",
			Name:      "reload_duration_seconds",
			Help:      "Time spent applying a configuration section",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synthiot",
			Subsystem: "engine",
			Name:      "configured_mappings",
			Help:      "Topic mappings installed from configuration",
		}),

		midiMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synthiot",
			Subsystem: "engine",
			Name:      "midi_mappings",
			Help:      "MIDI CC mappings installed from configuration",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "reloads", m.reloads); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "reload_duration", m.reloadDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "configured_mappings", m.mappings); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "midi_mappings", m.midiMappings); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordReload(section string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.reloads.WithLabelValues(section, status).Inc()
	m.reloadDuration.Observe(seconds)
}

func (m *engineMetrics) setMappings(n int) {
	if m != nil {
		m.mappings.Set(float64(n))
	}
}

func (m *engineMetrics) setMIDIMappings(n int) {
	if m != nil {
		m.midiMappings.Set(float64(n))
	}
}
