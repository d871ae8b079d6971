// Package metric provides Prometheus metrics for the synthiot components and
// an HTTP server exposing them alongside an aggregate health endpoint.
//
// NewMetricsRegistry registers the core metrics (transport traffic, event
// dispatch, mapping firings, device counts, automation tick latency) plus the
// Go runtime collectors. Components receive the *Metrics value and call its
// Record methods; a nil *Metrics disables recording.
//
//	registry := metric.NewMetricsRegistry()
//	client := transport.NewClient(dialer, transport.WithMetrics(registry.CoreMetrics()))
//	server := metric.NewServer(9090, "/metrics", registry, engine.Health)
//	go server.Start()
package metric
