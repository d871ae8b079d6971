package engine

import (
	"fmt"

	"github.com/c360/synthiot/health"
	"github.com/c360/synthiot/transport"
)

// SystemName is the component name of the aggregate health status
const SystemName = "synthiot"

func (e *Engine) registerHealthChecks() {
	e.monitor.Register("transport", func() health.Status {
		switch s := e.client.Status(); s {
		case transport.StatusConnected:
			return health.NewHealthy("transport", "connected as "+e.client.ClientID())
		case transport.StatusConnecting, transport.StatusReconnecting:
			return health.NewDegraded("transport", s.String())
		default:
			return health.NewUnhealthy("transport", s.String())
		}
	})

	e.monitor.Register("bus", func() health.Status {
		return health.NewHealthy("bus", fmt.Sprintf("%d scheduled events", e.bus.PendingCount()))
	})

	e.monitor.Register("adapter", func() health.Status {
		if !e.adapter.IsRunning() {
			return health.NewUnhealthy("adapter", "not running")
		}
		return health.NewHealthy("adapter", fmt.Sprintf("%d mappings", len(e.adapter.Mappings())))
	})

	e.monitor.Register("registry", func() health.Status {
		stats := e.registry.Stats()
		msg := fmt.Sprintf("%d devices, %d connected", stats.Total, stats.Connected)
		if e.cfg.Registry.Discover && !e.registry.IsDiscovering() {
			return health.NewDegraded("registry", "discovery stopped; "+msg)
		}
		return health.NewHealthy("registry", msg)
	})
}

// Health returns the aggregate status of every component
func (e *Engine) Health() health.Status {
	return e.monitor.AggregateHealth(SystemName)
}
