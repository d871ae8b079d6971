// Package engine builds the synthiot runtime from a config.Config and runs
// it.
//
// New wires the components together:
//
//	transport.Client ──► iot.Adapter ──► eventbus.Bus
//	       │                  │
//	       │                  └────────► param.Manager ──► Synthesizer
//	       └──► device.Registry (discovery, auto-mapping, persistence)
//
// Configured parameters become the parameter tree, configured mappings are
// installed on the adapter and MIDI mappings on the manager's CC map.
// Parameter changes are re-dispatched on the bus as parameter_change
// events; device discovery and status changes as state_change events.
//
// Run connects to the broker (retrying with backoff), starts discovery and
// then runs four loops until the context ends:
//
//   - automation: param.Manager.UpdateAutomation once per audio block
//   - bus: advances the TempoClock and fires scheduled events
//   - transport: paced reconnect attempts
//   - live configuration: re-applies mapping and MIDI sections
//
// With metrics enabled a metric.Server serves /metrics and /health.
//
//	eng, err := engine.New(cfg, engine.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	return eng.Run(ctx)
package engine
