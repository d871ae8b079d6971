// Package synthiot bridges IoT messaging and a synthesizer engine: sensor
// readings and controller messages arriving over MQTT or NATS become
// events and parameter changes that a sound engine can consume.
//
// # Layers
//
//	┌─────────────────────────────────────┐
//	│           engine                    │  wiring, run loops,
//	│  (New, Run, live reload, health)    │  shutdown
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
//	│    iot       │ │   param      │ │   device     │
//	│ topic → event│ │ tree, MIDI,  │ │ discovery,   │
//	│ topic → param│ │ automation   │ │ persistence  │
//	└──────┬───────┘ └──────┬───────┘ └──────┬───────┘
//	       ↓                ↓                ↓
//	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
//	│  transport   │ │  eventbus    │ │   midiin     │
//	│ MQTT / NATS  │ │ priority     │ │ CC listener  │
//	│ / in-memory  │ │ queue, tempo │ │              │
//	└──────────────┘ └──────────────┘ └──────────────┘
//
// Supporting packages: topic (MQTT filter matching), config (layered
// JSON/YAML loading, JetStream KV live updates), metric (Prometheus
// registry and HTTP endpoint), health (component status aggregation),
// errors (classified error wrapping), pkg/retry and pkg/tlsutil.
//
// # Data flow
//
// A message on "home/living/temperature" with payload "21.5" is matched
// against the installed mappings. For a parameter mapping the payload is
// extracted, normalized against the sensor range, shaped by the mapping
// mode and written to the bound parameter. The parameter change is then
// dispatched as a ParameterEvent on the bus and, when a publish topic is
// configured, echoed back to the broker. Event mappings skip the
// parameter tree and queue an event with the payload's value.
//
// The command in cmd/synthiot runs the engine, validates configuration,
// lists persisted devices and publishes test messages.
package synthiot
