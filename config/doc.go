// Package config provides configuration management for synthiot.
//
// This package handles loading, validation and live updates of the
// application configuration from JSON or YAML files, environment variables
// and a NATS KV bucket.
//
// # Core Components
//
// Config: the complete configuration with the transport, registry,
// parameters, mappings, midi and metrics sections.
//
// SafeConfig: thread-safe wrapper using an RWMutex and deep cloning to
// prevent concurrent access issues and accidental mutations.
//
// Loader: merges the defaults, each file layer and SYNTHIOT_* environment
// overrides, then optionally validates the result.
//
// Manager: keeps the configuration in sync with a KV bucket, section by
// section, and notifies subscribers through channels.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/synth.json")
//	loader.AddLayer("config/studio.yaml") // overrides synth.json
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations may be written as strings ("250ms", "1m") in either format.
// Every layer is checked against the embedded JSON Schema (see Schema)
// before merging, so a misspelled key fails the load instead of being
// ignored.
//
// # TLS
//
//	transport:
//	  port: 8883
//	  tls:
//	    enabled: true
//	    ca_files: [/etc/synthiot/ca.pem]
//	    cert_file: /etc/synthiot/client.pem
//	    key_file: /etc/synthiot/client.key
//
// # Live Configuration
//
//	kv, err := config.OpenBucket(ctx, js, config.DefaultBucket)
//	cm, err := config.NewManager(cfg, kv, logger)
//	if err := cm.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange(config.SectionMappings) {
//		applyMappings(update.Config.Get().Mappings)
//	}
//
// On start an empty bucket is seeded from the file configuration. When the
// bucket already holds a configuration, the newer version wins.
//
// # Environment Overrides
//
//	SYNTHIOT_TRANSPORT_BACKEND, SYNTHIOT_TRANSPORT_HOST, SYNTHIOT_TRANSPORT_PORT,
//	SYNTHIOT_TRANSPORT_CLIENT_ID, SYNTHIOT_TRANSPORT_USERNAME, SYNTHIOT_TRANSPORT_PASSWORD,
//	SYNTHIOT_TRANSPORT_TLS_CA_FILE (enables TLS),
//	SYNTHIOT_REGISTRY_CONFIG_DIR, SYNTHIOT_REGISTRY_NATS_URL, SYNTHIOT_MIDI_PORT,
//	SYNTHIOT_METRICS_PORT
package config
