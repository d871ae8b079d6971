package config

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/safefile"
)

// DefaultBucket is the KV bucket holding the live configuration
const DefaultBucket = "synthiot_config"

// Section keys as stored in the bucket
const (
	SectionVersion    = "version"
	SectionTransport  = "transport"
	SectionRegistry   = "registry"
	SectionParameters = "parameters"
	SectionMappings   = "mappings"
	SectionMIDI       = "midi"
	SectionMetrics    = "metrics"
)

// KeyValue is the part of a jetstream.KeyValue bucket the manager uses
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// Update represents a configuration change notification
type Update struct {
	Path   string      // Changed section, or the subscription pattern for the initial send
	Config *SafeConfig // Full latest configuration
}

// Manager keeps the running configuration in sync with a KV bucket and
// notifies subscribers when a section changes. Mappings and MIDI bindings
// edited in the bucket are applied without a restart.
type Manager struct {
	config      *SafeConfig
	kv          KeyValue
	watcher     jetstream.KeyWatcher
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates a configuration manager. kv may be nil, in which case
// only local Apply calls change the configuration.
func NewManager(cfg *Config, kv KeyValue, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "check config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg.Clone()),
		kv:          kv,
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config"),
	}, nil
}

// OpenBucket gets or creates the configuration bucket
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "synthiot runtime configuration",
		History:     5,
	})
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Manager", "OpenBucket", "open config bucket")
	}
	return kv, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of the sections matching pattern. The
// current configuration is sent immediately.
// Pattern examples:
//   - "mappings" - exact section
//   - "*" - every section
//   - "m*" - sections starting with m
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: cm.config}:
	default:
	}
	return ch
}

// Start syncs with the bucket and begins watching it
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})
	if cm.kv == nil {
		cm.logger.Debug("no config bucket, watching disabled")
		return nil
	}

	hasConfig, err := cm.hasKVConfig(ctx)
	if err != nil {
		cm.logger.Warn("Failed to check KV config existence", "error", err)
		hasConfig = false
	}

	if !hasConfig {
		cm.logger.Info("Empty config bucket, pushing file config")
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push initial config to KV", "error", err)
		}
	} else {
		cm.reconcile(ctx)
	}

	watcher, err := cm.kv.Watch(ctx, "*", jetstream.UpdatesOnly())
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Manager", "Start", "watch config bucket")
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx, watcher)
	return nil
}

// reconcile decides the sync direction from the file and bucket versions
func (cm *Manager) reconcile(ctx context.Context) {
	fileVersion := cm.config.Get().Version
	kvVersion := cm.getKVVersion(ctx)

	cmp, err := CompareVersions(fileVersion, kvVersion)
	switch {
	case err != nil:
		cm.logger.Warn("Failed to compare versions, syncing from KV",
			"file_version", fileVersion, "kv_version", kvVersion, "error", err)
		cm.syncFromKV(ctx)
	case cmp > 0:
		cm.logger.Info("File version is newer than KV, updating KV",
			"file_version", fileVersion, "kv_version", kvVersion)
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to update KV with newer config", "error", err)
		}
	case cmp < 0:
		cm.logger.Warn("File version is older than KV, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion,
			"hint", "bump file version to update KV")
		cm.syncFromKV(ctx)
	default:
		cm.logger.Info("File and KV versions match, syncing from KV", "version", fileVersion)
		cm.syncFromKV(ctx)
	}
}

// Stop stops watching for configuration changes and closes every
// subscription channel
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer cm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			var value []byte
			if entry.Operation() == jetstream.KeyValuePut {
				value = entry.Value()
			}
			if err := cm.Apply(entry.Key(), value); err != nil {
				cm.logger.Error("Failed to update configuration", "key", entry.Key(), "error", err)
			}
		}
	}
}

// Apply replaces one section with the JSON in value and notifies the
// matching subscribers. An empty value clears list sections. The new
// configuration must validate.
func (cm *Manager) Apply(section string, value []byte) error {
	if cm.stopped.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Manager", "Apply", "check state")
	}
	if err := cm.updateConfig(section, value); err != nil {
		return err
	}
	cm.logger.Info("configuration section updated", "section", section)

	update := Update{Path: section, Config: cm.config}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(section, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return nil
			}
			// slow subscribers miss intermediate updates; the next one carries the full config
			select {
			case ch <- update:
			default:
			}
		}
	}
	return nil
}

func matchesPattern(key, pattern string) bool {
	if pattern == key || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

func (cm *Manager) updateConfig(key string, value []byte) error {
	if len(value) > safefile.MaxConfigSize {
		return errors.WrapInvalid(fmt.Errorf("%w: value too large: %d bytes", errors.ErrInvalidConfig, len(value)),
			"Manager", "updateConfig", "check size")
	}
	if len(value) > 0 {
		if err := safefile.CheckDepth(value, safefile.MaxDepth); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Manager", "updateConfig", "check structure")
		}
	}

	current := cm.config.Get()
	var target any
	switch key {
	case SectionVersion:
		target = &current.Version
	case SectionTransport:
		target = &current.Transport
	case SectionRegistry:
		target = &current.Registry
	case SectionMIDI:
		target = &current.MIDI
	case SectionMetrics:
		target = &current.Metrics
	case SectionParameters:
		current.Parameters = nil
		target = &current.Parameters
	case SectionMappings:
		current.Mappings = nil
		target = &current.Mappings
	default:
		cm.logger.Debug("ignoring unknown config key", "key", key)
		return nil
	}

	if len(value) > 0 {
		if err := json.Unmarshal(value, target); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrParsingFailed, key, err),
				"Manager", "updateConfig", "decode section")
		}
	}
	return cm.config.Update(current)
}

// PushToKV writes every section of the current configuration to the bucket
func (cm *Manager) PushToKV(ctx context.Context) error {
	if cm.kv == nil {
		return errors.WrapInvalid(errors.ErrStorageUnavailable, "Manager", "PushToKV", "find bucket")
	}
	cfg := cm.config.Get()

	sections := []struct {
		key   string
		value any
	}{
		{SectionTransport, cfg.Transport},
		{SectionRegistry, cfg.Registry},
		{SectionParameters, cfg.Parameters},
		{SectionMappings, cfg.Mappings},
		{SectionMIDI, cfg.MIDI},
		{SectionMetrics, cfg.Metrics},
		// version last so a reader never sees a new version with old sections
		{SectionVersion, cfg.Version},
	}
	for _, s := range sections {
		data, err := json.Marshal(s.value)
		if err != nil {
			return errors.WrapInvalid(err, "Manager", "PushToKV", "encode "+s.key)
		}
		if _, err := cm.kv.Put(ctx, s.key, data); err != nil {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
				"Manager", "PushToKV", "put "+s.key)
		}
	}
	return nil
}

func (cm *Manager) hasKVConfig(ctx context.Context) (bool, error) {
	keys, err := cm.kv.Keys(ctx)
	if stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func (cm *Manager) getKVVersion(ctx context.Context) string {
	entry, err := cm.kv.Get(ctx, SectionVersion)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value(), &version); err != nil {
		cm.logger.Warn("Failed to parse version from KV, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV applies every section stored in the bucket
func (cm *Manager) syncFromKV(ctx context.Context) {
	keys, err := cm.kv.Keys(ctx)
	if err != nil {
		cm.logger.Warn("Failed to list KV keys", "error", err)
		return
	}

	for _, key := range keys {
		entry, err := cm.kv.Get(ctx, key)
		if err != nil {
			cm.logger.Warn("Failed to get KV entry during sync", "key", key, "error", err)
			continue
		}
		if err := cm.updateConfig(key, entry.Value()); err != nil {
			cm.logger.Warn("Failed to apply KV config during sync", "key", key, "error", err)
		}
	}
	cm.logger.Info("Synced configuration from KV", "keys", len(keys))
}

// CompareVersions compares two semver version strings. It returns -1, 0
// or 1 as v1 is older, equal or newer than v2.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	b, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1, nil
		case a[i] < b[i]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses "major.minor.patch" with an optional v prefix
func parseSemVer(version string) ([3]int, error) {
	var out [3]int
	if version == "" {
		return out, stderrors.New("version cannot be empty")
	}
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, fmt.Errorf("invalid version part '%s': %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}
