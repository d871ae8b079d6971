package config

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kvEntry struct {
	key   string
	value []byte
	rev   uint64
	op    jetstream.KeyValueOp
}

func (e kvEntry) Bucket() string                  { return DefaultBucket }
func (e kvEntry) Key() string                     { return e.key }
func (e kvEntry) Value() []byte                   { return e.value }
func (e kvEntry) Revision() uint64                { return e.rev }
func (e kvEntry) Created() time.Time              { return time.Time{} }
func (e kvEntry) Delta() uint64                   { return 0 }
func (e kvEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	updates chan jetstream.KeyValueEntry
	once    sync.Once
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }
func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.updates) })
	return nil
}

// memKV is an in-memory bucket whose watcher sees every later Put
type memKV struct {
	mu       sync.Mutex
	data     map[string]kvEntry
	rev      uint64
	watchers []*fakeWatcher
}

func newMemKV() *memKV { return &memKV{data: map[string]kvEntry{}} }

func (m *memKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	m.rev++
	e := kvEntry{key: key, value: value, rev: m.rev, op: jetstream.KeyValuePut}
	m.data[key] = e
	watchers := append([]*fakeWatcher(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		w.updates <- e
	}
	return e.rev, nil
}

func (m *memKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memKV) Watch(_ context.Context, _ string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)}
	m.watchers = append(m.watchers, w)
	return w, nil
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for config update")
		return Update{}
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		key, pattern string
		expected     bool
	}{
		{"mappings", "mappings", true},
		{"mappings", "*", true},
		{"mappings", "m*", true},
		{"midi", "m*", true},
		{"transport", "m*", false},
		{"mappings", "midi", false},
	}
	for _, tt := range tests {
		t.Run(tt.key+" "+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchesPattern(tt.key, tt.pattern))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	cmp, err := CompareVersions("1.2.0", "1.10.0")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = CompareVersions("v2.0.0", "1.9.9")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = CompareVersions("1.0.0", "1.0.0")
	require.NoError(t, err)
	assert.Zero(t, cmp)

	_, err = CompareVersions("1.0", "1.0.0")
	assert.Error(t, err)
	_, err = CompareVersions("", "1.0.0")
	assert.Error(t, err)
}

func TestManager_ApplyNotifiesSubscribers(t *testing.T) {
	cm, err := NewManager(Default(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop(time.Second)

	mappings := cm.OnChange(SectionMappings)
	initial := receive(t, mappings)
	assert.Equal(t, SectionMappings, initial.Path)
	assert.Empty(t, initial.Config.Get().Mappings)

	transport := cm.OnChange("transport")
	receive(t, transport)

	value := `[{"topic": "ctrl_1/button", "event": "button_press"}]`
	require.NoError(t, cm.Apply(SectionMappings, []byte(value)))

	u := receive(t, mappings)
	assert.Equal(t, SectionMappings, u.Path)
	assert.Equal(t, []MappingConfig{{Topic: "ctrl_1/button", Event: "button_press"}}, u.Config.Get().Mappings)

	select {
	case <-transport:
		t.Fatal("transport subscriber notified of a mappings change")
	default:
	}

	// clearing a list section
	require.NoError(t, cm.Apply(SectionMappings, nil))
	assert.Empty(t, receive(t, mappings).Config.Get().Mappings)
}

func TestManager_ApplyRejectsInvalid(t *testing.T) {
	cm, err := NewManager(Default(), nil, nil)
	require.NoError(t, err)

	assert.Error(t, cm.Apply(SectionMappings, []byte(`[{"topic": "a"}]`)), "mapping without sink")
	assert.Error(t, cm.Apply(SectionTransport, []byte(`{"port": "x"}`)))
	assert.Error(t, cm.Apply(SectionMappings, []byte(`[[[`)))
	assert.NoError(t, cm.Apply("unrelated", []byte(`{}`)))

	// partial section updates keep the other fields
	require.NoError(t, cm.Apply(SectionTransport, []byte(`{"host": "studio"}`)))
	cfg := cm.GetConfig().Get()
	assert.Equal(t, "studio", cfg.Transport.Host)
	assert.Equal(t, 1883, cfg.Transport.Port)

	require.NoError(t, cm.Stop(time.Second))
	assert.Error(t, cm.Apply(SectionTransport, []byte(`{"host": "late"}`)))
}

func TestManager_FirstBootPushesConfig(t *testing.T) {
	kv := newMemKV()
	cfg := Default()
	cfg.Mappings = []MappingConfig{{Topic: "home/+/temperature", Event: "temperature_update"}}

	cm, err := NewManager(cfg, kv, nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop(time.Second)

	keys, err := kv.Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"version", "transport", "registry", "parameters", "mappings", "midi", "metrics"}, keys)

	entry, err := kv.Get(context.Background(), SectionMappings)
	require.NoError(t, err)
	var stored []MappingConfig
	require.NoError(t, json.Unmarshal(entry.Value(), &stored))
	assert.Equal(t, cfg.Mappings, stored)
}

func TestManager_WatchesBucket(t *testing.T) {
	kv := newMemKV()
	cm, err := NewManager(Default(), kv, nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop(time.Second)

	updates := cm.OnChange("midi")
	receive(t, updates)

	_, err = kv.Put(context.Background(), SectionMIDI, []byte(`{"enabled": true, "mappings": [{"cc": 1, "channel": 0, "path": "lfo/rate"}]}`))
	require.NoError(t, err)

	u := receive(t, updates)
	assert.Equal(t, SectionMIDI, u.Path)
	midi := u.Config.Get().MIDI
	assert.True(t, midi.Enabled)
	assert.Equal(t, []MIDIMappingConfig{{CC: 1, Channel: 0, Path: "lfo/rate"}}, midi.Mappings)
}

func TestManager_SyncFromNewerBucket(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()
	_, _ = kv.Put(ctx, SectionVersion, []byte(`"2.0.0"`))
	_, _ = kv.Put(ctx, SectionTransport, []byte(`{"host": "from-kv", "port": 1883}`))

	cm, err := NewManager(Default(), kv, nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(ctx))
	defer cm.Stop(time.Second)

	cfg := cm.GetConfig().Get()
	assert.Equal(t, "2.0.0", cfg.Version)
	assert.Equal(t, "from-kv", cfg.Transport.Host)
}

func TestManager_NewerFileWins(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()
	_, _ = kv.Put(ctx, SectionVersion, []byte(`"0.9.0"`))
	_, _ = kv.Put(ctx, SectionTransport, []byte(`{"host": "stale", "port": 1883}`))

	cm, err := NewManager(Default(), kv, nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(ctx))
	defer cm.Stop(time.Second)

	assert.Equal(t, "localhost", cm.GetConfig().Get().Transport.Host)
	entry, err := kv.Get(ctx, SectionVersion)
	require.NoError(t, err)
	assert.Equal(t, `"1.0.0"`, string(entry.Value()))
}

func TestManager_StopClosesSubscribers(t *testing.T) {
	cm, err := NewManager(Default(), newMemKV(), nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))

	ch := cm.OnChange("*")
	receive(t, ch)
	require.NoError(t, cm.Stop(time.Second))
	require.NoError(t, cm.Stop(time.Second))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestNewManager_NilConfig(t *testing.T) {
	_, err := NewManager(nil, nil, nil)
	assert.Error(t, err)
}
