package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/safefile"
)

func TestFileStore_SaveCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "config")
	store := NewFileStore(dir)

	snap := &Snapshot{Version: SnapshotVersion, Timestamp: 10, DiscoveryTopics: []string{"discovery/#"}, Devices: sampleDevices()}
	require.NoError(t, store.Save(context.Background(), snap))

	info, err := os.Stat(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	back, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, back.Version)
	assert.Equal(t, []string{"discovery/#"}, back.DiscoveryTopics)
	require.Len(t, back.Devices, len(snap.Devices))
	assert.Equal(t, "ctrl_1", back.Devices[1].ID)
}

func TestFileStore_Missing(t *testing.T) {
	_, err := NewFileStore(t.TempDir()).Load(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFileStore_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"devices":[{"name":"no id"}]}`), 0o600))
	_, err := NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidDevice)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{`), 0o600))
	_, err = NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestFileStore_RejectsUnsafeSnapshots(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ConfigFileName), 0o755))
	_, err := NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.False(t, IsNotFound(err))

	dir = t.TempDir()
	deep := `{"devices":[{"id":"x","capabilities":` + strings.Repeat(`{"a":`, safefile.MaxDepth) + "1" + strings.Repeat("}", safefile.MaxDepth) + `}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(deep), 0o600))
	_, err = NewFileStore(dir).Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.ErrorIs(t, err, safefile.ErrTooDeep)
}

type memEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e memEntry) Bucket() string                  { return "test" }
func (e memEntry) Key() string                     { return e.key }
func (e memEntry) Value() []byte                   { return e.value }
func (e memEntry) Revision() uint64                { return e.rev }
func (e memEntry) Created() time.Time              { return time.Time{} }
func (e memEntry) Delta() uint64                   { return 0 }
func (e memEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type memBucket struct {
	mu   sync.Mutex
	data map[string]memEntry
	fail error
}

func (b *memBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	e, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return 0, b.fail
	}
	rev := b.data[key].rev + 1
	b.data[key] = memEntry{key: key, value: value, rev: rev}
	return rev, nil
}

func TestKVStore_RoundTrip(t *testing.T) {
	bucket := &memBucket{data: map[string]memEntry{}}
	store := NewKVStore(bucket, "")

	_, err := store.Load(context.Background())
	assert.True(t, IsNotFound(err))

	snap := &Snapshot{Version: SnapshotVersion, Devices: sampleDevices()[:2]}
	require.NoError(t, store.Save(context.Background(), snap))
	assert.Contains(t, bucket.data, DefaultKVKey)

	back, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, back.Devices, 2)
	assert.Equal(t, "sensor_1", back.Devices[0].ID)
}

func TestKVStore_Unavailable(t *testing.T) {
	bucket := &memBucket{data: map[string]memEntry{}, fail: jetstream.ErrBucketNotFound}
	store := NewKVStore(bucket, "k")

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.True(t, errors.IsTransient(err))
	assert.Error(t, store.Save(context.Background(), &Snapshot{}))
}
