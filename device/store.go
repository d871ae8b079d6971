package device

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/safefile"
)

// SnapshotVersion is the persistence format version
const SnapshotVersion = 1

// ConfigFileName is the registry file inside the config directory
const ConfigFileName = "devices.json"

// Snapshot is the persisted form of the registry
type Snapshot struct {
	Version         int      `json:"version"`
	Timestamp       int64    `json:"timestamp"`
	DiscoveryTopics []string `json:"discovery_topics"`
	Devices         []Device `json:"devices"`
}

// Store persists registry snapshots
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}

func decodeSnapshot(data []byte, component string) (*Snapshot, error) {
	if len(data) > safefile.MaxSnapshotSize {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: snapshot of %d bytes", errors.ErrInvalidConfig, len(data)), component, "Load", "check size")
	}
	if err := safefile.CheckDepth(data, safefile.MaxDepth); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), component, "Load", "check structure")
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), component, "Load", "decode snapshot")
	}
	for i, d := range s.Devices {
		if d.ID == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: device %d has no id", errors.ErrInvalidDevice, i), component, "Load", "validate devices")
		}
	}
	return &s, nil
}

// IsNotFound reports whether err means nothing was persisted yet
func IsNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrConfigNotFound)
}

// FileStore keeps the snapshot in <Dir>/devices.json
type FileStore struct {
	Dir string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore { return &FileStore{Dir: dir} }

// Path returns the snapshot file path
func (f *FileStore) Path() string { return filepath.Join(f.Dir, ConfigFileName) }

// Load reads the snapshot. A missing file is ErrConfigNotFound.
func (f *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := safefile.Read(f.Path(), safefile.MaxSnapshotSize)
	switch {
	case err == nil:
	case stderrors.Is(err, fs.ErrNotExist):
		return nil, errors.WrapInvalid(errors.ErrConfigNotFound, "FileStore", "Load", "read "+f.Path())
	case stderrors.Is(err, safefile.ErrTooLarge), stderrors.Is(err, safefile.ErrNotRegular):
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "FileStore", "Load", "read "+f.Path())
	default:
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "FileStore", "Load", "read "+f.Path())
	}
	return decodeSnapshot(data, "FileStore")
}

// Save writes the snapshot, creating the directory if missing. The file is
// replaced atomically.
func (f *FileStore) Save(_ context.Context, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "FileStore", "Save", "encode snapshot")
	}
	if err := safefile.WriteAtomic(f.Path(), data, 0o644, safefile.MaxSnapshotSize); err != nil {
		if stderrors.Is(err, safefile.ErrTooLarge) {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "FileStore", "Save", "check size")
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "FileStore", "Save", "replace "+f.Path())
	}
	return nil
}

// Bucket is the part of a JetStream key-value bucket KVStore uses
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// DefaultKVKey is the key KVStore writes the snapshot under
const DefaultKVKey = "registry"

// KVStore keeps the snapshot under one key of a NATS key-value bucket
type KVStore struct {
	bucket Bucket
	key    string
}

// NewKVStore creates a store over an open bucket
func NewKVStore(bucket Bucket, key string) *KVStore {
	if key == "" {
		key = DefaultKVKey
	}
	return &KVStore{bucket: bucket, key: key}
}

// OpenKVStore gets or creates the named bucket and returns a store on it
func OpenKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return NewKVStore(kv, DefaultKVKey), nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "synthiot device registry",
		History:     5,
	})
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			if kv, err = js.KeyValue(ctx, bucket); err == nil {
				return NewKVStore(kv, DefaultKVKey), nil
			}
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "KVStore", "Open", "create bucket "+bucket)
	}
	return NewKVStore(kv, DefaultKVKey), nil
}

// Load reads the snapshot. A missing key is ErrConfigNotFound.
func (k *KVStore) Load(ctx context.Context) (*Snapshot, error) {
	entry, err := k.bucket.Get(ctx, k.key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrConfigNotFound, "KVStore", "Load", "get "+k.key)
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "KVStore", "Load", "get "+k.key)
	}
	return decodeSnapshot(entry.Value(), "KVStore")
}

// Save writes the snapshot, last writer wins
func (k *KVStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.WrapFatal(err, "KVStore", "Save", "encode snapshot")
	}
	if _, err := k.bucket.Put(ctx, k.key, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "KVStore", "Save", "put "+k.key)
	}
	return nil
}
