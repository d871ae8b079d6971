package safefile

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1}`), 0o600))

	data, err := Read(path, 64)
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(data))

	_, err = Read(path, 4)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Read(dir, 64)
	assert.ErrorIs(t, err, ErrNotRegular)

	_, err = Read(filepath.Join(dir, "missing.json"), 64)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "devices.json")

	require.NoError(t, WriteAtomic(path, []byte("first"), 0o600, 64))
	require.NoError(t, WriteAtomic(path, []byte("second"), 0o600, 64))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")

	err = WriteAtomic(path, []byte(strings.Repeat("x", 65)), 0o600, 64)
	assert.ErrorIs(t, err, ErrTooLarge)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "second", string(data))
}

func TestCheckDepth(t *testing.T) {
	assert.NoError(t, CheckDepth([]byte(`{"a": [1, {"b": "}]"}]}`), 3))
	assert.NoError(t, CheckDepth([]byte(`"scalar"`), 1))
	assert.ErrorIs(t, CheckDepth([]byte(`{"a": [}`), MaxDepth), ErrMalformed)
	assert.ErrorIs(t, CheckDepth([]byte(`{"a": [1`), MaxDepth), ErrMalformed)
	assert.ErrorIs(t, CheckDepth([]byte(`{"a": [1, {"b": 2}]}`), 2), ErrTooDeep)

	deep := strings.Repeat("[", MaxDepth+1) + strings.Repeat("]", MaxDepth+1)
	assert.ErrorIs(t, CheckDepth([]byte(deep), MaxDepth), ErrTooDeep)
	assert.NoError(t, CheckDepth([]byte(deep), MaxDepth+1))
}
