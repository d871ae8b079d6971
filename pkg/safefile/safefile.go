// Package safefile reads and writes the small files synthiot keeps on disk:
// configuration layers and the devices.json registry snapshot. Reads are
// bounded in size and JSON nesting; writes replace the file atomically.
package safefile

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Size and nesting limits
const (
	MaxConfigSize   = 1 << 20  // one configuration layer
	MaxSnapshotSize = 10 << 20 // devices.json
	MaxDepth        = 64
)

var (
	ErrTooLarge   = stderrors.New("file too large")
	ErrNotRegular = stderrors.New("not a regular file")
	ErrTooDeep    = stderrors.New("JSON nesting too deep")
	ErrMalformed  = stderrors.New("malformed JSON")
)

// Read returns the contents of the regular file at path, failing with
// ErrTooLarge past limit bytes. A missing file keeps fs.ErrNotExist in the
// chain.
func Read(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, info.Size(), limit)
	}

	// the file may grow between Stat and read
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// WriteAtomic replaces path with data through a temporary file in the same
// directory, creating the directory if needed. Readers see either the old
// or the new contents.
func WriteAtomic(path string, data []byte, perm fs.FileMode, limit int) error {
	if len(data) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), limit)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// CheckDepth walks the JSON tokens of data and fails once objects and
// arrays nest deeper than limit.
func CheckDepth(data []byte, limit int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if depth != 0 {
				return fmt.Errorf("%w: unexpected end of input", ErrMalformed)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch d {
		case '{', '[':
			depth++
			if depth > limit {
				return fmt.Errorf("%w: more than %d levels", ErrTooDeep, limit)
			}
		default:
			depth--
		}
	}
}
