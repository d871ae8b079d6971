package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/pkg/safefile"
)

const (
	maxPathLen   = 4096
	maxEnvVarLen = 4096
)

// checkLayerPath rejects paths that cannot name a configuration layer. A
// relative path must stay inside the working directory once cleaned.
func checkLayerPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty config path", errors.ErrInvalidConfig)
	case len(path) > maxPathLen:
		return fmt.Errorf("%w: config path longer than %d", errors.ErrInvalidConfig, maxPathLen)
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("%w: null byte in config path", errors.ErrInvalidConfig)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("%w: %s is not a JSON or YAML file", errors.ErrInvalidConfig, path)
	}

	if !filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s leaves the working directory", errors.ErrInvalidConfig, path)
		}
	}
	return nil
}

// readLayer reads one configuration layer within the config size limit
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}
	data, err := safefile.Read(path, safefile.MaxConfigSize)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errors.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// writeLayer replaces a configuration file. Credentials may be inside, so
// the file is private to the owner.
func writeLayer(path string, data []byte) error {
	if err := checkLayerPath(path); err != nil {
		return err
	}
	return safefile.WriteAtomic(path, data, 0o600, safefile.MaxConfigSize)
}

// checkEnvValue rejects override values no configuration field can hold
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: %s longer than %d", errors.ErrInvalidConfig, key, maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: null byte in %s", errors.ErrInvalidConfig, key)
	}
	return nil
}
