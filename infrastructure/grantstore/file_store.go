// Package grantstore persists operator-approved grants per plugin in a
// single YAML file.
package grantstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	home, _ := os.UserHomeDir()
	return fileStoreConfig{
		path:     filepath.Join(home, ".filament", "grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the path to the grants file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.path = path
	}
}

// WithFilePermissions sets the file permissions for the grants file.
// Default is 0o600 (user-only).
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the grants directory.
// Default is 0o755.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// grantsFile is the on-disk layout.
type grantsFile struct {
	Plugins map[string]*entities.GrantSet `yaml:"plugins"`
}

// FileStore provides file-based persistence for capability grants.
type FileStore struct {
	config fileStoreConfig
	mu     sync.Mutex
}

// NewFileStore creates a new FileStore with the given options.
func NewFileStore(opts ...FileStoreOption) ports.GrantStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

func (s *FileStore) read() (grantsFile, error) {
	var f grantsFile
	data, err := os.ReadFile(s.config.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to read grant store: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse grant store: %w", err)
	}
	return f, nil
}

// Load returns the grants approved for plugin. A plugin with no entry
// gets an empty set.
func (s *FileStore) Load(plugin string) (*entities.GrantSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if g := f.Plugins[plugin]; g != nil {
		return g, nil
	}
	return &entities.GrantSet{}, nil
}

// Save replaces the grants for plugin. The file is rewritten through a
// temporary file in the same directory.
func (s *FileStore) Save(plugin string, grants *entities.GrantSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if f.Plugins == nil {
		f.Plugins = make(map[string]*entities.GrantSet)
	}
	f.Plugins[plugin] = grants.Clone()

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".grants-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), s.config.filePerm); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.config.path); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
