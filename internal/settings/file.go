package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps settings in a YAML file
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a store backed by the YAML file at path
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With("component", "settings", "backend", "file"),
	}
}

func (f *FileStore) Load(ctx context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Debug("No settings file, using defaults", "path", f.path)
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := Defaults()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", f.path, err)
	}
	if s.Profiles == nil {
		s.Profiles = []Profile{}
	}
	return s, nil
}

// Save writes to a temporary file and renames it over the old one, so a
// crash mid-write leaves the previous settings intact
func (f *FileStore) Save(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to set settings file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	f.logger.Debug("Settings saved", "path", f.path, "profiles", len(s.Profiles))
	return nil
}
