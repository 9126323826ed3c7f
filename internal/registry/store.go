package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tanq16/haul/internal/types"
	"gopkg.in/yaml.v3"
)

// Store is durable storage for the task record array.
type Store interface {
	Load() ([]types.Record, error)
	Save(records []types.Record) error
}

const stateVersion = 1

type stateFile struct {
	Version   int            `yaml:"version"`
	Downloads []types.Record `yaml:"downloads"`
}

// FileStore keeps records in one YAML file, replaced atomically on save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns no records, not an error, when the file does not exist yet.
func (s *FileStore) Load() ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %w", err)
	}
	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error parsing state file %s: %w", s.path, err)
	}
	if state.Version > stateVersion {
		return nil, fmt.Errorf("state file %s has version %d, newer than supported %d", s.path, state.Version, stateVersion)
	}
	return state.Downloads, nil
}

func (s *FileStore) Save(records []types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(stateFile{Version: stateVersion, Downloads: records})
	if err != nil {
		return fmt.Errorf("error encoding state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".haul-state-*")
	if err != nil {
		return fmt.Errorf("error creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("error replacing state file: %w", err)
	}
	return nil
}
