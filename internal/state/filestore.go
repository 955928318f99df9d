package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is the persisted form of a renewed credential.
type Snapshot struct {
	DeviceID   string     `json:"device_id"`
	Credential Credential `json:"credential"`
}

// FileStore persists renewed credentials as one JSON file per interface so
// a restarted agent does not fall back to a stale descriptor token.
// Descriptor files themselves are never rewritten.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir, or nil when dir is empty. A
// nil store loads nothing and discards saves.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		return nil
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load returns the snapshot saved for an interface. A missing file yields
// (nil, nil).
func (s *FileStore) Load(name string) (*Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", name, err)
	}
	return &snap, nil
}

// Save writes the snapshot through a temp file and rename.
func (s *FileStore) Save(name string, snap Snapshot) error {
	if s == nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}
