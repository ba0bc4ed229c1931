package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoMarker is returned by LoadMarker when no swap is pending.
var ErrNoMarker = errors.New("no swap marker")

// MarkerStore persists the swap marker where the bootloader will find it.
type MarkerStore interface {
	StoreMarker(Marker) error
	LoadMarker() (Marker, error)
}

// MemoryStore keeps the marker record in memory.
type MemoryStore struct {
	mu     sync.Mutex
	record []byte
	writes int

	// Fail, when set, is returned by StoreMarker.
	Fail error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// StoreMarker records m.
func (s *MemoryStore) StoreMarker(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		return s.Fail
	}

	record, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	s.record = record
	s.writes++
	return nil
}

// LoadMarker returns the stored marker.
func (s *MemoryStore) LoadMarker() (Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m Marker
	if s.record == nil {
		return m, ErrNoMarker
	}
	err := m.UnmarshalBinary(s.record)
	return m, err
}

// Writes returns how many times a marker was stored.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FileStore keeps the marker record in a file.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path. The file is
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the marker file path.
func (s *FileStore) Path() string {
	return s.path
}

// StoreMarker writes m to the marker file.
func (s *FileStore) StoreMarker(m Marker) error {
	record, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create marker directory: %w", err)
		}
	}

	// write via a temp file and rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, record, 0644); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit marker: %w", err)
	}
	return nil
}

// LoadMarker reads the marker file.
func (s *FileStore) LoadMarker() (Marker, error) {
	var m Marker

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return m, ErrNoMarker
	}
	if err != nil {
		return m, fmt.Errorf("failed to read marker: %w", err)
	}

	err = m.UnmarshalBinary(data)
	return m, err
}
