// Package settings stores user-configurable loader policy as named keys.
//
// Values are strings. Built-in defaults come from the embedded defaults
// file; overrides are persisted to a JSON file. Subscribers are notified
// synchronously after every successful change.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bigbag/coaster-loader/embedded"
	"github.com/bigbag/coaster-loader/internal/protocol"
)

// Known keys.
const (
	KeyPort              = "port"
	KeyBaud              = "baud"
	KeyChunkSize         = "chunk_size"
	KeyIdleTimeout       = "idle_timeout"
	KeyPartitionCapacity = "partition_capacity"
	KeyMarkerFile        = "marker_file"
	KeyFramingPolicy     = "framing_policy"
)

var (
	// ErrUnknownKey is returned for a key with no default.
	ErrUnknownKey = errors.New("unknown setting")

	// ErrInvalidValue is returned when a value fails its key's validation.
	ErrInvalidValue = errors.New("invalid setting value")
)

// validators check values per key. Keys without one accept any string.
var validators = map[string]func(string) error{
	KeyBaud:              positiveInt(0),
	KeyChunkSize:         positiveInt(protocol.MaxChunkSize),
	KeyPartitionCapacity: positiveInt(0),
	KeyIdleTimeout: func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("must be positive")
		}
		return nil
	},
	KeyFramingPolicy: func(v string) error {
		if v != "terminate" && v != "resync" {
			return fmt.Errorf("must be terminate or resync")
		}
		return nil
	},
}

func positiveInt(max int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("must be positive")
		}
		if max > 0 && n > max {
			return fmt.Errorf("must be at most %d", max)
		}
		return nil
	}
}

// Subscriber is called with the key and its new value.
type Subscriber func(key, value string)

type subscription struct {
	id int
	fn Subscriber
}

// Store is a settings store backed by a JSON file.
type Store struct {
	mu        sync.RWMutex
	path      string
	defaults  map[string]string
	overrides map[string]string
	subs      map[string][]subscription
	nextSubID int
}

// Load creates a store persisted at path. If the file exists, overrides are
// loaded from it; otherwise it is created on first Set. An empty path keeps
// the store in memory only.
func Load(path string) (*Store, error) {
	s := &Store{
		path:      path,
		overrides: make(map[string]string),
		subs:      make(map[string][]subscription),
	}

	if err := json.Unmarshal(embedded.Defaults(), &s.defaults); err != nil {
		return nil, fmt.Errorf("failed to parse built-in defaults: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load settings from %s: %w", path, err)
	}

	return s, nil
}

// DefaultPath returns the per-user settings file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "coaster-loader", "settings.json"), nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Keys returns every known key, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.defaults))
	for k := range s.defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defaults[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if v, ok := s.overrides[key]; ok {
		return v, nil
	}
	return def, nil
}

// IsDefault reports whether key has no override.
func (s *Store) IsDefault(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.overrides[key]
	return !ok
}

// Set validates and stores value for key, persists the store and notifies
// subscribers.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	if _, ok := s.defaults[key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if validate, ok := validators[key]; ok {
		if err := validate(value); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, value, err)
		}
	}

	prev, hadPrev := s.overrides[key]
	s.overrides[key] = value
	if err := s.flush(); err != nil {
		if hadPrev {
			s.overrides[key] = prev
		} else {
			delete(s.overrides, key)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	subs := append([]subscription(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(key, value)
	}
	return nil
}

// Reset removes the override for key.
func (s *Store) Reset(key string) error {
	s.mu.Lock()
	def, ok := s.defaults[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	prev, hadPrev := s.overrides[key]
	delete(s.overrides, key)
	if err := s.flush(); err != nil {
		if hadPrev {
			s.overrides[key] = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	subs := append([]subscription(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(key, def)
	}
	return nil
}

// Subscribe registers fn for changes to key. The returned function removes
// the subscription.
func (s *Store) Subscribe(key string, fn Subscriber) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defaults[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	s.nextSubID++
	id := s.nextSubID
	s.subs[key] = append(s.subs[key], subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[key]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[key] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Int returns key parsed as an integer.
func (s *Store) Int(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return n, nil
}

// Duration returns key parsed as a duration.
func (s *Store) Duration(key string) (time.Duration, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return d, nil
}

// load reads overrides from the settings file. A missing file is an empty
// store. Unknown keys are dropped.
func (s *Store) load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}

	for k, v := range stored {
		if _, ok := s.defaults[k]; ok {
			s.overrides[k] = v
		}
	}
	return nil
}

// flush writes the overrides to the settings file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.overrides, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	// write via a temp file and rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
