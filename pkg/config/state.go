package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// State is the persisted mutable state of the device.
type State struct {
	// FailedVersion is the version string of the last failed remote
	// update attempt.
	FailedVersion string `json:"failed_version,omitempty"`
}

// Store reads and writes the device state below a directory.
type Store struct {
	path  string
	mutex sync.Mutex
}

// NewStore creates a new store below the provided directory.
func NewStore(dir string) *Store {
	return &Store{
		path: filepath.Join(dir, "state.json"),
	}
}

// Read will return the persisted state. A missing file yields a zero
// state.
func (s *Store) Read() (*State, error) {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.read()
}

// Write will persist the provided state.
func (s *Store) Write(state *State) error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.write(state)
}

// Update will apply the provided function to the state and persist the
// result.
func (s *Store) Update(fn func(*State)) error {
	// acquire mutex
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// read state
	state, err := s.read()
	if err != nil {
		return err
	}

	// apply change
	fn(state)

	return s.write(state)
}

func (s *Store) read() (*State, error) {
	// read file
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &State{}, nil
	} else if err != nil {
		return nil, err
	}

	// decode data
	var state State
	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (s *Store) write(state *State) error {
	// encode data
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// ensure directory
	err = os.MkdirAll(filepath.Dir(s.path), 0755)
	if err != nil {
		return err
	}

	// write via a temporary file so a crash cannot truncate the state
	tmp := s.path + ".tmp"
	err = os.WriteFile(tmp, append(data, '\n'), 0644)
	if err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}
