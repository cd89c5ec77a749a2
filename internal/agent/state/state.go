// Package state owns the agent's small durable key/value blob: device
// identity and the bookkeeping the endpoint selector, channel client, and
// network watcher need across restarts. Generalized from a bare node-id
// file into a structured JSON blob with an atomic write-temp-rename
// discipline.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the agent's persisted identity and reselection bookkeeping.
type State struct {
	DeviceID               string    `json:"device_id"`
	ActiveEndpoint         string    `json:"active_ip"`
	LastEndpointProbe      time.Time `json:"last_ip_test"`
	LastNetworkFingerprint string    `json:"last_network"`
	MACAddress             string    `json:"mac_address"`
	WasOffline             bool      `json:"was_offline"`
}

// Store guards State behind a mutex and persists every mutation to path.
type Store struct {
	mu   sync.Mutex
	path string
	st   State
}

// Open loads path, minting a fresh device_id and writing the file if it
// doesn't exist or fails to parse. Never returns an error: a corrupt or
// missing state file degrades to a freshly minted identity rather than
// blocking agent startup.
func Open(path string) *Store {
	s := &Store{path: path}
	if data, err := os.ReadFile(path); err == nil {
		var st State
		if err := json.Unmarshal(data, &st); err == nil && st.DeviceID != "" {
			s.st = st
			return s
		}
	}
	s.st = State{DeviceID: uuid.NewString()}
	s.persist()
	return s
}

// Current returns a copy of the in-memory state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// DeviceID returns the immutable minted identity.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.DeviceID
}

// SetEndpoint records a newly selected endpoint and probe timestamp.
func (s *Store) SetEndpoint(endpoint string, probedAt time.Time) {
	s.mu.Lock()
	s.st.ActiveEndpoint = endpoint
	s.st.LastEndpointProbe = probedAt
	s.mu.Unlock()
	s.persist()
}

// ClearEndpointProbe forces the endpoint selector to reprobe on next
// selection, used when the channel disconnects.
func (s *Store) ClearEndpointProbe() {
	s.mu.Lock()
	s.st.LastEndpointProbe = time.Time{}
	s.mu.Unlock()
	s.persist()
}

// SetNetworkFingerprint records the fingerprint the network watcher last sampled.
func (s *Store) SetNetworkFingerprint(fp string) {
	s.mu.Lock()
	s.st.LastNetworkFingerprint = fp
	s.mu.Unlock()
	s.persist()
}

// SetWasOffline flips the was_offline flag (set on channel error, cleared
// once the channel client reconnects and emits the "reconnected" notification).
func (s *Store) SetWasOffline(v bool) {
	s.mu.Lock()
	s.st.WasOffline = v
	s.mu.Unlock()
	s.persist()
}

// persist writes the current state atomically: write to a temp file in the
// same directory, then rename over the target.
func (s *Store) persist() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.st, "", "  ")
	path := s.path
	s.mu.Unlock()
	if err != nil || path == "" {
		return
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	os.Rename(tmpPath, path)
}
