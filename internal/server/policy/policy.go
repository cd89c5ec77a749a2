// Package policy owns the single piece of mutable, process-wide pacing
// policy state: the table agents use to compute their check-in interval,
// mutable at runtime by an update_policy message's server-side counterpart
// (an admin action, out of scope here, but the state it would mutate lives
// here).
package policy

import (
	"sync"

	"github.com/itskum47/fluxguard/internal/protocol"
)

// Store holds the current PacingPolicy behind a mutex. One instance is
// owned by the server wiring and passed explicitly to every loop that reads
// or mutates it — no package-level global.
type Store struct {
	mu   sync.RWMutex
	pol  protocol.PacingPolicy
}

func New() *Store {
	return &Store{pol: protocol.DefaultPacingPolicy()}
}

func (s *Store) Current() protocol.PacingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pol
}

// Update merges patch into the current policy (non-zero fields only).
func (s *Store) Update(patch protocol.PacingPolicy) protocol.PacingPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pol = s.pol.Merge(patch)
	return s.pol
}
