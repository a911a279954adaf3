// Package memhist persists per-container memory readings in a small JSON
// ring, used by the leak probe to evaluate growth across cycles.
package memhist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MaxSamples bounds the ring per container.
const MaxSamples = 12

// Sample is one memory reading.
type Sample struct {
	At      time.Time `json:"at"`
	Pct     float64   `json:"pct"`
	UsedMB  float64   `json:"usedMb"`
	LimitMB float64   `json:"limitMb"`
}

// Store is the ring file. Reads and writes go through a single mutex; writes
// rewrite the whole file atomically via temp-file + rename.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string][]Sample
}

// Open loads the ring file at path, creating an empty store when the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string][]Sample)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory history: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			// A corrupt ring is not worth failing startup over; leak
			// detection simply restarts from empty.
			s.data = make(map[string][]Sample)
		}
	}
	return s, nil
}

// Append records a reading for the container, trims the ring to MaxSamples,
// and persists.
func (s *Store) Append(container string, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.data[container], sample)
	if len(ring) > MaxSamples {
		ring = ring[len(ring)-MaxSamples:]
	}
	s.data[container] = ring
	return s.flushLocked()
}

// Samples returns a copy of the container's ring, oldest first.
func (s *Store) Samples(container string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.data[container]
	out := make([]Sample, len(ring))
	copy(out, ring)
	return out
}

// Clear drops the container's ring, typically after a remediation restart so
// stale growth does not immediately re-trigger the leak probe.
func (s *Store) Clear(container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[container]; !ok {
		return nil
	}
	delete(s.data, container)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode memory history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create memory history directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write memory history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace memory history: %w", err)
	}
	return nil
}
