// Package memory provides an in-process implementation of windowquota.Store.
//
// Counters live in the memory of a single process. Separate processes or
// replicas do not share them, so a quota enforced with this store is per
// instance; use a networked backend when the quota must hold across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Config holds in-memory store configuration
type Config struct {
	// CleanupInterval is how often expired records are swept on access.
	// Sweeping only frees memory; expired records are ignored either way.
	// Default: 5 minutes. Negative disables sweeping.
	CleanupInterval time.Duration

	// Now overrides the clock (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 5 * time.Minute,
		Now:             time.Now,
	}
}

// Store implements windowquota.Store using a mutex-guarded map.
type Store struct {
	mu          sync.Mutex
	records     map[string]*windowquota.WindowRecord
	now         func() time.Time
	interval    time.Duration
	lastCleanup time.Time
}

// New creates an in-memory store with DefaultConfig.
func New() *Store {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an in-memory store.
func NewWithConfig(config Config) *Store {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	return &Store{
		records:     make(map[string]*windowquota.WindowRecord),
		now:         config.Now,
		interval:    config.CleanupInterval,
		lastCleanup: config.Now(),
	}
}

// Increment implements windowquota.Store
func (s *Store) Increment(_ context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeSweep(now)

	out := windowquota.Resolve(s.records[req.Key], req, now)
	if out.Write {
		s.records[req.Key] = out.Record
	}
	return out.Usage, nil
}

// Record returns a copy of the stored record for key, including expired ones.
func (s *Store) Record(key string) (windowquota.WindowRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return windowquota.WindowRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep removes expired records and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastCleanup = now
	return s.sweep(now)
}

// Clear removes all data (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*windowquota.WindowRecord)
}

func (s *Store) maybeSweep(now time.Time) {
	if s.interval < 0 || now.Sub(s.lastCleanup) < s.interval {
		return
	}
	s.lastCleanup = now
	s.sweep(now)
}

func (s *Store) sweep(now time.Time) int {
	removed := 0
	for key, rec := range s.records {
		if !rec.Active(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
