package config

import "sync"

// Store holds the live configuration behind a mutex and persists mutations
// back to the file it was loaded from.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewStore wraps an already-loaded config. path may be empty, in which case
// updates apply in memory only.
func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies fn to the config, re-validates it, and writes it to disk.
// The in-memory config advances even if the write fails so a read-only
// filesystem does not block settings changes for the running process.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	fn(&s.cfg)
	Validate(&s.cfg)
	cfg, path := s.cfg, s.path
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	return Save(cfg, path)
}
