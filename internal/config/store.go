package config

import (
	"sync/atomic"
)

// Source hands out the protection settings in effect right now. Callers take
// one snapshot per request and use it for the whole request.
type Source interface {
	Current() Protection
}

// Store publishes Protection snapshots. Reads never block writers; a reload
// swaps in a freshly allocated snapshot instead of editing the old one.
type Store struct {
	current atomic.Pointer[Protection]
}

// NewStore creates a Store seeded with p.
func NewStore(p Protection) *Store {
	s := &Store{}
	s.Set(p)
	return s
}

// Current returns a copy of the active snapshot.
func (s *Store) Current() Protection {
	p := s.current.Load()
	if p == nil {
		return Protection{}
	}
	return clone(*p)
}

// Set replaces the active snapshot.
func (s *Store) Set(p Protection) {
	c := clone(p)
	s.current.Store(&c)
}

func clone(p Protection) Protection {
	return Protection{
		Secret:    append([]byte(nil), p.Secret...),
		Algorithm: p.Algorithm,
	}
}

// Static is a Source that never changes. Useful for CLI tools and tests.
type Static Protection

// Current implements Source.
func (s Static) Current() Protection {
	return clone(Protection(s))
}
