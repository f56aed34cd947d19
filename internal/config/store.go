package config

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Store holds the live Settings snapshot. Readers never block; writers swap
// the whole snapshot and notify subscribers.
type Store struct {
	current atomic.Pointer[Settings]

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Settings)
}

// NewStore creates a store holding the normalised initial settings.
func NewStore(initial Settings) *Store {
	s := &Store{subs: make(map[int]func(Settings))}
	snapshot := initial.Normalize()
	s.current.Store(&snapshot)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() Settings {
	return *s.current.Load()
}

// Set validates next, stores it and calls every subscriber in subscription
// order. Invalid settings are rejected and leave the store unchanged.
func (s *Store) Set(next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return s.Load(), err
	}
	snapshot := next.Normalize()

	s.mu.Lock()
	s.current.Store(&snapshot)
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return snapshot, nil
}

// Subscribe registers fn for every future Set. The returned func removes it.
func (s *Store) Subscribe(fn func(Settings)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotSubscribers() []func(Settings) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	subs := make([]func(Settings), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	return subs
}
