// Package store holds the in-memory authoritative vehicle list.
// Latency here is critical: every simulator tick, broadcast, and API call
// goes through this store, and none of its operations touch I/O.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/Hakibbumbus/transitapp/pkg/core"
)

// ErrNotFound is returned when an operation references an unknown vehicle id.
var ErrNotFound = errors.New("vehicle not found")

// Store is a thread-safe in-memory vehicle registry. All reads return deep
// copies, so callers never observe a half-written record.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]*core.Vehicle
}

// New creates an empty store.
func New() *Store {
	return &Store{
		vehicles: make(map[string]*core.Vehicle),
	}
}

// Get returns a copy of the vehicle with the given id.
func (s *Store) Get(id string) (core.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return core.Vehicle{}, false
	}
	return v.Clone(), true
}

// List returns a point-in-time snapshot of all vehicles, ordered by id so
// broadcasts and persisted files are deterministic.
func (s *Store) List() []core.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert inserts or replaces a vehicle record.
func (s *Store) Upsert(v core.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := v.Clone()
	s.vehicles[v.ID] = &cp
}

// Update applies fn to the stored vehicle under the write lock and returns
// the updated copy. Returns ErrNotFound if the id is unknown.
func (s *Store) Update(id string, fn func(*core.Vehicle)) (core.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[id]
	if !ok {
		return core.Vehicle{}, ErrNotFound
	}
	fn(v)
	return v.Clone(), nil
}

// Remove deletes a vehicle. Returns ErrNotFound if the id is unknown.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vehicles[id]; !ok {
		return ErrNotFound
	}
	delete(s.vehicles, id)
	return nil
}

// Replace swaps the entire vehicle list, normalizing each record. Used once
// at startup to install the persisted state.
func (s *Store) Replace(vehicles []core.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles = make(map[string]*core.Vehicle, len(vehicles))
	for _, v := range vehicles {
		cp := v.Clone()
		cp.Normalize()
		s.vehicles[cp.ID] = &cp
	}
}

// Len returns the number of vehicles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}
