// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// entry wraps one stored incident with its own lock so Update serializes
// writers per incident without blocking the whole store.
type entry struct {
	mu sync.Mutex
	in *incident.Incident
}

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*entry // incident ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*entry),
	}
}

// Create stores a copy of the incident, failing if the ID already exists.
func (s *Store) Create(_ context.Context, in *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[in.ID]; ok {
		return fmt.Errorf("incident %s already exists", in.ID)
	}
	s.incidents[in.ID] = &entry{in: in.Clone()}
	return nil
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	e, ok := s.incidents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.in.Clone(), true, nil
}

// List returns copies of incidents matching the filter, newest first.
func (s *Store) List(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.incidents))
	for _, e := range s.incidents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*incident.Incident, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		in := e.in
		if (f.Status == "" || in.Status == f.Status) &&
			(f.Service == "" || in.ServiceName == f.Service) {
			out = append(out, in.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update applies fn to the stored incident under its entry lock. If fn
// returns an error the record is left unchanged.
func (s *Store) Update(_ context.Context, id string, fn func(*incident.Incident) error) (*incident.Incident, error) {
	s.mu.RLock()
	e, ok := s.incidents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, incident.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// fn mutates a scratch copy so a mid-mutation error cannot leave the
	// stored record half-updated.
	cp := e.in.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	e.in = cp
	return cp.Clone(), nil
}
