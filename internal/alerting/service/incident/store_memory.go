package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps incidents in a process-local map. It is the default backend.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*Incident)}
}

func (s *MemoryStore) Create(ctx context.Context, in *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[in.ID]; ok {
		return fmt.Errorf("incident %s already exists", in.ID)
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, in *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[in.ID]; !ok {
		return ErrNotFound
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

// List returns every incident ordered by start time, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*Incident, error) {
	s.mu.RLock()
	out := make([]*Incident, 0, len(s.incidents))
	for _, in := range s.incidents {
		out = append(out, in.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}
