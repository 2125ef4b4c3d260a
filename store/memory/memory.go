// Package memory provides an in-memory store.Store implementation. It backs
// unit tests and the storage-degraded mode where the durable store is
// unavailable but the engine keeps running network-only.
package memory

import (
	"context"
	"sort"
	"sync"

	"offsync/store"
)

// Store implements store.Store with mutex-guarded maps.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]map[string]store.Record // entityType -> entityID -> record
	mutations map[string]store.Mutation
	closed    bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities:  make(map[string]map[string]store.Record),
		mutations: make(map[string]store.Mutation),
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return store.ErrStorageUnavailable
	}
	return nil
}

func (s *Store) GetEntity(_ context.Context, entityType, entityID string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, ok := s.entities[entityType][entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *Store) GetEntities(_ context.Context, entityType string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	recs := make([]store.Record, 0, len(s.entities[entityType]))
	for _, rec := range s.entities[entityType] {
		recs = append(recs, rec)
	}
	// Deterministic snapshot order
	sort.Slice(recs, func(i, j int) bool { return recs[i].EntityID < recs[j].EntityID })
	return recs, nil
}

func (s *Store) PutEntity(_ context.Context, rec *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	byID, ok := s.entities[rec.EntityType]
	if !ok {
		byID = make(map[string]store.Record)
		s.entities[rec.EntityType] = byID
	}
	byID[rec.EntityID] = *rec
	return nil
}

func (s *Store) BulkPutEntities(ctx context.Context, recs []store.Record) error {
	for i := range recs {
		if err := s.PutEntity(ctx, &recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteEntity(_ context.Context, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.entities[entityType], entityID)
	return nil
}

func (s *Store) DeleteEntities(_ context.Context, entityType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.entities, entityType)
	return nil
}

func (s *Store) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.entities = make(map[string]map[string]store.Record)
	s.mutations = make(map[string]store.Mutation)
	return nil
}

func (s *Store) PutMutation(_ context.Context, m *store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mutations[m.ID] = *m
	return nil
}

func (s *Store) UpdateMutation(_ context.Context, m *store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.mutations[m.ID]; !ok {
		return store.ErrNotFound
	}
	s.mutations[m.ID] = *m
	return nil
}

func (s *Store) GetMutation(_ context.Context, id string) (*store.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	m, ok := s.mutations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := m
	return &cp, nil
}

func (s *Store) DeleteMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.mutations, id)
	return nil
}

func (s *Store) MutationsByStatus(_ context.Context, status store.MutationStatus) ([]store.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	muts := make([]store.Mutation, 0)
	for _, m := range s.mutations {
		if m.Status == status {
			muts = append(muts, m)
		}
	}
	sort.Slice(muts, func(i, j int) bool { return muts[i].Timestamp.Before(muts[j].Timestamp) })
	return muts, nil
}

func (s *Store) CountMutationsByStatus(_ context.Context) (map[store.MutationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	counts := make(map[store.MutationStatus]int)
	for _, m := range s.mutations {
		counts[m.Status]++
	}
	return counts, nil
}

// Close marks the store unavailable. Further operations return
// store.ErrStorageUnavailable, which exercises the degraded path in tests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Verify interface compliance at compile time
var _ store.Store = (*Store)(nil)
