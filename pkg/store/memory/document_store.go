// Package memory provides an in-process document store.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
)

// DocumentStore is an in-memory implementation of store.ReadWriter.
type DocumentStore struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any // collection -> id -> fields
}

// NewDocumentStore creates a new in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		data: make(map[string]map[string]map[string]any),
	}
}

// Compile-time interface check.
var _ store.ReadWriter = (*DocumentStore)(nil)

// BatchWrite upserts all documents under one lock.
func (s *DocumentStore) BatchWrite(_ context.Context, collection string, docs []model.Document) error {
	if err := store.Validate(collection, docs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	for _, d := range docs {
		coll[d.ID] = maps.Clone(d.Fields)
	}
	return nil
}

// Write upserts one document.
func (s *DocumentStore) Write(_ context.Context, collection, id string, fields map[string]any) error {
	if err := store.Validate(collection, []model.Document{{ID: id}}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collection(collection)[id] = maps.Clone(fields)
	return nil
}

// Ping always succeeds.
func (s *DocumentStore) Ping(_ context.Context) error {
	return nil
}

// Get returns a copy of a stored document.
func (s *DocumentStore) Get(_ context.Context, collection, id string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.data[collection][id]
	if !ok {
		return model.Document{}, store.ErrNotFound
	}
	return model.Document{ID: id, Fields: maps.Clone(fields)}, nil
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection]), nil
}

// collection returns the map for name, creating it. Caller holds the lock.
func (s *DocumentStore) collection(name string) map[string]map[string]any {
	coll, ok := s.data[name]
	if !ok {
		coll = make(map[string]map[string]any)
		s.data[name] = coll
	}
	return coll
}
