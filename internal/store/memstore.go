package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/rekod/model"
)

// MemoryRecordStore is an in-memory RecordStore for testing and
// single-instance deployments.
type MemoryRecordStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*memRow // entity ID -> selector -> row
}

type memRow struct {
	fields  map[string]any
	version int64
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{rows: make(map[string]map[string]*memRow)}
}

// Seed inserts a stored row directly, bypassing optimistic locking. For
// tests and fixtures.
func (s *MemoryRecordStore) Seed(entityID, selector string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows[entityID] == nil {
		s.rows[entityID] = make(map[string]*memRow)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.rows[entityID][selector] = &memRow{fields: copied, version: 1}
}

// Get loads the stored row identified by selector.
func (s *MemoryRecordStore) Get(_ context.Context, def *model.EntityDefinition, selector string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.rows[def.ID][selector]
	if !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("%s record %q not found", def.ID, selector),
		)
	}

	rec := model.NewRecord(def.ID, selector, row.fields)
	rec.Version = row.version
	return rec, nil
}

// Update persists the record's scalar field values with optimistic locking.
func (s *MemoryRecordStore) Update(_ context.Context, def *model.EntityDefinition, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[def.ID][rec.Selector]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("%s record %q not found", def.ID, rec.Selector),
		)
	}

	// Optimistic lock check.
	if row.version != rec.Version {
		return NewUserError("CONCURRENT_EDIT",
			fmt.Sprintf("%s record %q was modified by someone else", def.ID, rec.Selector),
		)
	}

	for k, v := range scalarFields(rec) {
		row.fields[k] = v
	}
	row.version++
	rec.Version = row.version
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryRecordStore) Ping(_ context.Context) error {
	return nil
}

// Len returns the total number of stored rows. For testing.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rows := range s.rows {
		n += len(rows)
	}
	return n
}
