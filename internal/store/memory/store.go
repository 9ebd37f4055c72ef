// Package memory keeps task records in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	intakeerrors "intake/internal/errors"
	"intake/internal/task"
	id "intake/internal/utils/id"
)

// Store is a mutex-guarded map of records keyed by id.
type Store struct {
	mu      sync.RWMutex
	records map[string]task.Record
	ids     *id.Generator
	closed  bool
}

// New returns an empty store. A nil ids generator uses KSUID record ids.
func New(ids *id.Generator) *Store {
	return &Store{records: make(map[string]task.Record), ids: ids}
}

// Insert stores a copy of record under a fresh id.
func (s *Store) Insert(ctx context.Context, record *task.Record) (string, error) {
	if record == nil {
		return "", intakeerrors.Persistence(fmt.Errorf("nil record"))
	}
	if err := ctx.Err(); err != nil {
		return "", intakeerrors.Persistence(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", intakeerrors.Persistence(fmt.Errorf("store closed"))
	}

	rid := s.ids.NewRecordID()
	stored := *record
	stored.ID = rid
	if record.Context != nil {
		c := *record.Context
		stored.Context = &c
	}
	s.records[rid] = stored
	return rid, nil
}

// Get returns the record stored under rid.
func (s *Store) Get(rid string) (task.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[rid]
	return r, ok
}

// List returns every record, oldest first.
func (s *Store) List() []task.Record {
	s.mu.RLock()
	out := make([]task.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close rejects further inserts.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
