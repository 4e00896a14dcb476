package storage

import (
	"fmt"
	"sync"

	"github.com/skanga/veccy/pkg/math/vector"
)

// MemoryBackend is a thread-safe in-memory record store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small datasets that fit entirely in RAM
//   - Development and prototyping
//
// All operations take an RWMutex; records are copied with Record.Clone
// on the way in and out (vector and top-level metadata map).
//
// Performance Characteristics:
//   - Get/Put/Delete by id: O(1)
//   - List/ListPaginated: O(N log N) for the lexicographic ordering
//   - Memory usage: vector bytes + metadata per record
type MemoryBackend struct {
	mu         sync.RWMutex
	dimensions int
	records    map[string]*Record
	closed     bool
}

// NewMemoryBackend creates an empty in-memory backend for vectors of the
// given dimensionality.
func NewMemoryBackend(dimensions int) *MemoryBackend {
	return &MemoryBackend{
		dimensions: dimensions,
		records:    make(map[string]*Record),
	}
}

// Put writes or overwrites a record.
func (m *MemoryBackend) Put(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if err := vector.Validate(rec.Vector, m.dimensions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Get returns a copy of the record for id, or ErrNotFound.
func (m *MemoryBackend) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Delete removes a record, reporting whether it existed.
func (m *MemoryBackend) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

// Contains reports whether a record exists for id.
func (m *MemoryBackend) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// List returns up to limit ids in lexicographic order. limit <= 0 means
// all ids.
func (m *MemoryBackend) List(limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := sortedIDs(m.records)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

// ListPaginated returns one page of ids. The cursor is opaque; equal
// cursors resume the same position across processes because pages follow
// lexicographic id order.
func (m *MemoryBackend) ListPaginated(pageSize int, cursor string) (*Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return paginate(sortedIDs(m.records), pageSize, cursor)
}

// Stream returns a lazy id iterator. The caller must Close it.
func (m *MemoryBackend) Stream() (*IDStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return newIDStream(m.ListPaginated), nil
}

// Stats reports record count and an estimate of resident bytes.
func (m *MemoryBackend) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bytes int64
	for _, rec := range m.records {
		bytes += int64(len(rec.ID)) + int64(len(rec.Vector)*4)
		bytes += int64(len(rec.Metadata)) * 32 // rough per-entry estimate
	}
	return Stats{
		Count:          int64(len(m.records)),
		Dimensions:     m.dimensions,
		EstimatedBytes: bytes,
		Kind:           "memory",
	}
}

// Close releases the backend. Close is idempotent.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.records = nil
	return nil
}
