// Package index provides similarity search over storage-backed vector
// records.
//
// Two implementations share one contract:
//   - Flat: exhaustive linear scan, exact results; the reference oracle
//   - HNSW: hierarchical navigable small world graph, approximate results
//
// Both own the write path: Insert persists records to the storage backend
// and registers them with the index, so storage and index always agree on
// the live id set.
package index

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/quantize"
	"github.com/skanga/veccy/pkg/storage"
)

// Common errors returned by indexes.
var (
	ErrClosed     = errors.New("index: index closed")
	ErrEmptyQuery = errors.New("index: empty query vector")
	ErrInvalidK   = errors.New("index: k must be positive")
	ErrBadBatch   = errors.New("index: batch slice lengths differ")
)

// SearchResult is one ranked hit: smaller distance is closer.
type SearchResult struct {
	ID       string         `json:"id"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stats reports index-level counters.
type Stats struct {
	Kind       string        `json:"kind"`
	Count      int64         `json:"count"`
	Deleted    int64         `json:"deleted"`
	Dimensions int           `json:"dimensions"`
	Metric     vector.Metric `json:"metric"`
	MaxLevel   int           `json:"max_level,omitempty"`
	EntryPoint string        `json:"entry_point,omitempty"`
}

// Index is the similarity-search contract the client facade depends on.
//
// Implementations MUST be thread-safe: any number of concurrent searches,
// one writer at a time. Batch operations check ctx between items and
// return partial results alongside context.Canceled.
type Index interface {
	// Insert persists each (vector, metadata) pair to storage and links
	// it into the index, returning the assigned ids. Metadata may be nil
	// or shorter than vectors; missing entries default to empty.
	Insert(ctx context.Context, vectors [][]float32, metadata []map[string]any) ([]string, error)

	// InsertWithID persists a single record under a caller-chosen id,
	// replacing any previous record with that id.
	InsertWithID(ctx context.Context, id string, vec []float32, meta map[string]any) error

	// Search returns the k nearest live records, ascending by distance,
	// ties broken by id.
	Search(ctx context.Context, query []float32, k int) ([]SearchResult, error)

	// Update rewrites a record in place. A nil vector with nil metadata
	// is a no-op that reports whether the id exists.
	Update(ctx context.Context, id string, vec []float32, meta map[string]any) (bool, error)

	// BatchUpdate applies updates under one write lock. The returned
	// slice has one success flag per input id.
	BatchUpdate(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) ([]bool, error)

	// Delete removes records. Returns true if every id existed.
	Delete(ctx context.Context, ids ...string) (bool, error)

	Stats() Stats
	Close() error
}

// Snapshotter is implemented by indexes whose internal state is worth
// persisting. The persistence manager round-trips it through the index
// file of a snapshot.
type Snapshotter interface {
	WriteSnapshot(w io.Writer) error
	ReadSnapshot(r io.Reader) error
}

// newID returns a 128-bit random identifier as lowercase hex.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("index: id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// validateQuery applies the shared query checks.
func validateQuery(query []float32, k, dimensions int) error {
	if len(query) == 0 {
		return ErrEmptyQuery
	}
	if k <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	return vector.Validate(query, dimensions)
}

// prepareVector validates a vector and normalizes it when the metric is
// cosine, so stored vectors behave as unit length everywhere downstream.
func prepareVector(vec []float32, dimensions int, metric vector.Metric) ([]float32, error) {
	if err := vector.Validate(vec, dimensions); err != nil {
		return nil, err
	}
	if metric == vector.Cosine {
		return vector.Normalize(vec), nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// storeVector routes a prepared vector through the optional quantizer:
// with a quantizer attached the stored record carries the decoded
// approximation and the returned code is kept by the index; without one
// the raw vector is stored and the code is nil.
func storeVector(quant quantize.Quantizer, vec []float32) (stored []float32, code []byte, err error) {
	if quant == nil {
		return vec, nil, nil
	}
	code, err = quant.Encode(vec)
	if err != nil {
		return nil, nil, err
	}
	stored, err = quant.Decode(code)
	if err != nil {
		return nil, nil, err
	}
	return stored, code, nil
}

// putRecord persists one record to the backend.
func putRecord(backend storage.Backend, id string, vec []float32, meta map[string]any) error {
	return backend.Put(&storage.Record{ID: id, Vector: vec, Metadata: meta})
}

// metaAt returns metadata[i] when present, nil otherwise.
func metaAt(metadata []map[string]any, i int) map[string]any {
	if i < len(metadata) {
		return metadata[i]
	}
	return nil
}
