package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/quantize"
	"github.com/skanga/veccy/pkg/storage"
)

// Flat is the exhaustive linear-scan index: every search visits every
// live record and keeps the best k in a bounded max-heap. O(N*d) per
// query, exact results. It keeps no graph state of its own, so deletes
// are immediate and it doubles as the correctness oracle for HNSW.
type Flat struct {
	mu         sync.RWMutex
	backend    storage.Backend
	quant      quantize.Quantizer
	dimensions int
	metric     vector.Metric
	distFn     func(a, b []float32) float64
	codes      map[string][]byte // id -> quantizer code, when attached
	closed     bool
}

// NewFlat creates a flat index over the given backend.
func NewFlat(backend storage.Backend, dimensions int, metric vector.Metric, quant quantize.Quantizer) (*Flat, error) {
	distFn, err := vector.DistanceFunc(metric)
	if err != nil {
		return nil, err
	}
	f := &Flat{
		backend:    backend,
		quant:      quant,
		dimensions: dimensions,
		metric:     metric,
		distFn:     distFn,
	}
	if quant != nil {
		f.codes = make(map[string][]byte)
	}
	return f, nil
}

// Insert persists each vector and returns the assigned ids.
func (f *Flat) Insert(ctx context.Context, vectors [][]float32, metadata []map[string]any) ([]string, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyQuery
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(vectors))
	for i, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		id := newID()
		if err := f.insertLocked(id, vec, metaAt(metadata, i)); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// InsertWithID persists a single record under a caller-chosen id.
func (f *Flat) InsertWithID(ctx context.Context, id string, vec []float32, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.insertLocked(id, vec, meta)
}

func (f *Flat) insertLocked(id string, vec []float32, meta map[string]any) error {
	prepared, err := prepareVector(vec, f.dimensions, f.metric)
	if err != nil {
		return err
	}
	stored, code, err := storeVector(f.quant, prepared)
	if err != nil {
		return err
	}
	if err := putRecord(f.backend, id, stored, meta); err != nil {
		return err
	}
	if f.codes != nil {
		f.codes[id] = code
	}
	return nil
}

// Search scans every live record, keeping the best k in a bounded
// max-heap. Results ascend by distance, ties by id.
func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if err := validateQuery(query, k, f.dimensions); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}

	q := query
	if f.metric == vector.Cosine {
		q = vector.Normalize(query)
	}
	scorer, err := f.scorer(q)
	if err != nil {
		return nil, err
	}

	stream, err := f.backend.Stream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	best := &candidateHeap{isMax: true}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := stream.Next()
		if !ok {
			break
		}
		dist, err := scorer(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted between listing and read
			}
			return nil, err
		}
		pushCandidate(best, candidate{id: id, dist: dist})
		if best.Len() > k {
			popCandidate(best)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	ordered := drainAscending(best)
	results := make([]SearchResult, 0, len(ordered))
	for _, c := range ordered {
		rec, err := f.backend.Get(c.id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, SearchResult{ID: c.id, Distance: c.dist, Metadata: rec.Metadata})
	}
	return results, nil
}

// scorer returns a distance function from the prepared query to a stored
// id. With a product quantizer attached it scans codes against a
// precomputed distance table instead of decoded vectors.
func (f *Flat) scorer(q []float32) (func(id string) (float64, error), error) {
	if f.quant != nil {
		if pq, ok := f.quant.(*quantize.ProductQuantizer); ok {
			table, err := pq.DistanceTable(q)
			if err != nil {
				return nil, err
			}
			return func(id string) (float64, error) {
				code, ok := f.codes[id]
				if !ok {
					return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
				}
				return table.Distance(code)
			}, nil
		}
		return func(id string) (float64, error) {
			code, ok := f.codes[id]
			if !ok {
				return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
			}
			return f.quant.Distance(code, q)
		}, nil
	}
	return func(id string) (float64, error) {
		rec, err := f.backend.Get(id)
		if err != nil {
			return 0, err
		}
		return f.distFn(q, rec.Vector), nil
	}, nil
}

// Update rewrites a record in place. A nil vector with nil metadata is a
// no-op that reports existence.
func (f *Flat) Update(ctx context.Context, id string, vec []float32, meta map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	return f.updateLocked(id, vec, meta)
}

func (f *Flat) updateLocked(id string, vec []float32, meta map[string]any) (bool, error) {
	rec, err := f.backend.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if vec == nil && meta == nil {
		return true, nil
	}
	if vec != nil {
		if err := f.insertLocked(id, vec, mergeMeta(rec.Metadata, meta)); err != nil {
			return false, err
		}
		return true, nil
	}
	// Metadata-only rewrite keeps the stored vector untouched.
	if err := putRecord(f.backend, id, rec.Vector, meta); err != nil {
		return false, err
	}
	return true, nil
}

// BatchUpdate applies updates one after another under the write lock,
// checking ctx between items.
func (f *Flat) BatchUpdate(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) ([]bool, error) {
	if len(vectors) != 0 && len(vectors) != len(ids) {
		return nil, ErrBadBatch
	}
	if len(metadata) != 0 && len(metadata) != len(ids) {
		return nil, ErrBadBatch
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	results := make([]bool, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		ok, err := f.updateLocked(id, vec, metaAt(metadata, i))
		if err != nil {
			continue // per-item failures surface as false, not batch aborts
		}
		results[i] = ok
	}
	return results, nil
}

// Delete removes records immediately; the flat index has no graph to
// tombstone. Returns true only if every id existed.
func (f *Flat) Delete(ctx context.Context, ids ...string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}

	all := true
	for _, id := range ids {
		existed, err := f.backend.Delete(id)
		if err != nil {
			return false, err
		}
		delete(f.codes, id)
		all = all && existed
	}
	return all, nil
}

// Stats reports live count from the backing storage.
func (f *Flat) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Kind:       "flat",
		Count:      f.backend.Stats().Count,
		Dimensions: f.dimensions,
		Metric:     f.metric,
	}
}

// Close releases the index (not the backend; the facade owns storage
// lifecycle). Close is idempotent.
func (f *Flat) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// mergeMeta picks the metadata for a vector update: the update's own
// metadata when given, otherwise the existing metadata. Keys are not
// merged.
func mergeMeta(existing, updated map[string]any) map[string]any {
	if updated != nil {
		return updated
	}
	return existing
}
