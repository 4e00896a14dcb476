// Package veccy provides the embeddable client facade for the vector
// database.
//
// A DB composes four collaborators: a storage backend owning the
// records, an index answering k-nearest-neighbor queries over them, an
// optional quantizer compressing stored vectors, and an optional
// persistence manager snapshotting state to disk. The facade owns their
// lifecycles and routes every operation.
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Dimensions = 3
//	cfg.Metric = "cosine"
//
//	db, err := veccy.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	ids, err := db.Insert(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}}, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	results, err := db.Search(ctx, []float32{0.9, 0.1, 0}, 1)
//	for _, r := range results {
//		fmt.Printf("%s at distance %.4f\n", r.ID, r.Distance)
//	}
package veccy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/skanga/veccy/pkg/config"
	"github.com/skanga/veccy/pkg/index"
	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/persist"
	"github.com/skanga/veccy/pkg/quantize"
	"github.com/skanga/veccy/pkg/storage"
)

// DB is the client facade. All methods are safe for concurrent use:
// searches run in parallel, writes serialize inside the index.
type DB struct {
	mu  sync.RWMutex
	cfg *config.Database

	backend storage.Backend
	idx     index.Index
	quant   quantize.Quantizer
	persist *persist.Manager

	initialized bool
	closed      bool
}

// Stats aggregates per-collaborator counters.
type Stats struct {
	Storage     storage.Stats   `json:"storage"`
	Index       index.Stats     `json:"index"`
	Quantizer   *quantize.Stats `json:"quantizer,omitempty"`
	Persistence *persist.Stats  `json:"persistence,omitempty"`
}

// New creates an uninitialized DB from a validated configuration.
// Collaborators are constructed by Init.
func New(cfg *config.Database) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, mapError(err)
	}
	return &DB{cfg: cfg}, nil
}

// Open is New followed by Init.
func Open(cfg *config.Database) (*DB, error) {
	db, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Init(); err != nil {
		return nil, err
	}
	return db, nil
}

// Init constructs and initializes every configured collaborator in
// dependency order: storage, quantizer, index, persistence. Init is
// idempotent; on partial failure, successfully initialized collaborators
// are released in reverse order and the DB stays uninitialized.
func (db *DB) Init() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrNotInitialized
	}
	if db.initialized {
		return nil
	}

	if err := db.initLocked(); err != nil {
		db.releaseLocked()
		return errors.Join(ErrInitialization, err)
	}
	db.initialized = true
	return nil
}

func (db *DB) initLocked() error {
	metric := vector.Metric(db.cfg.Metric)

	backend, err := db.buildBackend()
	if err != nil {
		return err
	}
	db.backend = backend

	quant, err := db.buildQuantizer(metric)
	if err != nil {
		return err
	}
	db.quant = quant

	idx, err := db.buildIndex(metric)
	if err != nil {
		return err
	}
	db.idx = idx

	if db.cfg.Persistence.Enabled {
		snapshotter, ok := idx.(index.Snapshotter)
		if !ok {
			return fmt.Errorf("%w: index kind %q cannot snapshot", ErrInternal, db.cfg.IndexType)
		}
		mgr, err := persist.NewManager(
			persist.Config{Dir: db.cfg.Persistence.Dir, Interval: db.cfg.Persistence.SnapshotInterval()},
			persist.Descriptor{
				Dimensions: db.cfg.Dimensions,
				Metric:     db.cfg.Metric,
				IndexType:  string(db.cfg.IndexType),
				Params:     db.indexParams(),
			},
			backend, snapshotter)
		if err != nil {
			return err
		}
		db.persist = mgr

		if _, err := mgr.Restore(db.restoreQuantizerFn()); err != nil && !errors.Is(err, persist.ErrNoSnapshot) {
			return err
		}
		mgr.Start()
	}
	return nil
}

func (db *DB) buildBackend() (storage.Backend, error) {
	switch db.cfg.Storage.Kind {
	case config.StorageMemory:
		return storage.NewMemoryBackend(db.cfg.Dimensions), nil
	case config.StorageFile:
		fc := storage.DefaultFileConfig(db.cfg.Storage.Path)
		switch db.cfg.Storage.FsyncPolicy {
		case "never":
			fc.Fsync = storage.FsyncNever
		case "per_write":
			fc.Fsync = storage.FsyncPerWrite
		case "", "periodic":
			fc.Fsync = storage.FsyncPeriodic
			fc.FsyncInterval = db.cfg.Storage.FsyncInterval()
		}
		return storage.NewFileBackend(db.cfg.Dimensions, fc)
	case config.StorageBadger:
		return storage.NewBadgerBackend(db.cfg.Dimensions, storage.BadgerOptions{
			DataDir:    db.cfg.Storage.Path,
			SyncWrites: db.cfg.Storage.FsyncPolicy == "per_write",
		})
	default:
		return nil, fmt.Errorf("%w: storage kind %q", config.ErrInvalid, db.cfg.Storage.Kind)
	}
}

func (db *DB) buildQuantizer(metric vector.Metric) (quantize.Quantizer, error) {
	switch db.cfg.Quantizer.Kind {
	case config.QuantizerNone:
		return nil, nil
	case config.QuantizerScalar:
		return quantize.NewScalarQuantizer(db.cfg.Dimensions, metric), nil
	case config.QuantizerPQ:
		return quantize.NewProductQuantizer(db.cfg.Dimensions, metric, quantize.ProductConfig{
			Subspaces:  db.cfg.Quantizer.Subspaces,
			Iterations: db.cfg.Quantizer.Iterations,
			Seed:       db.cfg.Quantizer.Seed,
		})
	default:
		return nil, fmt.Errorf("%w: quantizer kind %q", config.ErrInvalid, db.cfg.Quantizer.Kind)
	}
}

func (db *DB) buildIndex(metric vector.Metric) (index.Index, error) {
	switch db.cfg.IndexType {
	case config.IndexFlat:
		return index.NewFlat(db.backend, db.cfg.Dimensions, metric, db.quant)
	case config.IndexHNSW:
		return index.NewHNSW(db.backend, db.cfg.Dimensions, metric, index.HNSWConfig{
			M:                   db.cfg.HNSW.M,
			MMax0:               db.cfg.HNSW.MMax0,
			EfConstruction:      db.cfg.HNSW.EfConstruction,
			EfSearch:            db.cfg.HNSW.EfSearch,
			Seed:                db.cfg.HNSW.Seed,
			CompactionThreshold: db.cfg.HNSW.CompactionThreshold,
		}, db.quant)
	default:
		return nil, fmt.Errorf("%w: index type %q", config.ErrInvalid, db.cfg.IndexType)
	}
}

// indexParams records index parameters into snapshot manifests.
func (db *DB) indexParams() map[string]any {
	if db.cfg.IndexType != config.IndexHNSW {
		return map[string]any{}
	}
	return map[string]any{
		"m":               db.cfg.HNSW.M,
		"m_max0":          db.cfg.HNSW.MMax0,
		"ef_construction": db.cfg.HNSW.EfConstruction,
		"ef_search":       db.cfg.HNSW.EfSearch,
		"seed":            db.cfg.HNSW.Seed,
	}
}

// restoreQuantizerFn retrains the quantizer on the restored vectors,
// since codebooks are not part of the snapshot format. Runs between the
// vector load and the index load during Restore.
func (db *DB) restoreQuantizerFn() func() error {
	if db.quant == nil {
		return nil
	}
	return func() error {
		sample, err := db.collectVectorsLocked()
		if err != nil {
			return err
		}
		if len(sample) == 0 {
			return nil
		}
		return db.quant.Train(sample)
	}
}

func (db *DB) collectVectorsLocked() ([][]float32, error) {
	stream, err := db.backend.Stream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var sample [][]float32
	for {
		id, ok := stream.Next()
		if !ok {
			break
		}
		rec, err := db.backend.Get(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sample = append(sample, rec.Vector)
	}
	return sample, stream.Err()
}

// releaseLocked closes collaborators in reverse dependency order:
// persistence, quantizer, index, storage. Individual close errors are
// logged and do not abort the sequence.
func (db *DB) releaseLocked() {
	if db.persist != nil {
		if err := db.persist.Close(); err != nil {
			log.Printf("veccy: persistence close: %v", err)
		}
		db.persist = nil
	}
	db.quant = nil // quantizers hold no resources beyond memory
	if db.idx != nil {
		if err := db.idx.Close(); err != nil {
			log.Printf("veccy: index close: %v", err)
		}
		db.idx = nil
	}
	if db.backend != nil {
		if err := db.backend.Close(); err != nil {
			log.Printf("veccy: storage close: %v", err)
		}
		db.backend = nil
	}
}

// IsInitialized reports whether the DB is ready for operations.
func (db *DB) IsInitialized() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.initialized && !db.closed
}

// Close releases collaborators in reverse dependency order. Close is
// idempotent; operations after Close fail with ErrNotInitialized.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.initialized = false
	db.releaseLocked()
	return nil
}

// ready guards every operation. Returns the collaborators under a read
// lock so Close cannot release them mid-check.
func (db *DB) ready() (storage.Backend, index.Index, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.initialized || db.closed {
		return nil, nil, ErrNotInitialized
	}
	return db.backend, db.idx, nil
}

// trainQuantizerIfNeeded trains an attached, untrained quantizer on the
// first insert batch.
func (db *DB) trainQuantizerIfNeeded(vectors [][]float32) error {
	db.mu.RLock()
	quant := db.quant
	db.mu.RUnlock()
	if quant == nil || quant.Stats().Trained {
		return nil
	}
	return quant.Train(vectors)
}

// Insert stores vectors with optional per-vector metadata and returns
// the generated ids.
func (db *DB) Insert(ctx context.Context, vectors [][]float32, metadata []map[string]any) ([]string, error) {
	_, idx, err := db.ready()
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, mapError(index.ErrEmptyQuery)
	}
	for _, v := range vectors {
		if err := vector.Validate(v, db.cfg.Dimensions); err != nil {
			return nil, mapError(err)
		}
	}
	if err := db.trainQuantizerIfNeeded(vectors); err != nil {
		return nil, mapError(err)
	}

	ids, err := idx.Insert(ctx, vectors, metadata)
	if err != nil {
		return ids, mapError(err)
	}
	return ids, nil
}

// Search returns the k nearest records to the query.
func (db *DB) Search(ctx context.Context, query []float32, k int) ([]index.SearchResult, error) {
	_, idx, err := db.ready()
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(ctx, query, k)
	if err != nil {
		return nil, mapError(err)
	}
	return results, nil
}

// BatchSearch runs one search per query. Queries execute concurrently
// and join before returning; a failed query yields a nil entry rather
// than aborting the batch, except for cancellation, which returns the
// partial results alongside ErrCancelled.
func (db *DB) BatchSearch(ctx context.Context, queries [][]float32, k int) ([][]index.SearchResult, error) {
	_, idx, err := db.ready()
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return [][]index.SearchResult{}, nil
	}

	results := make([][]index.SearchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, q := range queries {
		g.Go(func() error {
			res, err := idx.Search(gctx, q, k)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil // per-item failure: nil entry
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, mapError(err)
	}
	return results, nil
}

// Update rewrites a record's vector and/or metadata. Both nil is a no-op
// reporting whether the id exists.
func (db *DB) Update(ctx context.Context, id string, vec []float32, meta map[string]any) (bool, error) {
	_, idx, err := db.ready()
	if err != nil {
		return false, err
	}
	if vec != nil {
		if err := vector.Validate(vec, db.cfg.Dimensions); err != nil {
			return false, mapError(err)
		}
	}
	ok, err := idx.Update(ctx, id, vec, meta)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

// BatchUpdate applies updates under a single index write lock. One
// success flag per id; cancellation returns the partial flags alongside
// ErrCancelled.
func (db *DB) BatchUpdate(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) ([]bool, error) {
	_, idx, err := db.ready()
	if err != nil {
		return nil, err
	}
	results, err := idx.BatchUpdate(ctx, ids, vectors, metadata)
	if err != nil {
		return results, mapError(err)
	}
	return results, nil
}

// Delete removes records by id. Returns true if every id existed.
func (db *DB) Delete(ctx context.Context, ids ...string) (bool, error) {
	_, idx, err := db.ready()
	if err != nil {
		return false, err
	}
	ok, err := idx.Delete(ctx, ids...)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

// Get returns the stored record for id. With a quantizer attached the
// vector is the decoded approximation.
func (db *DB) Get(ctx context.Context, id string) (*storage.Record, error) {
	backend, _, err := db.ready()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, mapError(err)
	}
	rec, err := backend.Get(id)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// ListIDs returns up to limit record ids; limit <= 0 means all.
func (db *DB) ListIDs(limit int) ([]string, error) {
	backend, _, err := db.ready()
	if err != nil {
		return nil, err
	}
	ids, err := backend.List(limit)
	if err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

// ListIDsPaginated returns one page of ids with an opaque resumption
// cursor.
func (db *DB) ListIDsPaginated(pageSize int, cursor string) (*storage.Page, error) {
	backend, _, err := db.ready()
	if err != nil {
		return nil, err
	}
	page, err := backend.ListPaginated(pageSize, cursor)
	if err != nil {
		return nil, mapError(err)
	}
	return page, nil
}

// StreamIDs returns a lazy id iterator. The caller must Close it.
func (db *DB) StreamIDs() (*storage.IDStream, error) {
	backend, _, err := db.ready()
	if err != nil {
		return nil, err
	}
	stream, err := backend.Stream()
	if err != nil {
		return nil, mapError(err)
	}
	return stream, nil
}

// Stats aggregates collaborator counters.
func (db *DB) Stats() (Stats, error) {
	backend, idx, err := db.ready()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Storage: backend.Stats(),
		Index:   idx.Stats(),
	}
	db.mu.RLock()
	if db.quant != nil {
		qs := db.quant.Stats()
		stats.Quantizer = &qs
	}
	if db.persist != nil {
		ps := db.persist.StatsSnapshot()
		stats.Persistence = &ps
	}
	db.mu.RUnlock()
	return stats, nil
}

// Flush writes a snapshot now. No-op without a persistence manager.
func (db *DB) Flush() error {
	_, _, err := db.ready()
	if err != nil {
		return err
	}
	db.mu.RLock()
	mgr := db.persist
	db.mu.RUnlock()
	if mgr == nil {
		return nil
	}
	if err := mgr.Flush(); err != nil {
		return mapError(err)
	}
	return nil
}
