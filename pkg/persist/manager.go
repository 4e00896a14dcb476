package persist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skanga/veccy/pkg/index"
	"github.com/skanga/veccy/pkg/storage"
)

// Config configures the persistence manager.
type Config struct {
	// Dir is the snapshot directory. Created if missing.
	Dir string
	// Interval between automatic snapshots. Zero disables the timer;
	// explicit Flush still works.
	Interval time.Duration
}

// Descriptor carries the immutable database parameters recorded in every
// manifest.
type Descriptor struct {
	Dimensions int
	Metric     string
	IndexType  string
	Params     map[string]any
}

// Manager owns snapshot scheduling and the write/restore protocol. The
// background timer goroutine belongs to the manager and is stopped by
// Close.
type Manager struct {
	mu      sync.Mutex
	config  Config
	desc    Descriptor
	backend storage.Backend
	idx     index.Snapshotter

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool

	snapshotCount  int64
	lastSnapshotAt int64
}

// Stats reports snapshot activity since the manager was created.
type Stats struct {
	Dir            string `json:"dir"`
	SnapshotCount  int64  `json:"snapshot_count"`
	LastSnapshotAt int64  `json:"last_snapshot_at,omitempty"`
}

// NewManager creates a persistence manager for one storage+index pair.
// Call Start to arm the snapshot timer.
func NewManager(cfg Config, desc Descriptor, backend storage.Backend, idx index.Snapshotter) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("persist: empty snapshot directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create directory: %w", err)
	}
	return &Manager{
		config:  cfg,
		desc:    desc,
		backend: backend,
		idx:     idx,
		stop:    make(chan struct{}),
	}, nil
}

// Start arms the periodic snapshot timer. No-op when the interval is
// zero.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.ticker != nil || m.config.Interval <= 0 {
		return
	}
	m.ticker = time.NewTicker(m.config.Interval)
	m.wg.Add(1)
	go m.snapshotLoop()
}

// snapshotLoop writes snapshots on the timer. Failures are logged and do
// not poison the in-memory state; the next tick retries.
func (m *Manager) snapshotLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			if err := m.Flush(); err != nil {
				log.Printf("veccy: periodic snapshot failed: %v", err)
			}
		case <-m.stop:
			return
		}
	}
}

// Flush writes one snapshot now.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	createdAt := time.Now().UnixMilli()
	if err := m.writeSnapshotLocked(createdAt); err != nil {
		return err
	}
	m.snapshotCount++
	m.lastSnapshotAt = createdAt
	return nil
}

// StatsSnapshot returns snapshot activity counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Dir:            m.config.Dir,
		SnapshotCount:  m.snapshotCount,
		LastSnapshotAt: m.lastSnapshotAt,
	}
}

// writeSnapshotLocked writes vectors, index, and manifest files through
// the temp-write / fsync / rename / fsync-dir protocol, in that order.
// The manifest lands last, so a crash at any earlier point leaves no
// half-snapshot visible to Restore.
func (m *Manager) writeSnapshotLocked(createdAt int64) error {
	id := fmt.Sprintf("%d", createdAt)
	vectorsName := fmt.Sprintf("vectors-%s.vec", id)
	indexName := fmt.Sprintf("index-%s.idx", id)
	manifestName := fmt.Sprintf("manifest-%s.json", id)

	if err := m.writeFileAtomic(vectorsName, func(f *os.File) error {
		return writeVectors(f, m.backend)
	}); err != nil {
		return fmt.Errorf("persist: vectors file: %w", err)
	}
	if err := m.writeFileAtomic(indexName, func(f *os.File) error {
		return m.idx.WriteSnapshot(f)
	}); err != nil {
		return fmt.Errorf("persist: index file: %w", err)
	}

	vectorsSum, err := fileSHA256(filepath.Join(m.config.Dir, vectorsName))
	if err != nil {
		return fmt.Errorf("persist: checksum vectors: %w", err)
	}
	indexSum, err := fileSHA256(filepath.Join(m.config.Dir, indexName))
	if err != nil {
		return fmt.Errorf("persist: checksum index: %w", err)
	}

	manifest := &Manifest{
		Version:       manifestVersion,
		CreatedAt:     createdAt,
		Dimensions:    m.desc.Dimensions,
		Metric:        m.desc.Metric,
		IndexType:     m.desc.IndexType,
		Params:        m.desc.Params,
		VectorsFile:   vectorsName,
		IndexFile:     indexName,
		VectorsSHA256: vectorsSum,
		IndexSHA256:   indexSum,
	}
	return m.writeFileAtomic(manifestName, func(f *os.File) error {
		enc := json.NewEncoder(f)
		return enc.Encode(manifest)
	})
}

// writeFileAtomic writes via a temp path, fsyncs, renames into place,
// and fsyncs the directory.
func (m *Manager) writeFileAtomic(name string, write func(f *os.File) error) error {
	finalPath := filepath.Join(m.config.Dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	dir, err := os.Open(m.config.Dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// ListManifests returns every parseable manifest in dir, newest first.
// Unreadable manifests are skipped with a logged warning.
func ListManifests(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("persist: read directory: %w", err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "manifest-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		m, err := readManifest(filepath.Join(dir, name))
		if err != nil {
			log.Printf("veccy: skipping unreadable manifest %s: %v", name, err)
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt > manifests[j].CreatedAt
	})
	return manifests, nil
}

// Verify checks the data-file checksums of one manifest.
func Verify(dir string, m *Manifest) error {
	vectorsSum, err := fileSHA256(filepath.Join(dir, m.VectorsFile))
	if err != nil {
		return fmt.Errorf("%w: vectors file: %v", ErrCorrupt, err)
	}
	if vectorsSum != m.VectorsSHA256 {
		return fmt.Errorf("%w: vectors checksum mismatch", ErrCorrupt)
	}
	indexSum, err := fileSHA256(filepath.Join(dir, m.IndexFile))
	if err != nil {
		return fmt.Errorf("%w: index file: %v", ErrCorrupt, err)
	}
	if indexSum != m.IndexSHA256 {
		return fmt.Errorf("%w: index checksum mismatch", ErrCorrupt)
	}
	return nil
}

// Restore loads the newest valid snapshot into the backend and index.
// Corrupt snapshots are skipped with a logged warning; if none verify,
// Restore reports ErrNoSnapshot. TrainQuantizer, when non-nil, runs
// between the vector load and the index load so codebooks exist before
// the index re-encodes.
func (m *Manager) Restore(trainQuantizer func() error) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	manifests, err := ListManifests(m.config.Dir)
	if err != nil {
		return nil, err
	}
	for _, manifest := range manifests {
		if err := Verify(m.config.Dir, manifest); err != nil {
			log.Printf("veccy: skipping corrupt snapshot %d: %v", manifest.CreatedAt, err)
			continue
		}
		if err := m.loadSnapshotLocked(manifest, trainQuantizer); err != nil {
			log.Printf("veccy: skipping unloadable snapshot %d: %v", manifest.CreatedAt, err)
			continue
		}
		return manifest, nil
	}
	return nil, ErrNoSnapshot
}

func (m *Manager) loadSnapshotLocked(manifest *Manifest, trainQuantizer func() error) error {
	vectorsFile, err := os.Open(filepath.Join(m.config.Dir, manifest.VectorsFile))
	if err != nil {
		return err
	}
	defer vectorsFile.Close()
	if err := readVectors(vectorsFile, m.backend); err != nil {
		return err
	}

	if trainQuantizer != nil {
		if err := trainQuantizer(); err != nil {
			return err
		}
	}

	indexFile, err := os.Open(filepath.Join(m.config.Dir, manifest.IndexFile))
	if err != nil {
		return err
	}
	defer indexFile.Close()
	return m.idx.ReadSnapshot(indexFile)
}

// Close stops the snapshot timer. Close is idempotent and does not write
// a final snapshot; callers wanting one should Flush first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
