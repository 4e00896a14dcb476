package persist

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skanga/veccy/pkg/index"
	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/storage"
)

func testDescriptor(dims int) Descriptor {
	return Descriptor{
		Dimensions: dims,
		Metric:     string(vector.L2),
		IndexType:  "hnsw",
		Params:     map[string]any{"m": 16, "ef_construction": 200},
	}
}

func buildIndexed(t *testing.T, dims, n int, seed int64) (storage.Backend, *index.HNSW, [][]float32) {
	backend := storage.NewMemoryBackend(dims)
	t.Cleanup(func() { backend.Close() })

	h, err := index.NewHNSW(backend, dims, vector.L2, index.DefaultHNSWConfig(), nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dims)
		for d := range v {
			v[d] = rng.Float32()
		}
		vectors[i] = v
		require.NoError(t, h.InsertWithID(context.Background(), fmt.Sprintf("vec-%04d", i), v,
			map[string]any{"seq": float64(i)}))
	}
	return backend, h, vectors
}

// TestSnapshotRoundTrip covers the crash-recovery scenario: snapshot,
// discard in-memory state, restore, and compare search results exactly.
func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	const dims = 8

	backend, h, _ := buildIndexed(t, dims, 200, 1)
	mgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), backend, h)
	require.NoError(t, err)
	defer mgr.Close()

	// Record query results before the "crash".
	rng := rand.New(rand.NewSource(2))
	queries := make([][]float32, 20)
	expected := make([][]index.SearchResult, 20)
	for i := range queries {
		q := make([]float32, dims)
		for d := range q {
			q[d] = rng.Float32()
		}
		queries[i] = q
		expected[i], err = h.Search(ctx, q, 10)
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Flush())

	// Fresh state, as after a crash.
	freshBackend := storage.NewMemoryBackend(dims)
	defer freshBackend.Close()
	freshIndex, err := index.NewHNSW(freshBackend, dims, vector.L2, index.DefaultHNSWConfig(), nil)
	require.NoError(t, err)
	freshMgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), freshBackend, freshIndex)
	require.NoError(t, err)
	defer freshMgr.Close()

	manifest, err := freshMgr.Restore(nil)
	require.NoError(t, err)
	assert.Equal(t, dims, manifest.Dimensions)
	assert.Equal(t, "hnsw", manifest.IndexType)

	assert.Equal(t, int64(200), freshBackend.Stats().Count)
	for i, q := range queries {
		got, err := freshIndex.Search(ctx, q, 10)
		require.NoError(t, err)
		assert.Equal(t, expected[i], got, "query %d differs after restore", i)
	}
}

// TestRestoreSkipsCorrupt flips a byte in the newest snapshot's vectors
// file and verifies restore falls back to the older valid snapshot.
func TestRestoreSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	const dims = 4

	backend, h, _ := buildIndexed(t, dims, 50, 3)
	mgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), backend, h)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Flush())
	time.Sleep(2 * time.Millisecond) // distinct created_at for the second snapshot
	require.NoError(t, h.InsertWithID(context.Background(), "extra", []float32{1, 2, 3, 4}, nil))
	require.NoError(t, mgr.Flush())

	manifests, err := ListManifests(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	// Corrupt the newest vectors file.
	newest := filepath.Join(dir, manifests[0].VectorsFile)
	data, err := os.ReadFile(newest)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(newest, data, 0o644))

	freshBackend := storage.NewMemoryBackend(dims)
	defer freshBackend.Close()
	freshIndex, err := index.NewHNSW(freshBackend, dims, vector.L2, index.DefaultHNSWConfig(), nil)
	require.NoError(t, err)
	freshMgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), freshBackend, freshIndex)
	require.NoError(t, err)
	defer freshMgr.Close()

	manifest, err := freshMgr.Restore(nil)
	require.NoError(t, err)
	assert.Equal(t, manifests[1].CreatedAt, manifest.CreatedAt, "older valid snapshot wins")
	assert.False(t, freshBackend.Contains("extra"), "corrupt newer snapshot was skipped")
}

// TestCrashMidSnapshotLeavesPreviousIntact simulates a crash between
// temp-write and rename: a stray .tmp file must not break restore.
func TestCrashMidSnapshotLeavesPreviousIntact(t *testing.T) {
	dir := t.TempDir()
	const dims = 4

	backend, h, _ := buildIndexed(t, dims, 30, 4)
	mgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), backend, h)
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.Flush())

	// Leftovers of a crashed snapshot attempt.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vectors-999.vec.tmp"), []byte("torn"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest-999.json.tmp"), []byte("{"), 0o644))

	freshBackend := storage.NewMemoryBackend(dims)
	defer freshBackend.Close()
	freshIndex, err := index.NewHNSW(freshBackend, dims, vector.L2, index.DefaultHNSWConfig(), nil)
	require.NoError(t, err)
	freshMgr, err := NewManager(Config{Dir: dir}, testDescriptor(dims), freshBackend, freshIndex)
	require.NoError(t, err)
	defer freshMgr.Close()

	_, err = freshMgr.Restore(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), freshBackend.Stats().Count)
}

func TestRestoreEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	backend := storage.NewMemoryBackend(2)
	defer backend.Close()
	h, err := index.NewHNSW(backend, 2, vector.L2, index.DefaultHNSWConfig(), nil)
	require.NoError(t, err)

	mgr, err := NewManager(Config{Dir: dir}, testDescriptor(2), backend, h)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Restore(nil)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestPeriodicSnapshots(t *testing.T) {
	dir := t.TempDir()
	backend, h, _ := buildIndexed(t, 4, 10, 5)

	mgr, err := NewManager(Config{Dir: dir, Interval: 10 * time.Millisecond}, testDescriptor(4), backend, h)
	require.NoError(t, err)
	mgr.Start()

	assert.Eventually(t, func() bool {
		manifests, err := ListManifests(dir)
		return err == nil && len(manifests) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close(), "double close is a no-op")
}

func TestManifestValidation(t *testing.T) {
	m := &Manifest{Version: 2}
	assert.ErrorIs(t, m.validate(), ErrCorrupt)

	m = &Manifest{Version: 1, VectorsFile: "v", IndexFile: "i"}
	assert.ErrorIs(t, m.validate(), ErrCorrupt)

	m = &Manifest{Version: 1, VectorsFile: "v", IndexFile: "i", VectorsSHA256: "a", IndexSHA256: "b"}
	assert.NoError(t, m.validate())
}
