package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T, dims int) (*FileBackend, string) {
	path := filepath.Join(t.TempDir(), "records.log")
	cfg := DefaultFileConfig(path)
	cfg.Fsync = FsyncNever
	b, err := NewFileBackend(dims, cfg)
	require.NoError(t, err)
	return b, path
}

// TestFileBackend_Reopen verifies the index is rebuilt from the log,
// including tombstones.
func TestFileBackend_Reopen(t *testing.T) {
	b, path := newTestFileBackend(t, 2)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Put(&Record{
			ID:       fmt.Sprintf("rec-%d", i),
			Vector:   []float32{float32(i), 0},
			Metadata: map[string]any{"i": float64(i)},
		}))
	}
	_, err := b.Delete("rec-3")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewFileBackend(2, DefaultFileConfig(path))
	require.NoError(t, err)
	defer reopened.Close()

	stats := reopened.Stats()
	assert.Equal(t, int64(9), stats.Count)
	assert.False(t, reopened.Contains("rec-3"))

	got, err := reopened.Get("rec-7")
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 0}, got.Vector)
	assert.Equal(t, float64(7), got.Metadata["i"])
}

// TestFileBackend_TornTail verifies that a partial trailing entry (crash
// mid-append) is truncated on open and everything before it survives.
func TestFileBackend_TornTail(t *testing.T) {
	b, path := newTestFileBackend(t, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Put(&Record{ID: fmt.Sprintf("rec-%d", i), Vector: []float32{1, 2}}))
	}
	require.NoError(t, b.Close())

	// Simulate a torn write: append garbage that looks like a header.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileBackend(2, DefaultFileConfig(path))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(5), reopened.Stats().Count)
	got, err := reopened.Get("rec-4")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Vector)

	// New writes land cleanly after the truncated tail.
	require.NoError(t, reopened.Put(&Record{ID: "rec-5", Vector: []float32{3, 4}}))
	got, err = reopened.Get("rec-5")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got.Vector)
}

// TestFileBackend_Compact verifies compaction drops dead log entries while
// preserving the live set.
func TestFileBackend_Compact(t *testing.T) {
	b, _ := newTestFileBackend(t, 2)
	defer b.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Put(&Record{ID: fmt.Sprintf("rec-%02d", i), Vector: []float32{float32(i), 0}}))
	}
	for i := 0; i < 50; i += 2 {
		_, err := b.Delete(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, err)
	}
	require.NoError(t, b.Sync())
	before := b.Stats().EstimatedBytes

	require.NoError(t, b.Compact())

	after := b.Stats()
	assert.Equal(t, int64(25), after.Count)
	assert.Less(t, after.EstimatedBytes, before)

	for i := 1; i < 50; i += 2 {
		got, err := b.Get(fmt.Sprintf("rec-%02d", i))
		require.NoError(t, err)
		assert.Equal(t, []float32{float32(i), 0}, got.Vector)
	}
}

func TestFileBackend_PeriodicFsync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.log")
	cfg := FileConfig{Path: path, Fsync: FsyncPeriodic, FsyncInterval: 5 * time.Millisecond, CacheSize: 8}
	b, err := NewFileBackend(2, cfg)
	require.NoError(t, err)

	require.NoError(t, b.Put(&Record{ID: "rec-1", Vector: []float32{1, 2}}))
	time.Sleep(25 * time.Millisecond) // let the sync ticker fire
	require.NoError(t, b.Close())

	reopened, err := NewFileBackend(2, DefaultFileConfig(path))
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Contains("rec-1"))
}
