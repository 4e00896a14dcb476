package storage

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFactories builds each backend variant fresh for the shared
// contract suite.
func backendFactories(t *testing.T, dims int) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend(dims)
		},
		"file": func(t *testing.T) Backend {
			cfg := DefaultFileConfig(filepath.Join(t.TempDir(), "records.log"))
			cfg.Fsync = FsyncNever
			b, err := NewFileBackend(dims, cfg)
			require.NoError(t, err)
			return b
		},
		"badger": func(t *testing.T) Backend {
			b, err := NewBadgerBackend(dims, BadgerOptions{InMemory: true})
			require.NoError(t, err)
			return b
		},
	}
}

func TestBackend_PutGetDelete(t *testing.T) {
	for name, factory := range backendFactories(t, 3) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			rec := &Record{
				ID:       "rec-1",
				Vector:   []float32{1, 2, 3},
				Metadata: map[string]any{"source": "test", "rank": float64(7)},
			}
			require.NoError(t, b.Put(rec))
			assert.True(t, b.Contains("rec-1"))

			got, err := b.Get("rec-1")
			require.NoError(t, err)
			assert.Equal(t, rec.Vector, got.Vector)
			assert.Equal(t, "test", got.Metadata["source"])

			// Overwrite in place.
			rec.Vector = []float32{4, 5, 6}
			require.NoError(t, b.Put(rec))
			got, err = b.Get("rec-1")
			require.NoError(t, err)
			assert.Equal(t, []float32{4, 5, 6}, got.Vector)

			existed, err := b.Delete("rec-1")
			require.NoError(t, err)
			assert.True(t, existed)
			assert.False(t, b.Contains("rec-1"))

			_, err = b.Get("rec-1")
			assert.ErrorIs(t, err, ErrNotFound)

			existed, err = b.Delete("rec-1")
			require.NoError(t, err)
			assert.False(t, existed)
		})
	}
}

func TestBackend_RejectsInvalidVectors(t *testing.T) {
	for name, factory := range backendFactories(t, 3) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			err := b.Put(&Record{ID: "bad-dim", Vector: []float32{1, 2}})
			assert.ErrorIs(t, err, ErrInvalidRecord)

			err = b.Put(&Record{ID: "bad-nan", Vector: []float32{1, float32(math.NaN()), 3}})
			assert.ErrorIs(t, err, ErrInvalidRecord)

			err = b.Put(&Record{ID: "", Vector: []float32{1, 2, 3}})
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestBackend_ListAndPagination(t *testing.T) {
	for name, factory := range backendFactories(t, 2) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("rec-%03d", i)
				require.NoError(t, b.Put(&Record{ID: id, Vector: []float32{float32(i), 0}}))
			}

			ids, err := b.List(0)
			require.NoError(t, err)
			assert.Len(t, ids, 25)
			assert.Equal(t, "rec-000", ids[0])

			ids, err = b.List(10)
			require.NoError(t, err)
			assert.Len(t, ids, 10)

			// Walk every page; 25 ids at page size 10 is 3 pages.
			var all []string
			cursor := ""
			pages := 0
			for {
				page, err := b.ListPaginated(10, cursor)
				require.NoError(t, err)
				all = append(all, page.IDs...)
				pages++
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}
			assert.Equal(t, 3, pages)
			assert.Len(t, all, 25)

			// Equal cursors resume the same position.
			first, err := b.ListPaginated(10, "")
			require.NoError(t, err)
			again, err := b.ListPaginated(10, "")
			require.NoError(t, err)
			assert.Equal(t, first.IDs, again.IDs)

			_, err = b.ListPaginated(0, "")
			assert.ErrorIs(t, err, ErrInvalidCursor)

			_, err = b.ListPaginated(10, "not!base64!!")
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestBackend_Stream(t *testing.T) {
	for name, factory := range backendFactories(t, 2) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			want := make(map[string]bool)
			for i := 0; i < 300; i++ { // more than one stream chunk
				id := fmt.Sprintf("rec-%04d", i)
				want[id] = true
				require.NoError(t, b.Put(&Record{ID: id, Vector: []float32{1, 2}}))
			}

			stream, err := b.Stream()
			require.NoError(t, err)
			defer stream.Close()

			seen := make(map[string]bool)
			for {
				id, ok := stream.Next()
				if !ok {
					break
				}
				seen[id] = true
			}
			require.NoError(t, stream.Err())
			assert.Equal(t, want, seen)

			// Closed stream yields nothing.
			require.NoError(t, stream.Close())
			_, ok := stream.Next()
			assert.False(t, ok)
		})
	}
}

func TestBackend_Stats(t *testing.T) {
	for name, factory := range backendFactories(t, 4) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			for i := 0; i < 5; i++ {
				require.NoError(t, b.Put(&Record{
					ID:     fmt.Sprintf("rec-%d", i),
					Vector: []float32{1, 2, 3, 4},
				}))
			}
			stats := b.Stats()
			assert.Equal(t, int64(5), stats.Count)
			assert.Equal(t, 4, stats.Dimensions)
		})
	}
}

func TestBackend_DoubleCloseIsNoOp(t *testing.T) {
	for name, factory := range backendFactories(t, 2) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			require.NoError(t, b.Close())
			require.NoError(t, b.Close())

			err := b.Put(&Record{ID: "x", Vector: []float32{1, 2}})
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor("rec-042")
	id, err := DecodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, "rec-042", id)
}
