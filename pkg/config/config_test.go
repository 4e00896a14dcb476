package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithDimensions(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid, "dimensions unset must fail")

	cfg.Dimensions = 128
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
dimensions: 64
metric: l2
index_type: hnsw
hnsw:
  m: 8
  ef_construction: 100
  ef_search: 50
storage:
  kind: file
  path: /tmp/veccy.log
  fsync_policy: per_write
`))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Dimensions)
	assert.Equal(t, "l2", cfg.Metric)
	assert.Equal(t, 8, cfg.HNSW.M)
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	// Unset fields keep defaults.
	assert.Equal(t, int64(1), cfg.HNSW.Seed)
}

func TestParse_UnknownKeyFails(t *testing.T) {
	_, err := Parse([]byte(`
dimensions: 64
metric: l2
index_type: flat
sharding: true
`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Database)
	}{
		{"unknown metric", func(c *Database) { c.Metric = "hamming" }},
		{"unknown index type", func(c *Database) { c.IndexType = "ivf" }},
		{"zero m", func(c *Database) { c.HNSW.M = 0 }},
		{"ef below m", func(c *Database) { c.HNSW.EfConstruction = 4 }},
		{"threshold out of range", func(c *Database) { c.HNSW.CompactionThreshold = 1.5 }},
		{"file without path", func(c *Database) { c.Storage.Kind = StorageFile }},
		{"badger without path", func(c *Database) { c.Storage.Kind = StorageBadger }},
		{"unknown storage kind", func(c *Database) { c.Storage.Kind = "s3" }},
		{"unknown fsync policy", func(c *Database) { c.Storage.FsyncPolicy = "sometimes" }},
		{"unknown quantizer", func(c *Database) { c.Quantizer.Kind = "binary" }},
		{"indivisible subspaces", func(c *Database) {
			c.Quantizer.Kind = QuantizerPQ
			c.Quantizer.Subspaces = 7
		}},
		{"persistence without dir", func(c *Database) { c.Persistence.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Dimensions = 64
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestIntervalHelpers(t *testing.T) {
	s := Storage{FsyncIntervalMs: 250}
	assert.Equal(t, "250ms", s.FsyncInterval().String())

	s = Storage{}
	assert.Equal(t, "100ms", s.FsyncInterval().String())

	p := Persistence{SnapshotIntervalMs: 5000}
	assert.Equal(t, "5s", p.SnapshotInterval().String())
}
