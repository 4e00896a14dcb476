// Package config holds the typed configuration records for veccy.
//
// Every component gets a concrete config struct with a Default*
// constructor; there are no untyped key-value bags. Configuration can be
// built in code or loaded from a YAML file, in which case unknown keys
// are rejected rather than silently ignored.
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Dimensions = 384
//	cfg.Metric = "cosine"
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skanga/veccy/pkg/math/vector"
)

// ErrInvalid reports a malformed configuration, including unknown keys
// in a YAML file.
var ErrInvalid = errors.New("config: invalid configuration")

// StorageKind selects the storage backend variant.
type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
	StorageBadger StorageKind = "badger"
)

// IndexType selects the index variant.
type IndexType string

const (
	IndexFlat IndexType = "flat"
	IndexHNSW IndexType = "hnsw"
)

// QuantizerKind selects the optional quantizer variant.
type QuantizerKind string

const (
	QuantizerNone   QuantizerKind = ""
	QuantizerScalar QuantizerKind = "scalar"
	QuantizerPQ     QuantizerKind = "product"
)

// HNSW holds the graph construction parameters.
type HNSW struct {
	M                   int     `yaml:"m"`
	MMax0               int     `yaml:"m_max0"`
	EfConstruction      int     `yaml:"ef_construction"`
	EfSearch            int     `yaml:"ef_search"`
	Seed                int64   `yaml:"seed"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
}

// Storage holds the backend selection and its parameters.
type Storage struct {
	Kind StorageKind `yaml:"kind"`
	// Path is required for the file and badger kinds.
	Path string `yaml:"path"`
	// FsyncPolicy is one of never, per_write, periodic.
	FsyncPolicy string `yaml:"fsync_policy"`
	// FsyncIntervalMs applies to the periodic policy.
	FsyncIntervalMs int `yaml:"fsync_interval_ms"`
}

// Quantizer holds the optional compression parameters.
type Quantizer struct {
	Kind QuantizerKind `yaml:"kind"`
	// Subspaces applies to product quantization.
	Subspaces int `yaml:"subspaces"`
	// Iterations bounds k-means training.
	Iterations int `yaml:"iterations"`
	Seed       int64 `yaml:"seed"`
}

// Persistence holds the optional snapshot parameters.
type Persistence struct {
	Enabled            bool   `yaml:"enabled"`
	Dir                string `yaml:"dir"`
	SnapshotIntervalMs int    `yaml:"snapshot_interval_ms"`
}

// Database is the root configuration: the immutable descriptor plus
// per-component sections.
type Database struct {
	Dimensions  int         `yaml:"dimensions"`
	Metric      string      `yaml:"metric"`
	IndexType   IndexType   `yaml:"index_type"`
	HNSW        HNSW        `yaml:"hnsw"`
	Storage     Storage     `yaml:"storage"`
	Quantizer   Quantizer   `yaml:"quantizer"`
	Persistence Persistence `yaml:"persistence"`
}

// Default returns a memory-backed HNSW configuration with standard
// parameters. Dimensions must still be set by the caller.
func Default() *Database {
	return &Database{
		Metric:    string(vector.Cosine),
		IndexType: IndexHNSW,
		HNSW: HNSW{
			M:                   16,
			MMax0:               32,
			EfConstruction:      200,
			EfSearch:            100,
			Seed:                1,
			CompactionThreshold: 0.2,
		},
		Storage: Storage{
			Kind:            StorageMemory,
			FsyncPolicy:     "periodic",
			FsyncIntervalMs: 100,
		},
	}
}

// LoadFromFile parses a YAML configuration file. Unknown keys fail with
// ErrInvalid.
func LoadFromFile(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Database config, strictly.
func Parse(data []byte) (*Database, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies the structural checks shared by code-built and
// file-loaded configurations.
func (c *Database) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalid, c.Dimensions)
	}
	if _, err := vector.ParseMetric(c.Metric); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.IndexType {
	case IndexFlat, IndexHNSW:
	default:
		return fmt.Errorf("%w: unknown index type %q", ErrInvalid, c.IndexType)
	}

	if c.IndexType == IndexHNSW {
		if c.HNSW.M <= 0 {
			return fmt.Errorf("%w: hnsw m must be positive", ErrInvalid)
		}
		if c.HNSW.EfConstruction < c.HNSW.M {
			return fmt.Errorf("%w: ef_construction %d below m %d", ErrInvalid, c.HNSW.EfConstruction, c.HNSW.M)
		}
		if c.HNSW.CompactionThreshold < 0 || c.HNSW.CompactionThreshold >= 1 {
			return fmt.Errorf("%w: compaction_threshold must be in [0, 1)", ErrInvalid)
		}
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageFile, StorageBadger:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage kind %q requires a path", ErrInvalid, c.Storage.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown storage kind %q", ErrInvalid, c.Storage.Kind)
	}
	switch c.Storage.FsyncPolicy {
	case "", "never", "per_write", "periodic":
	default:
		return fmt.Errorf("%w: unknown fsync policy %q", ErrInvalid, c.Storage.FsyncPolicy)
	}

	switch c.Quantizer.Kind {
	case QuantizerNone, QuantizerScalar:
	case QuantizerPQ:
		if c.Quantizer.Subspaces > 0 && c.Dimensions%c.Quantizer.Subspaces != 0 {
			return fmt.Errorf("%w: dimensions %d not divisible by subspaces %d",
				ErrInvalid, c.Dimensions, c.Quantizer.Subspaces)
		}
	default:
		return fmt.Errorf("%w: unknown quantizer kind %q", ErrInvalid, c.Quantizer.Kind)
	}

	if c.Persistence.Enabled && c.Persistence.Dir == "" {
		return fmt.Errorf("%w: persistence requires a directory", ErrInvalid)
	}
	return nil
}

// FsyncInterval returns the periodic fsync interval as a duration.
func (s Storage) FsyncInterval() time.Duration {
	if s.FsyncIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(s.FsyncIntervalMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot interval as a duration. Zero
// means the timer is disabled.
func (p Persistence) SnapshotInterval() time.Duration {
	return time.Duration(p.SnapshotIntervalMs) * time.Millisecond
}
