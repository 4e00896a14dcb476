// Package persist provides durable snapshots of storage + index state.
//
// A snapshot is three files in the snapshot directory:
//   - manifest-<id>.json: UTF-8 JSON naming the snapshot, its parameters,
//     and SHA-256 checksums of the data files
//   - vectors-<id>.vec: length-prefixed records (magic "VECC")
//   - index-<id>.idx: index-specific bytes (magic "HNS1" or "FLT1")
//
// Writes go to temp paths, fsync, rename into place, then fsync the
// directory, so a crash mid-snapshot leaves the previous snapshot intact.
// On open, the newest manifest whose checksums verify wins; corrupt
// snapshots are skipped with a logged warning.
package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Common errors returned by the persistence manager.
var (
	ErrCorrupt    = errors.New("persist: corrupt snapshot")
	ErrNoSnapshot = errors.New("persist: no valid snapshot")
	ErrClosed     = errors.New("persist: manager closed")
)

// manifestVersion is the current snapshot schema version.
const manifestVersion = 1

// Manifest describes one snapshot. Checksums cover the raw bytes of the
// named data files.
type Manifest struct {
	Version       int            `json:"version"`
	CreatedAt     int64          `json:"created_at"`
	Dimensions    int            `json:"dimensions"`
	Metric        string         `json:"metric"`
	IndexType     string         `json:"index_type"`
	Params        map[string]any `json:"params"`
	VectorsFile   string         `json:"vectors_file"`
	IndexFile     string         `json:"index_file"`
	VectorsSHA256 string         `json:"vectors_sha256"`
	IndexSHA256   string         `json:"index_sha256"`
}

// validate applies the structural checks a manifest must pass before its
// data files are even opened.
func (m *Manifest) validate() error {
	if m.Version != manifestVersion {
		return fmt.Errorf("%w: unsupported manifest version %d", ErrCorrupt, m.Version)
	}
	if m.VectorsFile == "" || m.IndexFile == "" {
		return fmt.Errorf("%w: manifest missing file names", ErrCorrupt)
	}
	if m.VectorsSHA256 == "" || m.IndexSHA256 == "" {
		return fmt.Errorf("%w: manifest missing checksums", ErrCorrupt)
	}
	return nil
}

// fileSHA256 streams a file through SHA-256 and returns the hex digest.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// readManifest parses and validates one manifest file.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
