// Package quantize provides lossy vector compression for veccy.
//
// A quantizer maps float32 vectors to compact byte codes and back. When a
// quantizer is attached to an index, the index stores codes instead of raw
// vectors and record reads return decoded approximations.
//
// Two variants are provided:
//   - ScalarQuantizer: per-dimension min/max, 8 bits per component
//   - ProductQuantizer: k-means codebooks over subspaces, one byte per
//     subspace, with asymmetric distance against raw queries
package quantize

import (
	"errors"

	"github.com/skanga/veccy/pkg/math/vector"
)

// Common errors returned by quantizers.
var (
	ErrNotTrained    = errors.New("quantize: quantizer not trained")
	ErrEmptySample   = errors.New("quantize: empty training sample")
	ErrBadCode       = errors.New("quantize: malformed code")
	ErrBadSubspaces  = errors.New("quantize: dimensions not divisible by subspace count")
	ErrInvalidSample = errors.New("quantize: invalid training sample")
)

// Quantizer is the capability set shared by all quantizer variants.
//
// Train must be called before Encode, Decode, or Distance. Distance is
// asymmetric: it compares a stored code against a raw query vector under
// the metric fixed at construction, without materializing the decoded
// vector when the variant can avoid it.
type Quantizer interface {
	Train(sample [][]float32) error
	Encode(vec []float32) ([]byte, error)
	Decode(code []byte) ([]float32, error)
	Distance(code []byte, query []float32) (float64, error)
	Stats() Stats
}

// Stats reports compression effectiveness.
type Stats struct {
	Kind             string  `json:"kind"`
	Trained          bool    `json:"trained"`
	Dimensions       int     `json:"dimensions"`
	CodeBytes        int     `json:"code_bytes"`
	RawBytes         int     `json:"raw_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	TrainingSize     int     `json:"training_size"`
}

func newStats(kind string, trained bool, dims, codeBytes, trainingSize int) Stats {
	raw := dims * 4
	s := Stats{
		Kind:         kind,
		Trained:      trained,
		Dimensions:   dims,
		CodeBytes:    codeBytes,
		RawBytes:     raw,
		TrainingSize: trainingSize,
	}
	if codeBytes > 0 {
		s.CompressionRatio = float64(raw) / float64(codeBytes)
	}
	return s
}

// metricDistance computes a metric distance between two decoded vectors.
// Decoded approximations are not exactly unit length, so cosine takes the
// full normalizing path here rather than the ingest-normalized shortcut.
func metricDistance(m vector.Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, vector.ErrDimensionMismatch
	}
	if m == vector.Cosine {
		return vector.CosineDistance(a, b), nil
	}
	return vector.Distance(m, a, b)
}

// validateSample checks that every sample vector matches the declared
// dimensionality and is finite.
func validateSample(sample [][]float32, dims int) error {
	if len(sample) == 0 {
		return ErrEmptySample
	}
	for _, v := range sample {
		if err := vector.Validate(v, dims); err != nil {
			return errors.Join(ErrInvalidSample, err)
		}
	}
	return nil
}
