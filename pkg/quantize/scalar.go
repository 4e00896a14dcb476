package quantize

import (
	"fmt"
	"sync"

	"github.com/skanga/veccy/pkg/math/vector"
)

// ScalarQuantizer compresses vectors to one byte per dimension using
// per-dimension min/max ranges learned from a training sample.
//
// Encoding maps each component linearly into [0, 255]; decoding returns
// the midpoint of the quantization bucket. Components outside the trained
// range clamp to the nearest bucket.
type ScalarQuantizer struct {
	mu         sync.RWMutex
	dimensions int
	metric     vector.Metric
	min        []float32
	max        []float32
	trained    bool
	sampleSize int
}

// NewScalarQuantizer creates an untrained scalar quantizer.
func NewScalarQuantizer(dimensions int, metric vector.Metric) *ScalarQuantizer {
	return &ScalarQuantizer{dimensions: dimensions, metric: metric}
}

// Train learns per-dimension min/max from the sample.
func (s *ScalarQuantizer) Train(sample [][]float32) error {
	if err := validateSample(sample, s.dimensions); err != nil {
		return err
	}

	min := make([]float32, s.dimensions)
	max := make([]float32, s.dimensions)
	copy(min, sample[0])
	copy(max, sample[0])
	for _, v := range sample[1:] {
		for i, x := range v {
			if x < min[i] {
				min[i] = x
			}
			if x > max[i] {
				max[i] = x
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.min = min
	s.max = max
	s.trained = true
	s.sampleSize = len(sample)
	return nil
}

// Encode compresses a vector to one byte per dimension.
func (s *ScalarQuantizer) Encode(vec []float32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, ErrNotTrained
	}
	if err := vector.Validate(vec, s.dimensions); err != nil {
		return nil, err
	}

	code := make([]byte, s.dimensions)
	for i, x := range vec {
		span := s.max[i] - s.min[i]
		if span == 0 {
			continue
		}
		q := (x - s.min[i]) / span * 255
		if q < 0 {
			q = 0
		} else if q > 255 {
			q = 255
		}
		code[i] = byte(q + 0.5)
	}
	return code, nil
}

// Decode reconstructs an approximate vector from a code.
func (s *ScalarQuantizer) Decode(code []byte) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decodeLocked(code)
}

func (s *ScalarQuantizer) decodeLocked(code []byte) ([]float32, error) {
	if !s.trained {
		return nil, ErrNotTrained
	}
	if len(code) != s.dimensions {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadCode, len(code), s.dimensions)
	}
	vec := make([]float32, s.dimensions)
	for i, c := range code {
		span := s.max[i] - s.min[i]
		vec[i] = s.min[i] + float32(c)/255*span
	}
	return vec, nil
}

// Distance computes the metric distance between a stored code and a raw
// query vector by decoding the code.
func (s *ScalarQuantizer) Distance(code []byte, query []float32) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decoded, err := s.decodeLocked(code)
	if err != nil {
		return 0, err
	}
	return metricDistance(s.metric, decoded, query)
}

// Stats reports compression effectiveness.
func (s *ScalarQuantizer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newStats("scalar", s.trained, s.dimensions, s.dimensions, s.sampleSize)
}
