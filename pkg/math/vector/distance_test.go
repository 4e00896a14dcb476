package vector

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL2Squared(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{
			name:     "identical vectors",
			a:        []float32{1.0, 2.0, 3.0},
			b:        []float32{1.0, 2.0, 3.0},
			expected: 0.0,
			epsilon:  1e-9,
		},
		{
			name:     "unit apart",
			a:        []float32{0.0, 0.0},
			b:        []float32{1.0, 0.0},
			expected: 1.0,
			epsilon:  1e-9,
		},
		{
			name:     "3-4-5 triangle",
			a:        []float32{0.0, 0.0},
			b:        []float32{3.0, 4.0},
			expected: 25.0,
			epsilon:  1e-9,
		},
		{
			name:     "negative components",
			a:        []float32{-1.0, -2.0},
			b:        []float32{1.0, 2.0},
			expected: 20.0,
			epsilon:  1e-9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, L2Squared(tt.a, tt.b), tt.epsilon)
		})
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{
			name:     "identical vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{1.0, 0.0, 0.0},
			expected: 0.0,
			epsilon:  1e-6,
		},
		{
			name:     "orthogonal vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{0.0, 1.0, 0.0},
			expected: 1.0,
			epsilon:  1e-6,
		},
		{
			name:     "opposite vectors",
			a:        []float32{1.0, 0.0, 0.0},
			b:        []float32{-1.0, 0.0, 0.0},
			expected: 2.0,
			epsilon:  1e-6,
		},
		{
			name:     "scale invariant",
			a:        []float32{1.0, 2.0, 3.0},
			b:        []float32{2.0, 4.0, 6.0},
			expected: 0.0,
			epsilon:  1e-6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineDistance(tt.a, tt.b), tt.epsilon)
		})
	}
}

func TestInnerProductDistance(t *testing.T) {
	a := []float32{1.0, 2.0, 3.0}
	b := []float32{4.0, 5.0, 6.0}
	assert.InDelta(t, -32.0, InnerProductDistance(a, b), 1e-9)
}

// TestDistance_Symmetry verifies dist(v, w) == dist(w, v) for all metrics.
func TestDistance_Symmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, m := range []Metric{Cosine, L2, InnerProduct} {
		for trial := 0; trial < 20; trial++ {
			v := randomVector(rng, 32)
			w := randomVector(rng, 32)
			dvw, err := Distance(m, v, w)
			require.NoError(t, err)
			dwv, err := Distance(m, w, v)
			require.NoError(t, err)
			assert.InDelta(t, dvw, dwv, 1e-9, "metric %s", m)
		}
	}
}

// TestDistance_SelfCosine verifies dist(v, v) == 0 within 1e-6 for cosine.
func TestDistance_SelfCosine(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		v := randomVector(rng, 64)
		assert.InDelta(t, 0.0, CosineDistance(v, v), 1e-6)
	}
}

// TestDot_SIMDAgreement verifies the vek32 path agrees with the scalar
// reference within 1 ULP per dimension.
func TestDot_SIMDAgreement(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, dim := range []int{64, 128, 384} {
		a := randomVector(rng, dim)
		b := randomVector(rng, dim)

		scalar := dotScalar(a, b)
		simd := Dot(a, b)

		tolerance := float64(dim) * math.Abs(scalar) * 1e-6
		if tolerance < 1e-6 {
			tolerance = 1e-6
		}
		assert.InDelta(t, scalar, simd, tolerance, "dim %d", dim)
	}
}

func TestDistance_DimensionMismatch(t *testing.T) {
	_, err := Distance(L2, []float32{1, 2}, []float32{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, Cosine, m)

	_, err = ParseMetric("hamming")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestNormalize(t *testing.T) {
	v := []float32{3.0, 4.0}
	n := Normalize(v)
	assert.InDelta(t, 0.6, float64(n[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(n[1]), 1e-6)
	// Input unchanged.
	assert.Equal(t, float32(3.0), v[0])

	NormalizeInPlace(v)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)

	// Zero vector stays zero.
	z := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, z)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{1, 2, 3}, 3))
	assert.ErrorIs(t, Validate([]float32{1, 2}, 3), ErrDimensionMismatch)
	assert.ErrorIs(t, Validate([]float32{1, float32(math.NaN()), 3}, 3), ErrNonFinite)
	assert.ErrorIs(t, Validate([]float32{1, float32(math.Inf(1)), 3}, 3), ErrNonFinite)
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
