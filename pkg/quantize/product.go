package quantize

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/skanga/veccy/pkg/math/vector"
)

// numCentroids is the codebook size per subspace: one byte per code.
const numCentroids = 256

// ProductQuantizer partitions dimensions into m subvectors and learns a
// 256-entry k-means codebook per subspace. Vectors encode as m bytes.
//
// Distance against a raw query is asymmetric: per-subspace distances from
// the query subvector to each centroid are combined without decoding the
// stored vector. Callers scanning many codes against one query should
// build a DistanceTable once and reuse it.
type ProductQuantizer struct {
	mu         sync.RWMutex
	dimensions int
	metric     vector.Metric
	subspaces  int
	subDim     int
	iterations int
	seed       int64

	// codebooks[s][c] is centroid c of subspace s, subDim wide.
	codebooks  [][][]float32
	trained    bool
	sampleSize int
}

// ProductConfig configures a ProductQuantizer.
type ProductConfig struct {
	// Subspaces is the number of subvector partitions (code bytes).
	Subspaces int
	// Iterations bounds the k-means refinement loop.
	Iterations int
	// Seed makes codebook training deterministic.
	Seed int64
}

// DefaultProductConfig returns sensible defaults for product quantization.
func DefaultProductConfig() ProductConfig {
	return ProductConfig{
		Subspaces:  8,
		Iterations: 25,
		Seed:       1,
	}
}

// NewProductQuantizer creates an untrained product quantizer. The vector
// dimensionality must divide evenly into the configured subspaces.
func NewProductQuantizer(dimensions int, metric vector.Metric, cfg ProductConfig) (*ProductQuantizer, error) {
	if cfg.Subspaces <= 0 {
		cfg = DefaultProductConfig()
	}
	if dimensions%cfg.Subspaces != 0 {
		return nil, fmt.Errorf("%w: %d %% %d != 0", ErrBadSubspaces, dimensions, cfg.Subspaces)
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 25
	}
	return &ProductQuantizer{
		dimensions: dimensions,
		metric:     metric,
		subspaces:  cfg.Subspaces,
		subDim:     dimensions / cfg.Subspaces,
		iterations: cfg.Iterations,
		seed:       cfg.Seed,
	}, nil
}

// Train runs k-means per subspace. Subspaces train concurrently; the call
// returns only after every worker has joined.
func (p *ProductQuantizer) Train(sample [][]float32) error {
	if err := validateSample(sample, p.dimensions); err != nil {
		return err
	}

	codebooks := make([][][]float32, p.subspaces)
	var g errgroup.Group
	for s := 0; s < p.subspaces; s++ {
		g.Go(func() error {
			sub := make([][]float32, len(sample))
			for i, v := range sample {
				sub[i] = v[s*p.subDim : (s+1)*p.subDim]
			}
			codebooks[s] = kmeans(sub, numCentroids, p.iterations, p.seed+int64(s))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.codebooks = codebooks
	p.trained = true
	p.sampleSize = len(sample)
	return nil
}

// Encode compresses a vector to one byte per subspace.
func (p *ProductQuantizer) Encode(vec []float32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.trained {
		return nil, ErrNotTrained
	}
	if err := vector.Validate(vec, p.dimensions); err != nil {
		return nil, err
	}

	code := make([]byte, p.subspaces)
	for s := 0; s < p.subspaces; s++ {
		sub := vec[s*p.subDim : (s+1)*p.subDim]
		code[s] = byte(nearestCentroid(p.codebooks[s], sub))
	}
	return code, nil
}

// Decode reconstructs an approximate vector via centroid lookup.
func (p *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.decodeLocked(code)
}

func (p *ProductQuantizer) decodeLocked(code []byte) ([]float32, error) {
	if !p.trained {
		return nil, ErrNotTrained
	}
	if len(code) != p.subspaces {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadCode, len(code), p.subspaces)
	}
	vec := make([]float32, 0, p.dimensions)
	for s, c := range code {
		vec = append(vec, p.codebooks[s][c]...)
	}
	return vec, nil
}

// Distance computes the asymmetric distance between a stored code and a
// raw query. One-shot convenience around DistanceTable.
func (p *ProductQuantizer) Distance(code []byte, query []float32) (float64, error) {
	table, err := p.DistanceTable(query)
	if err != nil {
		return 0, err
	}
	return table.Distance(code)
}

// DistanceTable holds precomputed (query subvector, centroid) partial
// distances so scanning many codes costs O(subspaces) per code.
type DistanceTable struct {
	metric    vector.Metric
	subspaces int
	// partial[s][c] is the contribution of centroid c in subspace s.
	partial [][]float64
}

// DistanceTable precomputes partial distances for one query vector.
func (p *ProductQuantizer) DistanceTable(query []float32) (*DistanceTable, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.trained {
		return nil, ErrNotTrained
	}
	if err := vector.Validate(query, p.dimensions); err != nil {
		return nil, err
	}

	partial := make([][]float64, p.subspaces)
	for s := 0; s < p.subspaces; s++ {
		sub := query[s*p.subDim : (s+1)*p.subDim]
		row := make([]float64, numCentroids)
		for c, centroid := range p.codebooks[s] {
			switch p.metric {
			case vector.L2:
				row[c] = vector.L2Squared(sub, centroid)
			default: // cosine and inner product both combine dot products
				row[c] = vector.Dot(sub, centroid)
			}
		}
		partial[s] = row
	}
	return &DistanceTable{metric: p.metric, subspaces: p.subspaces, partial: partial}, nil
}

// Distance sums the partial contributions for one code.
func (t *DistanceTable) Distance(code []byte) (float64, error) {
	if len(code) != t.subspaces {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrBadCode, len(code), t.subspaces)
	}
	var sum float64
	for s, c := range code {
		sum += t.partial[s][c]
	}
	switch t.metric {
	case vector.L2:
		return sum, nil
	case vector.InnerProduct:
		return -sum, nil
	default: // cosine over ingest-normalized vectors
		return 1 - sum, nil
	}
}

// Stats reports compression effectiveness.
func (p *ProductQuantizer) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return newStats("product", p.trained, p.dimensions, p.subspaces, p.sampleSize)
}

// kmeans clusters points into at most k centroids with Lloyd's algorithm.
// Deterministic for a given seed. When there are fewer distinct points
// than k the surplus centroids duplicate sampled points, which is
// harmless: they simply never win an assignment.
func kmeans(points [][]float32, k, iterations int, seed int64) [][]float32 {
	dim := len(points[0])
	rng := rand.New(rand.NewSource(seed))

	centroids := make([][]float32, k)
	for i := range centroids {
		src := points[rng.Intn(len(points))]
		centroids[i] = append(make([]float32, 0, dim), src...)
	}

	assignments := make([]int, len(points))
	counts := make([]int, k)
	sums := make([][]float64, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}

	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, pt := range points {
			best := nearestCentroid(centroids, pt)
			if best != assignments[i] {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for i := range counts {
			counts[i] = 0
			for d := range sums[i] {
				sums[i][d] = 0
			}
		}
		for i, pt := range points {
			c := assignments[i]
			counts[c]++
			for d, x := range pt {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed empty clusters from a random point.
				src := points[rng.Intn(len(points))]
				copy(centroids[c], src)
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the centroid closest to pt in L2.
func nearestCentroid(centroids [][]float32, pt []float32) int {
	best := 0
	bestDist := vector.L2Squared(centroids[0], pt)
	for i := 1; i < len(centroids); i++ {
		if d := vector.L2Squared(centroids[i], pt); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
