package index

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/pool"
	"github.com/skanga/veccy/pkg/quantize"
	"github.com/skanga/veccy/pkg/storage"
)

// HNSWConfig contains the construction parameters of an HNSW graph.
// All fields are fixed at creation.
type HNSWConfig struct {
	// M is the target out-degree on layers >= 1.
	M int
	// MMax0 bounds neighbor lists on layer 0. Zero means 2*M.
	MMax0 int
	// EfConstruction is the beam width during inserts.
	EfConstruction int
	// EfSearch is the default beam width during queries; the effective
	// width is max(EfSearch, k).
	EfSearch int
	// Seed drives level assignment. Equal seeds yield equal graphs for
	// equal insert sequences.
	Seed int64
	// CompactionThreshold triggers a rebuild when the tombstone share of
	// the graph exceeds it. Zero means the 0.2 default.
	CompactionThreshold float64
}

// DefaultHNSWConfig returns sensible defaults for the HNSW index.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:                   16,
		MMax0:               32,
		EfConstruction:      200,
		EfSearch:            100,
		Seed:                1,
		CompactionThreshold: 0.2,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	if c.M <= 0 {
		c.M = 16
	}
	if c.MMax0 <= 0 {
		c.MMax0 = 2 * c.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 100
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 0.2
	}
	return c
}

// levelMultiplier is the 1/ln(M) constant of the level distribution.
func (c HNSWConfig) levelMultiplier() float64 {
	return 1.0 / math.Log(float64(c.M))
}

// hnswNode is one graph node. Nodes live only in the owning map; neighbor
// lists hold ids, not pointers, so the graph has no cyclic object
// topology and serializes trivially.
type hnswNode struct {
	id        string
	vec       []float32 // prepared vector; approximation when quantized
	code      []byte    // quantizer code, when attached
	level     int
	neighbors [][]string
}

// HNSW is a hierarchical navigable small world graph index.
//
// A single RWMutex admits any number of readers or one writer; the writer
// lock is held for the full duration of an insert, which keeps the
// symmetric-neighbors invariant trivially maintained.
//
// Deletes are logical: the node is tombstoned and its record erased from
// storage, but the node and its edges stay in the graph so searches can
// traverse through it. Tombstone slots are reclaimed by Compact, which
// rebuilds the graph from the live nodes.
type HNSW struct {
	mu         sync.RWMutex
	config     HNSWConfig
	backend    storage.Backend
	quant      quantize.Quantizer
	dimensions int
	metric     vector.Metric
	distFn     func(a, b []float32) float64

	nodes      map[string]*hnswNode
	deleted    map[string]struct{}
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
	closed     bool
}

// NewHNSW creates an empty HNSW index over the given backend.
func NewHNSW(backend storage.Backend, dimensions int, metric vector.Metric, cfg HNSWConfig, quant quantize.Quantizer) (*HNSW, error) {
	distFn, err := vector.DistanceFunc(metric)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &HNSW{
		config:     cfg,
		backend:    backend,
		quant:      quant,
		dimensions: dimensions,
		metric:     metric,
		distFn:     distFn,
		nodes:      make(map[string]*hnswNode),
		deleted:    make(map[string]struct{}),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// randomLevel draws from the exponential level distribution, so
// P(level >= l) is roughly M^-l.
func (h *HNSW) randomLevel() int {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}
	return int(-math.Log(r) * h.config.levelMultiplier())
}

// Insert persists each vector and links it into the graph.
func (h *HNSW) Insert(ctx context.Context, vectors [][]float32, metadata []map[string]any) ([]string, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyQuery
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(vectors))
	for i, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		id := newID()
		if err := h.insertLocked(id, vec, metaAt(metadata, i)); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// InsertWithID persists a single record under a caller-chosen id,
// replacing any previous node with that id.
func (h *HNSW) InsertWithID(ctx context.Context, id string, vec []float32, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.insertLocked(id, vec, meta)
}

// insertLocked runs the full insertion algorithm. Caller holds the write
// lock.
func (h *HNSW) insertLocked(id string, vec []float32, meta map[string]any) error {
	prepared, err := prepareVector(vec, h.dimensions, h.metric)
	if err != nil {
		return err
	}
	stored, code, err := storeVector(h.quant, prepared)
	if err != nil {
		return err
	}
	if err := putRecord(h.backend, id, stored, meta); err != nil {
		return err
	}

	delete(h.deleted, id)

	nodeVec := prepared
	if h.quant != nil {
		nodeVec = stored // graph distances use the decoded approximation
	}
	return h.reinsertLocked(id, nodeVec, code)
}

// greedyDescendLocked moves to the strictly closer neighbor until a local
// minimum is reached on the given layer.
func (h *HNSW) greedyDescendLocked(query []float32, start candidate, level int) candidate {
	current := start
	for {
		changed := false
		node := h.nodes[current.id]
		if node.level < level {
			return current
		}
		for _, nid := range node.neighbors[level] {
			neighbor, ok := h.nodes[nid]
			if !ok {
				continue
			}
			if d := h.distFn(query, neighbor.vec); d < current.dist {
				current = candidate{id: nid, dist: d}
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

// searchLayerLocked runs a bounded beam search of width ef on one layer,
// returning up to ef candidates ascending by distance. With skipDeleted
// set, tombstoned nodes are traversed but kept out of the result set;
// during construction they remain eligible so backlinks stay symmetric.
func (h *HNSW) searchLayerLocked(query []float32, entry candidate, ef, level int, skipDeleted bool) []candidate {
	visited := pool.GetVisited()
	defer pool.PutVisited(visited)
	visited[entry.id] = struct{}{}

	frontier := &candidateHeap{}
	pushCandidate(frontier, entry)

	best := &candidateHeap{isMax: true}
	_, entryDeleted := h.deleted[entry.id]
	if !skipDeleted || !entryDeleted {
		pushCandidate(best, entry)
	}

	for frontier.Len() > 0 {
		closest := popCandidate(frontier)
		if best.Len() >= ef && closest.dist > best.peek().dist {
			break
		}

		node := h.nodes[closest.id]
		if node.level < level {
			continue
		}
		for _, nid := range node.neighbors[level] {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}
			neighbor, ok := h.nodes[nid]
			if !ok {
				continue
			}
			d := h.distFn(query, neighbor.vec)
			if best.Len() < ef || d < best.peek().dist {
				pushCandidate(frontier, candidate{id: nid, dist: d})
				if _, dead := h.deleted[nid]; skipDeleted && dead {
					continue // traverse through, never score
				}
				pushCandidate(best, candidate{id: nid, dist: d})
				if best.Len() > ef {
					popCandidate(best)
				}
			}
		}
	}
	return drainAscending(best)
}

// selectNeighborsLocked applies the diversity heuristic: a candidate is
// accepted only if the query sits closer to it than any already-accepted
// neighbor does. If one pass leaves the result short, the closest
// rejected candidates fill the remainder (extend-candidates policy).
func (h *HNSW) selectNeighborsLocked(query []float32, candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}

	accepted := make([]candidate, 0, m)
	rejected := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if len(accepted) == m {
			break
		}
		node := h.nodes[c.id]
		diverse := true
		for _, r := range accepted {
			if h.distFn(node.vec, h.nodes[r.id].vec) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			accepted = append(accepted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	for _, c := range rejected {
		if len(accepted) == m {
			break
		}
		accepted = append(accepted, c)
	}
	return accepted
}

// pruneNeighborsLocked re-applies the heuristic to an over-full neighbor
// list, shrinking it back to bound. Edges dropped here are removed from
// both endpoints so neighbor relations stay symmetric.
func (h *HNSW) pruneNeighborsLocked(node *hnswNode, level, bound int) {
	candidates := make([]candidate, 0, len(node.neighbors[level]))
	for _, nid := range node.neighbors[level] {
		neighbor, ok := h.nodes[nid]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{id: nid, dist: h.distFn(node.vec, neighbor.vec)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})

	chosen := h.selectNeighborsLocked(node.vec, candidates, bound)
	kept := make(map[string]struct{}, len(chosen))
	for _, c := range chosen {
		kept[c.id] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := kept[c.id]; ok {
			continue
		}
		h.removeEdgeLocked(h.nodes[c.id], node.id, level)
	}
	node.neighbors[level] = node.neighbors[level][:0]
	for _, c := range chosen {
		node.neighbors[level] = append(node.neighbors[level], c.id)
	}
}

// removeEdgeLocked drops target from node's neighbor list on one level.
func (h *HNSW) removeEdgeLocked(node *hnswNode, target string, level int) {
	if node == nil || node.level < level {
		return
	}
	kept := node.neighbors[level][:0]
	for _, nid := range node.neighbors[level] {
		if nid != target {
			kept = append(kept, nid)
		}
	}
	node.neighbors[level] = kept
}

// Search returns the k nearest live records.
func (h *HNSW) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if err := validateQuery(query, k, h.dimensions); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.entryPoint == "" {
		return []SearchResult{}, nil
	}

	q := query
	if h.metric == vector.Cosine {
		q = vector.Normalize(query)
	}

	ef := h.config.EfSearch
	if k > ef {
		ef = k
	}

	ep := candidate{id: h.entryPoint, dist: h.distFn(q, h.nodes[h.entryPoint].vec)}
	for l := h.nodes[h.entryPoint].level; l > 0; l-- {
		ep = h.greedyDescendLocked(q, ep, l)
	}
	candidates := h.searchLayerLocked(q, ep, ef, 0, true)

	results := make([]SearchResult, 0, k)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if len(results) == k {
			break
		}
		if _, dead := h.deleted[c.id]; dead {
			continue
		}
		rec, err := h.backend.Get(c.id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, SearchResult{ID: c.id, Distance: c.dist, Metadata: rec.Metadata})
	}
	return results, nil
}

// Update rewrites a record. A metadata-only update rewrites storage; a
// vector change unlinks the node and reinserts it under the same id, so
// no tombstone is left behind. Nil vector with nil metadata is a no-op
// reporting existence.
func (h *HNSW) Update(ctx context.Context, id string, vec []float32, meta map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrClosed
	}
	return h.updateLocked(id, vec, meta)
}

func (h *HNSW) updateLocked(id string, vec []float32, meta map[string]any) (bool, error) {
	if _, exists := h.nodes[id]; !exists {
		return false, nil
	}
	if _, dead := h.deleted[id]; dead {
		return false, nil
	}
	if vec == nil && meta == nil {
		return true, nil
	}
	if vec == nil {
		// Metadata-only: rewrite the storage record, graph untouched.
		rec, err := h.backend.Get(id)
		if err != nil {
			return false, err
		}
		if err := putRecord(h.backend, id, rec.Vector, meta); err != nil {
			return false, err
		}
		return true, nil
	}

	if meta == nil {
		if rec, err := h.backend.Get(id); err == nil {
			meta = rec.Metadata
		}
	}
	if err := h.insertLocked(id, vec, meta); err != nil {
		return false, err
	}
	return true, nil
}

// BatchUpdate applies updates under one write lock, checking ctx between
// items. Per-item failures surface as false entries, not batch aborts.
func (h *HNSW) BatchUpdate(ctx context.Context, ids []string, vectors [][]float32, metadata []map[string]any) ([]bool, error) {
	if len(vectors) != 0 && len(vectors) != len(ids) {
		return nil, ErrBadBatch
	}
	if len(metadata) != 0 && len(metadata) != len(ids) {
		return nil, ErrBadBatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	results := make([]bool, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		ok, err := h.updateLocked(id, vec, metaAt(metadata, i))
		if err != nil {
			continue
		}
		results[i] = ok
	}
	return results, nil
}

// Delete tombstones nodes and erases their storage records. The graph
// keeps tombstoned nodes for connectivity until compaction. Returns true
// only if every id existed live.
func (h *HNSW) Delete(ctx context.Context, ids ...string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrClosed
	}

	all := true
	for _, id := range ids {
		node, exists := h.nodes[id]
		if !exists {
			all = false
			continue
		}
		if _, dead := h.deleted[id]; dead {
			all = false
			continue
		}
		h.deleted[id] = struct{}{}
		if _, err := h.backend.Delete(id); err != nil {
			return false, err
		}
		if h.entryPoint == id {
			h.promoteEntryPointLocked(node)
		}
	}

	if h.deletedRatioLocked() > h.config.CompactionThreshold {
		if err := h.compactLocked(); err != nil {
			return false, err
		}
	}
	return all, nil
}

// promoteEntryPointLocked replaces a removed entry point with the
// highest-level live node. The old entry point's own neighbors are
// checked first; if none matches the old top level, a linear scan finds
// the true maximum so the entry point stays maximal among live nodes.
func (h *HNSW) promoteEntryPointLocked(from *hnswNode) {
	bestID := ""
	bestLevel := -1
	for l := from.level; l >= 0 && bestID == ""; l-- {
		for _, nid := range from.neighbors[l] {
			if _, dead := h.deleted[nid]; dead {
				continue
			}
			if n, ok := h.nodes[nid]; ok && n.level == from.level {
				bestID = nid
				bestLevel = n.level
				break
			}
		}
	}
	if bestID == "" {
		for nid, n := range h.nodes {
			if nid == from.id {
				continue
			}
			if _, dead := h.deleted[nid]; dead {
				continue
			}
			if n.level > bestLevel || (n.level == bestLevel && (bestID == "" || nid < bestID)) {
				bestID = nid
				bestLevel = n.level
			}
		}
	}
	h.entryPoint = bestID
	if bestID == "" {
		h.maxLevel = 0
	} else {
		h.maxLevel = bestLevel
	}
}

// unlinkLocked physically removes a node and its back-edges. Used when an
// id is reinserted and when snapshot restore drops tombstoned nodes;
// regular deletes only tombstone.
func (h *HNSW) unlinkLocked(id string) {
	node, exists := h.nodes[id]
	if !exists {
		return
	}
	for l := 0; l <= node.level; l++ {
		for _, nid := range node.neighbors[l] {
			neighbor, ok := h.nodes[nid]
			if !ok || neighbor.level < l {
				continue
			}
			kept := neighbor.neighbors[l][:0]
			for _, back := range neighbor.neighbors[l] {
				if back != id {
					kept = append(kept, back)
				}
			}
			neighbor.neighbors[l] = kept
		}
	}
	delete(h.nodes, id)
	if h.entryPoint == id {
		h.promoteEntryPointLocked(node)
	}
}

func (h *HNSW) deletedRatioLocked() float64 {
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(len(h.deleted)) / float64(len(h.nodes))
}

// Compact rebuilds the graph from the live nodes, reclaiming tombstone
// slots. This is the only way neighbor-list space is recovered.
func (h *HNSW) Compact() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.compactLocked()
}

func (h *HNSW) compactLocked() error {
	old := h.nodes
	deleted := h.deleted

	h.nodes = make(map[string]*hnswNode, len(old)-len(deleted))
	h.deleted = make(map[string]struct{})
	h.entryPoint = ""
	h.maxLevel = 0

	// Reinsert in sorted id order so rebuilds are deterministic for a
	// given rng state.
	ids := make([]string, 0, len(old))
	for id := range old {
		if _, dead := deleted[id]; dead {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := old[id]
		if err := h.reinsertLocked(id, node.vec, node.code); err != nil {
			return err
		}
	}
	return nil
}

// reinsertLocked links a prepared vector into the graph without touching
// storage: greedy descent above the drawn level, then beam search,
// heuristic selection, and symmetric backlinks per layer. Shared by
// insert, compaction, and snapshot recovery.
func (h *HNSW) reinsertLocked(id string, vec []float32, code []byte) error {
	if _, exists := h.nodes[id]; exists {
		h.unlinkLocked(id)
	}

	level := h.randomLevel()
	node := &hnswNode{
		id:        id,
		vec:       vec,
		code:      code,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for l := range node.neighbors {
		node.neighbors[l] = make([]string, 0, h.config.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := candidate{id: h.entryPoint, dist: h.distFn(vec, h.nodes[h.entryPoint].vec)}
	epLevel := h.nodes[h.entryPoint].level
	for l := epLevel; l > level; l-- {
		ep = h.greedyDescendLocked(vec, ep, l)
	}
	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayerLocked(vec, ep, h.config.EfConstruction, l, false)
		m := h.config.M
		if l == 0 {
			m = h.config.MMax0
		}
		chosen := h.selectNeighborsLocked(vec, candidates, m)
		node.neighbors[l] = node.neighbors[l][:0]
		for _, c := range chosen {
			node.neighbors[l] = append(node.neighbors[l], c.id)
		}
		for _, c := range chosen {
			neighbor := h.nodes[c.id]
			if neighbor.level < l {
				continue
			}
			neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
			bound := h.config.M
			if l == 0 {
				bound = h.config.MMax0
			}
			if len(neighbor.neighbors[l]) > bound {
				h.pruneNeighborsLocked(neighbor, l, bound)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

// Stats reports graph-level counters.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Kind:       "hnsw",
		Count:      int64(len(h.nodes) - len(h.deleted)),
		Deleted:    int64(len(h.deleted)),
		Dimensions: h.dimensions,
		Metric:     h.metric,
		MaxLevel:   h.maxLevel,
		EntryPoint: h.entryPoint,
	}
}

// LiveIDs returns the ids of all non-tombstoned nodes, unordered. Used
// by invariant checks and tests.
func (h *HNSW) LiveIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.nodes)-len(h.deleted))
	for id := range h.nodes {
		if _, dead := h.deleted[id]; !dead {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close releases the index (not the backend). Close is idempotent.
func (h *HNSW) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
