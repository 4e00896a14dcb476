package index

import "container/heap"

// candidate pairs an id with its distance to the current query.
type candidate struct {
	id   string
	dist float64
}

// candidateHeap is a dual-mode binary heap over candidates: min-ordered
// for the exploration frontier, max-ordered (isMax) for bounded
// best-so-far sets. Ties order by id so result ranking is deterministic.
type candidateHeap struct {
	items []candidate
	isMax bool
}

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.dist != b.dist {
		if h.isMax {
			return a.dist > b.dist
		}
		return a.dist < b.dist
	}
	// Equal distances: a max-heap keeps the lexicographically larger id
	// on top so it is evicted first, leaving the smaller id in the
	// result set; the min-heap pops smaller ids first.
	if h.isMax {
		return a.id > b.id
	}
	return a.id < b.id
}

func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *candidateHeap) peek() candidate { return h.items[0] }

func pushCandidate(h *candidateHeap, c candidate) { heap.Push(h, c) }

func popCandidate(h *candidateHeap) candidate { return heap.Pop(h).(candidate) }

// drainAscending empties a max-heap into a slice ordered ascending by
// distance (ties ascending by id).
func drainAscending(h *candidateHeap) []candidate {
	out := make([]candidate, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = popCandidate(h)
	}
	return out
}
