// Package pool provides object pooling for veccy to reduce allocations.
//
// Graph traversal allocates a visited set per search; pooling these
// reuses the maps instead of growing GC pressure under query load.
//
// Usage:
//
//	visited := pool.GetVisited()
//	defer pool.PutVisited(visited)
package pool

import (
	"sync"
)

// maxPooledVisited drops oversized sets so one huge traversal doesn't pin
// memory forever.
const maxPooledVisited = 1 << 16

var visitedPool = sync.Pool{
	New: func() any {
		return make(map[string]struct{}, 256)
	},
}

// GetVisited returns an empty visited set for graph traversal.
func GetVisited() map[string]struct{} {
	return visitedPool.Get().(map[string]struct{})
}

// PutVisited clears and returns a visited set to the pool.
func PutVisited(m map[string]struct{}) {
	if m == nil || len(m) > maxPooledVisited {
		return
	}
	clear(m)
	visitedPool.Put(m)
}
