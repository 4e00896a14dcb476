package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitedPool(t *testing.T) {
	m := GetVisited()
	m["a"] = struct{}{}
	m["b"] = struct{}{}
	PutVisited(m)

	m2 := GetVisited()
	assert.Empty(t, m2, "recycled visited sets must come back empty")
	PutVisited(m2)
}

func TestPutVisitedNilIsSafe(t *testing.T) {
	PutVisited(nil)
}
