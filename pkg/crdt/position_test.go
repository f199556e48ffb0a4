package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionBetweenOrders(t *testing.T) {
	first := PositionBetween(nil, nil)
	before := PositionBetween(nil, first)
	after := PositionBetween(first, nil)

	assert.Equal(t, -1, ComparePositions(before, first))
	assert.Equal(t, -1, ComparePositions(first, after))
	assert.Equal(t, 1, ComparePositions(after, before))
	assert.Equal(t, 0, ComparePositions(first, first))
}

func TestPositionBetweenDescendsWhenDense(t *testing.T) {
	left := []int{5}
	right := []int{6}

	mid := PositionBetween(left, right)
	require.Greater(t, len(mid), 1, "adjacent components force a deeper path")
	assert.Equal(t, -1, ComparePositions(left, mid))
	assert.Equal(t, -1, ComparePositions(mid, right))
}

func TestPositionBetweenEqualNeighborsSharesTheirPath(t *testing.T) {
	// Two concurrent inserts can land on the same path; inserting between
	// them must not escape the slot. No strictly-between path exists, so the
	// new item shares the path and OpID order decides placement.
	neighbors := []int{7, 42}
	p := PositionBetween(neighbors, []int{7, 42})

	assert.Equal(t, 0, ComparePositions(p, neighbors))
	assert.Equal(t, -1, ComparePositions(p, []int{7, 43}),
		"stays before whatever follows the shared slot")

	// The result is an independent copy, not an alias of a neighbor's path.
	p[0] = 99
	assert.Equal(t, []int{7, 42}, neighbors)
}

func TestPositionBetweenRepeatedInsertionStaysBounded(t *testing.T) {
	// Repeatedly inserting at the head must always produce a strictly
	// smaller position.
	right := PositionBetween(nil, nil)
	for i := 0; i < 64; i++ {
		p := PositionBetween(nil, right)
		require.Equal(t, -1, ComparePositions(p, right), "iteration %d", i)
		right = p
	}
}
