package crdt

// Fractional list positions. Each item carries a position path ([]int); paths
// order lexicographically, and items with equal paths fall back to OpID order.
// Concurrent inserts at the same logical location therefore interleave
// deterministically on every replica.

// positionBase is the exclusive upper bound for a single path component.
const positionBase = 1 << 16

// ComparePositions orders two position paths lexicographically. A shorter
// path that is a prefix of a longer one sorts first.
func ComparePositions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// PositionBetween returns a path between left and right: strictly between
// when a gap exists. A nil left means the start of the list, a nil right
// means the end. Equal bounds (concurrent inserts that landed on the same
// path) leave no gap in path space; the new item shares their path and the
// OpID tie-break decides the order, keeping it inside the requested slot
// rather than past right.
func PositionBetween(left, right []int) []int {
	if left != nil && right != nil && ComparePositions(left, right) == 0 {
		return append([]int(nil), left...)
	}
	var path []int
	for depth := 0; ; depth++ {
		lo := 0
		if depth < len(left) {
			lo = left[depth]
		}
		hi := positionBase
		if depth < len(right) {
			hi = right[depth]
		}
		if hi-lo > 1 {
			return append(path, lo+(hi-lo)/2)
		}
		// No room at this depth: keep left's component and descend.
		path = append(path, lo)
		if hi > lo {
			// The path is already strictly below right at this depth, so
			// right no longer bounds the deeper components.
			right = nil
		}
	}
}
