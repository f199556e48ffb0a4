package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendDeduplicates(t *testing.T) {
	l := NewLog()
	op := insertOp("a", 1, nil, nil)

	assert.True(t, l.Append(op))
	assert.False(t, l.Append(op))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Contains(op.ID))
}

func TestLogSinceReturnsMissingDelta(t *testing.T) {
	l := NewLog()
	a1 := insertOp("a", 1, nil, nil)
	a2 := setFieldOp("a", 2, a1.ID, "title", "t")
	b1 := insertOp("b", 1, nil, nil)
	for _, op := range []Operation{a1, a2, b1} {
		l.Append(op)
	}

	delta := l.Since(StateVector{"a": 1})
	require.Len(t, delta, 2)
	assert.Equal(t, a2.ID, delta[0].ID, "delta preserves log order")
	assert.Equal(t, b1.ID, delta[1].ID)

	assert.Empty(t, l.Since(StateVector{"a": 2, "b": 1}))
}

func TestLogCompactBefore(t *testing.T) {
	l := NewLog()
	a1 := insertOp("a", 1, nil, nil)
	a2 := setFieldOp("a", 2, a1.ID, "title", "t")
	b1 := insertOp("b", 1, nil, nil)
	for _, op := range []Operation{a1, a2, b1} {
		l.Append(op)
	}

	removed := l.CompactBefore(StateVector{"a": 1})
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, l.Len())
	assert.False(t, l.Contains(a1.ID))

	// A compacted operation can be re-appended only as a fresh entry; the
	// index was dropped with it, so dedup no longer applies. Callers guard
	// against this with the document-level duplicate check.
	assert.True(t, l.Contains(b1.ID))
}
