package kvcache

import "github.com/samcharles93/kvpage/internal/arena"

// BlockTable is the block list of every row of a batch: the rows' handle
// lists concatenated, delimited by the exclusive prefix sum CuBlockCounts
// (length rows+1).
type BlockTable struct {
	Blocks        []arena.Handle
	CuBlockCounts []int
}

// NewBlockTable flattens per-row handle lists. The rows are copied.
func NewBlockTable(rows ...[]arena.Handle) BlockTable {
	t := BlockTable{CuBlockCounts: make([]int, len(rows)+1)}
	for i, r := range rows {
		t.CuBlockCounts[i+1] = t.CuBlockCounts[i] + len(r)
	}
	t.Blocks = make([]arena.Handle, 0, t.CuBlockCounts[len(rows)])
	for _, r := range rows {
		t.Blocks = append(t.Blocks, r...)
	}
	return t
}

// Rows returns the batch size the table describes.
func (t BlockTable) Rows() int {
	if len(t.CuBlockCounts) == 0 {
		return 0
	}
	return len(t.CuBlockCounts) - 1
}

// Row returns the ordered block list of row b.
func (t BlockTable) Row(b int) []arena.Handle {
	return t.Blocks[t.CuBlockCounts[b]:t.CuBlockCounts[b+1]]
}
