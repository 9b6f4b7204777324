package kvcache

import "fmt"

// HeadGroups maps query heads onto the stored KV heads for grouped-query
// attention. Query head h reads KV head h / rep.
type HeadGroups struct {
	rep    int
	source []int
}

// NewHeadGroups builds the mapping for kvHeads stored heads each shared by
// rep query heads.
func NewHeadGroups(kvHeads, rep int) (HeadGroups, error) {
	if kvHeads <= 0 || rep <= 0 {
		return HeadGroups{}, fmt.Errorf("%w: head groups need positive kv heads and replication, got %d and %d", ErrInvalidConfig, kvHeads, rep)
	}
	src := make([]int, kvHeads*rep)
	for h := range src {
		src[h] = h / rep
	}
	return HeadGroups{rep: rep, source: src}, nil
}

// Rep is the number of query heads per KV head.
func (g HeadGroups) Rep() int { return g.rep }

// QueryHeads is the number of heads in the read-path output.
func (g HeadGroups) QueryHeads() int { return len(g.source) }

// KVHeads is the number of stored heads.
func (g HeadGroups) KVHeads() int {
	if g.rep == 0 {
		return 0
	}
	return len(g.source) / g.rep
}

// Source returns the stored head read by query head h.
func (g HeadGroups) Source(h int) int { return g.source[h] }
