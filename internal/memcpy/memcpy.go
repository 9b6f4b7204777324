// Package memcpy holds the indexed and batched copy kernels the cache and
// output paths are built from. Sources and destinations are opaque byte
// ranges; every copy in a launch is independent of the others.
package memcpy

import (
	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/metrics"
	"github.com/samcharles93/kvpage/internal/stream"
)

// IndexedCopy launches n copies. Copy j moves sizes[j] bytes from
// src[srcIdx[j]] to dst[dstIdx[j]]. A nil index slice means the identity.
// Destination ranges of different copies must not overlap.
func IndexedCopy(s *stream.Stream, src, dst [][]byte, sizes, srcIdx, dstIdx []int, n int, deps ...*stream.Step) *stream.Step {
	check.Len("sizes", sizes, n)
	if srcIdx != nil {
		check.Len("srcIdx", srcIdx, n)
	} else {
		check.Len("src", src, n)
	}
	if dstIdx != nil {
		check.Len("dstIdx", dstIdx, n)
	} else {
		check.Len("dst", dst, n)
	}
	if check.Enabled {
		for j := range n {
			si, di := index(srcIdx, j), index(dstIdx, j)
			check.That(si >= 0 && si < len(src), "copy %d: source index %d out of range [0, %d)", j, si, len(src))
			check.That(di >= 0 && di < len(dst), "copy %d: destination index %d out of range [0, %d)", j, di, len(dst))
		}
	}
	metrics.RecordCopy("indexed", sum(sizes[:n]))

	return s.Launch("indexed_copy", n, func(j int) {
		sz := sizes[j]
		copy(dst[index(dstIdx, j)][:sz], src[index(srcIdx, j)][:sz])
	}, deps...)
}

// BatchedCopy launches len(sizes) copies of src[i] to dst[i].
func BatchedCopy(s *stream.Stream, src, dst [][]byte, sizes []int, deps ...*stream.Step) *stream.Step {
	n := len(sizes)
	check.Len("src", src, n)
	check.Len("dst", dst, n)
	metrics.RecordCopy("batched", sum(sizes))

	return s.Launch("batched_copy", n, func(i int) {
		sz := sizes[i]
		copy(dst[i][:sz], src[i][:sz])
	}, deps...)
}

func index(idx []int, j int) int {
	if idx == nil {
		return j
	}
	return idx[j]
}

func sum(xs []int) int {
	var t int
	for _, x := range xs {
		t += x
	}
	return t
}
