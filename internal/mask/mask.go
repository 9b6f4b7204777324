// Package mask builds additive causal attention masks: 0 where a query may
// attend to a key, negative infinity where it may not.
package mask

import (
	"math"

	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/stream"
)

var (
	allowed    = float32(0)
	disallowed = float32(math.Inf(-1))
)

// CreateCausalMasks fills mask, shaped (batch, maxQ, maxK), for rows whose
// queries continue an existing context of kLens[b]-qLens[b] tokens. Query q
// of row b may see key k when k < kLens[b], q < qLens[b] and
// k <= q + kLens[b] - qLens[b]. Rows with no queries come out fully masked.
func CreateCausalMasks(s *stream.Stream, mask []float32, qLens, kLens []int, maxQ, maxK, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("mask", mask, batch*maxQ*maxK)
	check.Len("qLens", qLens, batch)
	check.Len("kLens", kLens, batch)
	if check.Enabled {
		for b := range batch {
			check.That(qLens[b] >= 0 && qLens[b] <= maxQ, "row %d: query length %d outside [0, %d]", b, qLens[b], maxQ)
			check.That(kLens[b] >= qLens[b] && kLens[b] <= maxK, "row %d: key length %d outside [%d, %d]", b, kLens[b], qLens[b], maxK)
		}
	}

	return s.Launch("create_causal_masks", batch*maxQ, func(i int) {
		b, q := i/maxQ, i%maxQ
		qLen, kLen := qLens[b], kLens[b]
		fillRow(mask[i*maxK:(i+1)*maxK], q < qLen, kLen, q+kLen-qLen)
	}, deps...)
}

// SliceCausalMask fills mask, shaped (batch, seqLen, keyLen), with the same
// causal pattern for every row: query q sees keys k <= q + step.
func SliceCausalMask(s *stream.Stream, mask []float32, seqLen, keyLen, step, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("mask", mask, batch*seqLen*keyLen)
	check.That(step >= 0, "negative step %d", step)

	return s.Launch("slice_causal_mask", batch*seqLen, func(i int) {
		q := i % seqLen
		fillRow(mask[i*keyLen:(i+1)*keyLen], true, keyLen, q+step)
	}, deps...)
}

// fillRow opens keys [0, min(kLen, last+1)) of row when live.
func fillRow(row []float32, live bool, kLen, last int) {
	for k := range row {
		if live && k < kLen && k <= last {
			row[k] = allowed
		} else {
			row[k] = disallowed
		}
	}
}
