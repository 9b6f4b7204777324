// Package output assembles generated token ids: it strips context padding
// from the step-major decode buffer, packs ragged rows back to back and
// scatters finished rows into caller-owned request buffers.
package output

import (
	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/metrics"
	"github.com/samcharles93/kvpage/internal/stream"
)

// GatherOutput packs each row of the step-major ids, shaped
// (maxGenStep, batch), into outputIDs (batch, maxOutputLen). Steps in
// [contextLength[b], maxContextLen) are left padding of a short prompt and
// are skipped; ids past maxOutputLen are dropped.
func GatherOutput(s *stream.Stream, outputIDs, ids []int32, contextLength []int, maxContextLen, maxGenStep, maxOutputLen, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("outputIDs", outputIDs, batch*maxOutputLen)
	check.Len("ids", ids, maxGenStep*batch)
	check.Len("contextLength", contextLength, batch)
	if check.Enabled {
		for b := range batch {
			c := contextLength[b]
			check.That(c >= 0 && c <= maxContextLen, "row %d: context length %d outside [0, %d]", b, c, maxContextLen)
		}
	}

	return s.Launch("gather_output", maxGenStep*batch, func(i int) {
		step, b := i/batch, i%batch
		ctx := contextLength[b]
		if step >= ctx && step < maxContextLen {
			return
		}
		dst := step
		if step >= maxContextLen {
			dst -= maxContextLen - ctx
		}
		if dst < maxOutputLen {
			outputIDs[b*maxOutputLen+dst] = ids[i]
		}
	}, deps...)
}

// RowLength is the number of valid ids of a row after a step.
func RowLength(seqLen, tokenGenerated int) int {
	return seqLen + tokenGenerated
}

// CompactOutputIds packs the first seqLens[b]+tokenGenerated ids of each row
// of outputIDs (batch, maxSessionLen) back to back into dst and writes the
// row offsets, length batch+1, into offsets.
func CompactOutputIds(s *stream.Stream, dst []int32, offsets []int, outputIDs []int32, seqLens []int, maxSessionLen, tokenGenerated, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("offsets", offsets, batch+1)
	check.Len("outputIDs", outputIDs, batch*maxSessionLen)
	check.Len("seqLens", seqLens, batch)
	if check.Enabled {
		total := 0
		for b := range batch {
			n := RowLength(seqLens[b], tokenGenerated)
			check.That(n >= 0 && n <= maxSessionLen, "row %d: length %d outside [0, %d]", b, n, maxSessionLen)
			total += n
		}
		check.Len("dst", dst, total)
	}

	prefix := s.Host("compact_output_offsets", func() {
		offsets[0] = 0
		for b := range batch {
			offsets[b+1] = offsets[b] + RowLength(seqLens[b], tokenGenerated)
		}
	}, deps...)
	return s.Launch("compact_output_ids", batch, func(b int) {
		n := offsets[b+1] - offsets[b]
		copy(dst[offsets[b]:offsets[b+1]], outputIDs[b*maxSessionLen:b*maxSessionLen+n])
	}, prefix)
}

// RequestOutput is a caller-owned destination for one row. Length is the
// cursor the scatter sets; capacity is len(IDs).
type RequestOutput struct {
	IDs       []int32
	Length    *int
	Truncated bool
}

// UpdateOutput copies each row's min(seqLens[b]+tokenGenerated, capacity,
// maxSessionLen) leading ids from outputIDs (batch, maxSessionLen) into
// requests[b] and sets its length cursor. Rows that did not fit are marked
// Truncated and counted.
func UpdateOutput(s *stream.Stream, requests []RequestOutput, outputIDs []int32, seqLens []int, maxSessionLen, tokenGenerated, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("requests", requests, batch)
	check.Len("outputIDs", outputIDs, batch*maxSessionLen)
	check.Len("seqLens", seqLens, batch)
	if check.Enabled {
		for b := range batch {
			check.That(requests[b].Length != nil, "row %d: nil length cursor", b)
		}
	}

	scatter := s.Launch("update_output", batch, func(b int) {
		r := &requests[b]
		want := RowLength(seqLens[b], tokenGenerated)
		n := min(want, len(r.IDs), maxSessionLen)
		n = max(n, 0)
		copy(r.IDs[:n], outputIDs[b*maxSessionLen:b*maxSessionLen+n])
		*r.Length = n
		r.Truncated = want > n
	}, deps...)
	return s.Host("update_output_stats", func() {
		var truncated int
		for b := range batch {
			if requests[b].Truncated {
				truncated++
			}
		}
		metrics.RecordTruncated(truncated)
	}, scatter)
}
