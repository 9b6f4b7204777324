// Package batch normalizes the per-step inputs of a heterogeneous batch:
// token-id padding, the last valid token of each row and last-token
// features of a packed hidden-state tensor.
package batch

import (
	"fmt"

	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/stream"
)

// Padding says where the valid ids of an input row sit.
type Padding int

const (
	// PadRight rows hold their ids as a prefix.
	PadRight Padding = iota
	// PadLeft rows hold their ids as a suffix.
	PadLeft
)

func (p Padding) String() string {
	switch p {
	case PadRight:
		return "right"
	case PadLeft:
		return "left"
	default:
		return fmt.Sprintf("padding(%d)", int(p))
	}
}

// ParsePadding maps "left" or "right" to a Padding.
func ParsePadding(s string) (Padding, error) {
	switch s {
	case "right", "":
		return PadRight, nil
	case "left":
		return PadLeft, nil
	default:
		return 0, fmt.Errorf("unknown padding %q", s)
	}
}

// FixInputIds rewrites inputIDs, shaped (batch, maxInputLen) with the given
// padding, into ids, shaped step-major (seqLen, batch). Row b's ids land at
// steps [0, inputLengths[b]); later steps are zeroed.
func FixInputIds(s *stream.Stream, ids, inputIDs []int32, inputLengths []int, batch, seqLen, maxInputLen int, pad Padding, deps ...*stream.Step) *stream.Step {
	check.Len("ids", ids, seqLen*batch)
	check.Len("inputIDs", inputIDs, batch*maxInputLen)
	check.Len("inputLengths", inputLengths, batch)
	check.That(pad == PadRight || pad == PadLeft, "unsupported padding %s", pad)
	if check.Enabled {
		for b := range batch {
			n := inputLengths[b]
			check.That(n >= 0 && n <= maxInputLen && n <= seqLen, "row %d: input length %d outside [0, min(%d, %d)]", b, n, maxInputLen, seqLen)
		}
	}

	return s.Launch("fix_input_ids", seqLen*batch, func(i int) {
		t, b := i/batch, i%batch
		n := inputLengths[b]
		if t >= n {
			ids[i] = 0
			return
		}
		src := t
		if pad == PadLeft {
			src += maxInputLen - n
		}
		ids[i] = inputIDs[b*maxInputLen+src]
	}, deps...)
}

// PadLastTokenIds copies each row's last valid token, at step
// contextLength[b]-1 of the step-major tokenIDs, into step maxContextLen-1.
func PadLastTokenIds(s *stream.Stream, tokenIDs []int32, contextLength []int, maxContextLen, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("tokenIDs", tokenIDs, maxContextLen*batch)
	check.Len("contextLength", contextLength, batch)
	if check.Enabled {
		for b := range batch {
			c := contextLength[b]
			check.That(c >= 1 && c <= maxContextLen, "row %d: context length %d outside [1, %d]", b, c, maxContextLen)
		}
	}

	return s.Launch("pad_last_token_ids", batch, func(b int) {
		tokenIDs[(maxContextLen-1)*batch+b] = tokenIDs[(contextLength[b]-1)*batch+b]
	}, deps...)
}

// GetFeatureOfLastToken gathers the dims-wide feature of each row's last
// token from in, packed (tokens, dims) with row b spanning tokens
// [cuSeqlens[b], cuSeqlens[b+1]), into out (batch, dims).
func GetFeatureOfLastToken(s *stream.Stream, out, in []float32, cuSeqlens []int, dims, batch int, deps ...*stream.Step) *stream.Step {
	check.Len("out", out, batch*dims)
	check.Len("cuSeqlens", cuSeqlens, batch+1)
	if check.Enabled {
		for b := range batch {
			check.That(cuSeqlens[b+1] > cuSeqlens[b], "row %d: empty sequence", b)
		}
		check.Len("in", in, cuSeqlens[batch]*dims)
	}

	return s.Launch("get_feature_of_last_token", batch, func(b int) {
		src := (cuSeqlens[b+1] - 1) * dims
		copy(out[b*dims:(b+1)*dims], in[src:src+dims])
	}, deps...)
}

// CopyInts copies count ids from src to dst on the stream.
func CopyInts(s *stream.Stream, dst, src []int32, count int, deps ...*stream.Step) *stream.Step {
	check.Len("dst", dst, count)
	check.Len("src", src, count)
	return s.Launch("copy_ints", count, func(i int) {
		dst[i] = src[i]
	}, deps...)
}
