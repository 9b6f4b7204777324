package batch

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/stream/streamtest"
)

// rowsOf unpacks step-major ids into per-row slices of length steps.
func rowsOf(ids []int32, batch, steps int) [][]int32 {
	rows := make([][]int32, batch)
	for b := range batch {
		rows[b] = make([]int32, steps)
		for t := range steps {
			rows[b][t] = ids[t*batch+b]
		}
	}
	return rows
}

func TestFixInputIds(t *testing.T) {
	t.Parallel()
	const maxInputLen, seqLen = 4, 5
	lengths := []int{3, 1, 4}
	want := [][]int32{
		{11, 12, 13, 0, 0},
		{21, 0, 0, 0, 0},
		{31, 32, 33, 34, 0},
	}

	tests := []struct {
		pad   Padding
		input []int32
	}{
		{PadRight, []int32{
			11, 12, 13, 0,
			21, 0, 0, 0,
			31, 32, 33, 34,
		}},
		{PadLeft, []int32{
			0, 11, 12, 13,
			0, 0, 0, 21,
			31, 32, 33, 34,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.pad.String(), func(t *testing.T) {
			t.Parallel()
			ids := make([]int32, seqLen*len(lengths))
			for i := range ids {
				ids[i] = -1
			}
			s := streamtest.New(t)
			FixInputIds(s, ids, tc.input, lengths, len(lengths), seqLen, maxInputLen, tc.pad)
			streamtest.Sync(t, s)
			if diff := cmp.Diff(want, rowsOf(ids, len(lengths), seqLen)); diff != "" {
				t.Fatalf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPadLastTokenIds(t *testing.T) {
	t.Parallel()
	ctx := []int{5, 11, 9, 8, 4}
	const maxCtx = 11
	batch := len(ctx)
	ids := make([]int32, maxCtx*batch)
	for step := range maxCtx {
		for b := range batch {
			if step < ctx[b] {
				ids[step*batch+b] = int32(100*(b+1) + step)
			}
		}
	}

	s := streamtest.New(t)
	PadLastTokenIds(s, ids, ctx, maxCtx, batch)
	streamtest.Sync(t, s)

	got := make([]int32, batch)
	for b := range batch {
		got[b] = ids[(maxCtx-1)*batch+b]
	}
	want := []int32{104, 210, 308, 407, 503}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("last step mismatch (-want +got):\n%s", diff)
	}
	// Earlier steps are untouched.
	if ids[4*batch] != 104 || ids[3*batch+4] != 503 {
		t.Fatalf("valid tokens disturbed: %v", ids)
	}
}

func TestPadLastTokenIdsRejectsEmptyRow(t *testing.T) {
	t.Parallel()
	if !check.Enabled {
		t.Skip("assertions compiled out")
	}
	s := streamtest.New(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero context length")
		}
	}()
	PadLastTokenIds(s, make([]int32, 4), []int{0, 2}, 2, 2)
}

func TestGetFeatureOfLastToken(t *testing.T) {
	t.Parallel()
	const dims = 2
	cu := []int{0, 3, 4, 6}
	in := []float32{
		0, 0, 1, 1, 2, 2, // row 0
		3, 3, // row 1
		4, 4, 5, 5, // row 2
	}
	out := make([]float32, 3*dims)
	s := streamtest.New(t)
	GetFeatureOfLastToken(s, out, in, cu, dims, 3)
	streamtest.Sync(t, s)
	if diff := cmp.Diff([]float32{2, 2, 3, 3, 5, 5}, out); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyInts(t *testing.T) {
	t.Parallel()
	src := []int32{1, 2, 3, 4}
	dst := make([]int32, 4)
	s := streamtest.New(t)
	CopyInts(s, dst, src, 3)
	streamtest.Sync(t, s)
	if diff := cmp.Diff([]int32{1, 2, 3, 0}, dst); diff != "" {
		t.Fatalf("copy mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePadding(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Padding{"": PadRight, "right": PadRight, "left": PadLeft} {
		got, err := ParsePadding(in)
		if err != nil || got != want {
			t.Fatalf("ParsePadding(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePadding("middle"); err == nil {
		t.Fatal("expected error for unknown padding")
	}
}
