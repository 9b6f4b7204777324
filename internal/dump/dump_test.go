package dump

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/stream"
	"github.com/samcharles93/kvpage/internal/stream/streamtest"
)

func TestFloatsWaitsForPendingWork(t *testing.T) {
	t.Parallel()
	s := streamtest.New(t)
	data := make([]float32, 20)
	s.Launch("fill", len(data), func(i int) {
		data[i] = float32(i) - 10
	})

	got, err := Floats(context.Background(), s, logger.Discard(), "x", data)
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	if got.Len != 20 || got.AbsSum != 100 || got.Min != -10 || got.Max != 9 {
		t.Fatalf("summary = %+v", got)
	}
	if diff := cmp.Diff([]float64{-10, -9, -8, -7, -6, -5, -4, -3}, got.Head); diff != "" {
		t.Fatalf("head (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2, 3, 4, 5, 6, 7, 8, 9}, got.Tail); diff != "" {
		t.Fatalf("tail (-want +got):\n%s", diff)
	}
}

func TestIntsShortTensor(t *testing.T) {
	t.Parallel()
	s := streamtest.New(t)
	got, err := Ints(context.Background(), s, logger.Discard(), "lens", []int32{3, -1})
	if err != nil {
		t.Fatalf("Ints: %v", err)
	}
	want := Summary{Name: "lens", Len: 2, AbsSum: 4, Min: -1, Max: 3, Head: []float64{3, -1}, Tail: []float64{3, -1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("summary (-want +got):\n%s", diff)
	}
}

func TestDumpReportsFault(t *testing.T) {
	t.Parallel()
	s := streamtest.New(t)
	s.Launch("boom", 1, func(int) { panic("bad") })
	if _, err := Ints(context.Background(), s, logger.Discard(), "x", nil); !errors.Is(err, stream.ErrFault) {
		t.Fatalf("Ints error = %v, want ErrFault", err)
	}
}
