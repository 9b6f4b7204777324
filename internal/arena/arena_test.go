package arena

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/kvpage/internal/logger"
)

func newTestArena(t *testing.T, blockBytes, count int) *Arena {
	t.Helper()
	a, err := New(t.Name(), blockBytes, count, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocLowestFirst(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 32, 8)

	got, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if diff := cmp.Diff([]Handle{0, 1, 2}, got); diff != "" {
		t.Fatalf("first alloc mismatch (-want +got):\n%s", diff)
	}
	if err := a.Free(1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	got, err = a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if diff := cmp.Diff([]Handle{1, 3}, got); diff != "" {
		t.Fatalf("reuse mismatch (-want +got):\n%s", diff)
	}
	if s := a.Stats(); s.InUse != 4 || s.Free != 4 || s.Blocks != 8 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAllocAllOrNothing(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 16, 4)

	if _, err := a.Alloc(3); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	_, err := a.Alloc(2)
	if !errors.Is(err, ErrOutOfBlocks) {
		t.Fatalf("Alloc over capacity = %v, want ErrOutOfBlocks", err)
	}
	if s := a.Stats(); s.InUse != 3 {
		t.Fatalf("failed alloc changed occupancy: %+v", s)
	}
}

func TestFreeRejectsBadHandles(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 16, 4)
	hs, _ := a.Alloc(2)

	tests := []struct {
		name string
		hs   []Handle
	}{
		{"unallocated", []Handle{3}},
		{"out of range", []Handle{9}},
		{"negative", []Handle{Nil}},
		{"double", []Handle{hs[0], hs[0]}},
	}
	for _, tc := range tests {
		if err := a.Free(tc.hs...); !errors.Is(err, ErrBadHandle) {
			t.Errorf("%s: Free = %v, want ErrBadHandle", tc.name, err)
		}
	}
	if s := a.Stats(); s.InUse != 2 {
		t.Fatalf("rejected frees changed occupancy: %+v", s)
	}
}

func TestBlocksAreDisjoint(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 8, 3)
	for h := range Handle(3) {
		b := a.Block(h)
		if len(b) != 8 || cap(b) != 8 {
			t.Fatalf("block %d: len %d cap %d", h, len(b), cap(b))
		}
		for i := range b {
			b[i] = byte(h)
		}
	}
	for h := range Handle(3) {
		for _, v := range a.Block(h) {
			if v != byte(h) {
				t.Fatalf("block %d overwritten: %v", h, a.Block(h))
			}
		}
	}
}

func TestPlanCompaction(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 4, 6)
	hs, _ := a.Alloc(6)
	if err := a.Free(hs[0], hs[2], hs[3]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	// used: 1, 4, 5
	moves := a.PlanCompaction()
	want := []Move{{Src: 5, Dst: 0}, {Src: 4, Dst: 2}}
	if diff := cmp.Diff(want, moves); diff != "" {
		t.Fatalf("moves mismatch (-want +got):\n%s", diff)
	}

	owned := []Handle{1, 4, 5}
	Remap(owned, moves)
	if diff := cmp.Diff([]Handle{1, 2, 0}, owned); diff != "" {
		t.Fatalf("remap mismatch (-want +got):\n%s", diff)
	}

	next, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc after compaction: %v", err)
	}
	if next[0] != 3 {
		t.Fatalf("Alloc after compaction = %d, want 3", next[0])
	}
	if len(a.PlanCompaction()) != 0 {
		t.Fatal("packed arena should need no moves")
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	t.Parallel()
	if _, err := New("bad_size", 0, 4, logger.Discard()); err == nil {
		t.Fatal("expected error for zero block size")
	}
	if _, err := New("bad_count", 16, 0, logger.Discard()); err == nil {
		t.Fatal("expected error for zero blocks")
	}
}

func arenaGauge(t *testing.T, metric, name string) (float64, bool) {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != metric {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "arena" && lp.GetValue() == name {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestArenaGaugesPerArena(t *testing.T) {
	t.Parallel()
	a, err := New("gauges_a", 32, 10, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := New("gauges_b", 32, 10, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Alloc(7); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := b.Alloc(1); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	for _, tc := range []struct {
		name         string
		total, inUse float64
	}{
		{"gauges_a", 10, 7},
		{"gauges_b", 10, 1},
	} {
		if got, _ := arenaGauge(t, "kvpage_arena_blocks", tc.name); got != tc.total {
			t.Errorf("%s blocks: got %v, want %v", tc.name, got, tc.total)
		}
		if got, _ := arenaGauge(t, "kvpage_arena_blocks_in_use", tc.name); got != tc.inUse {
			t.Errorf("%s in use: got %v, want %v", tc.name, got, tc.inUse)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := arenaGauge(t, "kvpage_arena_blocks", "gauges_b"); ok {
		t.Fatal("closed arena still exported")
	}
	if got, _ := arenaGauge(t, "kvpage_arena_blocks_in_use", "gauges_a"); got != 7 {
		t.Fatalf("gauges_a in use after closing gauges_b: got %v, want 7", got)
	}
}
