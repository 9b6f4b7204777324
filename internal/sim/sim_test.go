package sim

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kvpage/internal/arena"
	"github.com/samcharles93/kvpage/internal/batch"
	"github.com/samcharles93/kvpage/internal/config"
	"github.com/samcharles93/kvpage/internal/kvcache"
	"github.com/samcharles93/kvpage/internal/logger"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model = config.Model{Layers: 2, KVHeads: 2, HeadDim: 8, HeadRep: 2}
	cfg.Cache = config.Cache{BlockLen: 4, Blocks: 64, DType: "f32"}
	cfg.Runtime = config.Runtime{Workers: 4, Streams: 2, MaxBatch: 4, MaxSessionLen: 64}
	return cfg
}

func testOptions() Options {
	return Options{
		Requests:    10,
		PromptMin:   1,
		PromptMax:   12,
		GenMin:      1,
		GenMax:      10,
		VerifyEvery: 1,
		Seed:        42,
	}
}

func newEngine(t *testing.T, cfg config.Config, opts Options) *Engine {
	t.Helper()
	e, err := New(cfg, opts, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

func TestRunVerifiesEveryStorageFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		apply func(*config.Cache)
	}{
		{"f32", func(c *config.Cache) {}},
		{"f16", func(c *config.Cache) { c.DType = "f16" }},
		{"bf16", func(c *config.Cache) { c.DType = "bf16" }},
		{"int8", func(c *config.Cache) {
			c.QuantPolicy = int(kvcache.QuantInt8)
			c.Scales = kvcache.UniformScales(2, 2, 1.0/127, 1.0/127)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.apply(&cfg.Cache)
			e := newEngine(t, cfg, testOptions())

			reqs := e.Generate(10)
			if err := e.Run(context.Background(), reqs); err != nil {
				t.Fatalf("Run: %v", err)
			}
			st := e.Stats()
			if st.Completed != 10 || st.VerifyErrors != 0 {
				t.Fatalf("stats = %+v", st)
			}
			for _, rs := range st.Ranks {
				if rs.Arena.InUse != 0 {
					t.Fatalf("rank %d leaked %d blocks", rs.Rank, rs.Arena.InUse)
				}
			}
			for _, r := range reqs {
				info, ok := e.Request(r.ID)
				if !ok || info.Status != StatusDone {
					t.Fatalf("request %s: %+v", r.ID, info)
				}
				if diff := cmp.Diff(expectedTokens(r.Prompt, r.GenLen), info.Output); diff != "" {
					t.Fatalf("request %s output (-want +got):\n%s", r.ID, diff)
				}
			}
		})
	}
}

func TestRunLeftPaddedPrompts(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.Padding = batch.PadLeft
	e := newEngine(t, testConfig(), opts)
	reqs := e.Generate(6)
	if err := e.Run(context.Background(), reqs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := e.Stats(); st.VerifyErrors != 0 || st.Completed != 6 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEarlyFinishCompactsArena(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Runtime.Streams = 1
	e := newEngine(t, cfg, testOptions())

	reqs := []*Request{
		NewRequest([]int32{1, 2, 3}, 2, 64, 7),
		NewRequest([]int32{4, 5, 6}, 9, 64, 8),
	}
	if err := e.Run(context.Background(), reqs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := e.Stats()
	if st.Compactions == 0 || st.BlocksMoved == 0 {
		t.Fatalf("expected a compaction, stats = %+v", st)
	}
	if st.VerifyErrors != 0 {
		t.Fatalf("read-back failed after compaction: %+v", st)
	}
	info, _ := e.Request(reqs[1].ID)
	if diff := cmp.Diff(expectedTokens(reqs[1].Prompt, 9), info.Output); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
}

func TestRunTruncatesToCapacity(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.OutputCap = 5
	opts.PromptMin = 4
	opts.GenMin = 3
	e := newEngine(t, testConfig(), opts)

	reqs := e.Generate(4)
	if err := e.Run(context.Background(), reqs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := e.Stats(); st.Truncated != 4 {
		t.Fatalf("truncated = %d, want 4", st.Truncated)
	}
	for _, r := range reqs {
		info, _ := e.Request(r.ID)
		if info.Length != 5 || !info.Truncated {
			t.Fatalf("request %s: length %d truncated %v", r.ID, info.Length, info.Truncated)
		}
		if diff := cmp.Diff(expectedTokens(r.Prompt, r.GenLen)[:5], info.Output); diff != "" {
			t.Fatalf("request %s output (-want +got):\n%s", r.ID, diff)
		}
	}
}

func TestRunRejectsOversizedRequest(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.Blocks = 2
	cfg.Runtime.Streams = 1
	e := newEngine(t, cfg, testOptions())

	small := NewRequest([]int32{1, 2}, 2, 64, 1)
	big := NewRequest(make([]int32, 20), 4, 64, 2)
	if err := e.Run(context.Background(), []*Request{small, big}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info, _ := e.Request(big.ID); info.Status != StatusRejected || info.Reason == "" {
		t.Fatalf("big request = %+v", info)
	}
	if info, _ := e.Request(small.ID); info.Status != StatusDone {
		t.Fatalf("small request = %+v", info)
	}
	if st := e.Stats(); st.Rejected != 1 {
		t.Fatalf("rejected = %d", st.Rejected)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Runtime.StepsPerSec = 200
	opts := testOptions()
	opts.Requests = 2
	e := newEngine(t, cfg, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := e.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if e.Stats().Requests == 0 {
		t.Fatal("serve ran no requests")
	}
	if len(e.DumpNames()) == 0 {
		t.Fatal("no dumps recorded")
	}
}

func TestPaceEndsAsCancellation(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Runtime.StepsPerSec = 1
	e := newEngine(t, cfg, testOptions())

	if err := e.pace(context.Background()); err != nil {
		t.Fatalf("first step: %v", err)
	}
	// The next token is a second away, well past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := e.pace(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pace error = %v, want DeadlineExceeded", err)
	}
	if ctx.Err() == nil {
		t.Fatal("pace failed before ctx was done")
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("pace waited %v past the deadline", waited)
	}
}

func TestRunRetainsRecentRequests(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.Retain = 6
	e := newEngine(t, testConfig(), opts)

	var last []*Request
	for range 5 {
		last = e.Generate(4)
		if err := e.Run(context.Background(), last); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if got := len(e.Requests()); got != opts.Retain {
		t.Fatalf("registered requests = %d, want %d", got, opts.Retain)
	}
	for _, r := range last {
		if info, ok := e.Request(r.ID); !ok || info.Status != StatusDone {
			t.Fatalf("latest request %s = %+v, %v", r.ID, info, ok)
		}
	}
	if st := e.Stats(); st.Requests != 20 || st.Completed != 20 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReleaseLogsFailedFree(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e, err := New(testConfig(), testOptions(), logger.JSON(&buf, slog.LevelWarn))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	r := e.ranks[0]

	held, err := r.cache.Arena().Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	good := NewRequest([]int32{1}, 1, 64, 1)
	good.blocks = held
	// Handle 40 was never allocated.
	bad := NewRequest([]int32{1}, 1, 64, 2)
	bad.blocks = []arena.Handle{40}

	r.release([]*Request{good, bad})
	if good.blocks != nil || bad.blocks != nil {
		t.Fatal("block lists not cleared")
	}
	if got := r.cache.Arena().Stats().InUse; got != 0 {
		t.Fatalf("in use after release = %d", got)
	}
	out := buf.String()
	if !strings.Contains(out, "release blocks failed") || !strings.Contains(out, bad.ID) {
		t.Fatalf("expected a warning naming %s, got: %s", bad.ID, out)
	}
	if strings.Contains(out, good.ID) {
		t.Fatalf("successful release was logged: %s", out)
	}
}

func TestPrefillDumpCoversValidPrefix(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Runtime.Streams = 1
	e := newEngine(t, cfg, testOptions())

	long := NewRequest([]int32{1, 2, 3, 4, 5}, 1, 64, 7)
	short := NewRequest([]int32{6, 7}, 1, 64, 8)
	if err := e.Run(context.Background(), []*Request{long, short}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum, ok := e.Dump("rank0.k_out")
	if !ok {
		t.Fatal("k_out not dumped")
	}
	qHeads, dim := e.groups.QueryHeads(), cfg.Model.HeadDim
	if want := qHeads * (5 + 2) * dim; sum.Len != want {
		t.Fatalf("dump length = %d, want %d", sum.Len, want)
	}
	// Last element: short row, last query head, last position, last dim.
	layer := cfg.Model.Layers - 1
	src := e.groups.Source(qHeads - 1)
	want := float64(kvValue(short.seed, layer, 1, src, dim-1, false))
	if got := sum.Tail[len(sum.Tail)-1]; got != want {
		t.Fatalf("last dumped value = %v, want %v", got, want)
	}
}

func TestExpectedTokensFollowSampler(t *testing.T) {
	t.Parallel()
	got := expectedTokens([]int32{5}, 3)
	want := []int32{5, nextToken(5, 1), nextToken(nextToken(5, 1), 2), 0}
	want[3] = nextToken(want[2], 3)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
}

func TestKVValueIsExactInFloat32(t *testing.T) {
	t.Parallel()
	for pos := range 100 {
		v := kvValue(9, 1, pos, 0, pos%8, pos%2 == 0)
		if v < -1 || v >= 1 {
			t.Fatalf("value %v outside [-1, 1)", v)
		}
		if float32(float64(v)) != v {
			t.Fatalf("value %v not exact", v)
		}
	}
}
