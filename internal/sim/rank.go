package sim

import (
	"context"
	"fmt"

	"github.com/samcharles93/kvpage/internal/arena"
	"github.com/samcharles93/kvpage/internal/batch"
	"github.com/samcharles93/kvpage/internal/dump"
	"github.com/samcharles93/kvpage/internal/kvcache"
	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/mask"
	"github.com/samcharles93/kvpage/internal/output"
	"github.com/samcharles93/kvpage/internal/stream"
)

// rank is one independent cache with its own stream, like a tensor
// parallel shard.
type rank struct {
	id     int
	e      *Engine
	cache  *kvcache.Cache
	stream *stream.Stream
	log    logger.Logger
}

func newRank(e *Engine, id int) (*rank, error) {
	log := e.log.With("rank", id)
	a, err := arena.New(fmt.Sprintf("rank%d", id), e.kc.Layout.BlockBytes(), e.cfg.Cache.Blocks, log)
	if err != nil {
		return nil, fmt.Errorf("rank %d: %w", id, err)
	}
	c, err := kvcache.New(e.kc, a)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("rank %d: %w", id, err)
	}
	return &rank{
		id:     id,
		e:      e,
		cache:  c,
		stream: stream.New(fmt.Sprintf("rank%d", id), e.pool, log),
		log:    log,
	}, nil
}

func (r *rank) close() error {
	err := r.stream.Close()
	if cerr := r.cache.Arena().Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// need is the number of blocks a request holds at its peak: every position
// except the last generated token gets a cache entry.
func (r *rank) need(req *Request) int {
	return r.cache.Config().Layout.Blocks(len(req.Prompt) + req.GenLen - 1)
}

func (r *rank) run(ctx context.Context, queue []*Request) error {
	maxBatch := r.e.cfg.Runtime.MaxBatch
	maxSession := r.e.cfg.Runtime.MaxSessionLen
	total := r.cache.Arena().Len()
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		free := r.cache.Arena().Stats().Free
		var admitted, rest []*Request
		for _, req := range queue {
			n := r.need(req)
			switch {
			case len(req.Prompt) == 0 || req.GenLen < 1:
				r.reject(req, "empty prompt or nothing to generate")
			case len(req.Prompt)+req.GenLen > maxSession:
				r.reject(req, fmt.Sprintf("%d tokens exceed the session length %d", len(req.Prompt)+req.GenLen, maxSession))
			case n > total:
				r.reject(req, fmt.Sprintf("needs %d blocks, arena has %d", n, total))
			case len(admitted) < maxBatch && n <= free:
				admitted = append(admitted, req)
				free -= n
			default:
				rest = append(rest, req)
			}
		}
		if len(admitted) == 0 {
			if len(rest) > 0 {
				return fmt.Errorf("rank %d: %d requests stalled with %d of %d blocks free", r.id, len(rest), free, total)
			}
			return nil
		}
		if err := r.runBatch(ctx, admitted); err != nil {
			return err
		}
		queue = rest
	}
	return nil
}

func (r *rank) reject(req *Request, reason string) {
	r.e.setStatus(req, StatusRejected, reason)
	r.e.stats.rejected.Add(1)
	r.log.Warn("request rejected", "request", req.ID, "reason", reason)
}

// step is the per-launch view of a batch.
type step struct {
	table   kvcache.BlockTable
	qLens   []int
	ctxLens []int
	maxQ    int
	maxKV   int
	full    bool
}

func (r *rank) runBatch(ctx context.Context, reqs []*Request) (err error) {
	l := r.cache.Config().Layout
	s := r.stream
	a := r.cache.Arena()
	opts := r.e.opts
	B := len(reqs)

	promptLens := make([]int, B)
	seeds := make([]uint64, B)
	maxCtx, maxGen := 0, 0
	for b, req := range reqs {
		promptLens[b] = len(req.Prompt)
		seeds[b] = req.seed
		maxCtx = max(maxCtx, promptLens[b])
		maxGen = max(maxGen, req.GenLen)
		r.e.setStatus(req, StatusRunning, "")
	}
	steps := maxCtx + maxGen
	live := make([]bool, B)
	for b := range live {
		live[b] = true
	}

	defer func() {
		// Drain before handing blocks back so no queued kernel still
		// addresses them.
		if serr := s.Synchronize(context.Background()); err == nil {
			err = serr
		}
		r.release(reqs)
	}()

	for b, req := range reqs {
		if req.blocks, err = a.Alloc(l.Blocks(promptLens[b])); err != nil {
			return fmt.Errorf("rank %d: prompt blocks for %s: %w", r.id, req.ID, err)
		}
	}
	r.e.stats.batches.Add(1)
	r.log.Debug("batch admitted", "rows", B, "max_ctx", maxCtx, "max_gen", maxGen)

	// Prompt ids in the caller's padding, normalized into the step-major
	// decode buffer.
	inputIDs := make([]int32, B*maxCtx)
	for b, req := range reqs {
		off := b * maxCtx
		if opts.Padding == batch.PadLeft {
			off += maxCtx - promptLens[b]
		}
		copy(inputIDs[off:], req.Prompt)
	}
	ids := make([]int32, steps*B)
	batch.FixInputIds(s, ids, inputIDs, promptLens, B, steps, maxCtx, opts.Padding)
	batch.PadLastTokenIds(s, ids, promptLens, maxCtx, B)

	// Last-token features of the packed prompt hidden states.
	cu := make([]int, B+1)
	for b := range B {
		cu[b+1] = cu[b] + promptLens[b]
	}
	dim := l.HeadDim
	hidden := make([]float32, cu[B]*dim)
	features := make([]float32, B*dim)
	s.Launch("embed", cu[B], func(t int) {
		b := rowOf(cu, t)
		for d := range dim {
			hidden[t*dim+d] = kvValue(seeds[b], featureLayer, t-cu[b], 0, d, false)
		}
	})
	batch.GetFeatureOfLastToken(s, features, hidden, cu, dim, B)
	s.Host("verify_features", func() {
		for b := range B {
			for d := range dim {
				if features[b*dim+d] != kvValue(seeds[b], featureLayer, promptLens[b]-1, 0, d, false) {
					r.verifyFailed("features", b, promptLens[b]-1)
					return
				}
			}
		}
	})

	bufs := newBuffers(l, r.e.groups, B, maxCtx, steps)

	prefill := step{
		table:   r.table(reqs),
		qLens:   promptLens,
		ctxLens: promptLens,
		maxQ:    maxCtx,
		maxKV:   maxCtx,
		full:    true,
	}
	if err := r.forward(ctx, prefill, seeds, bufs, false); err != nil {
		return err
	}
	r.sample(ids, B, maxCtx, promptLens, 0, live)

	for i := 1; i < maxGen; i++ {
		// Rows whose last token was sampled last step are finished.
		var finished bool
		for b, req := range reqs {
			if live[b] && i >= req.GenLen {
				live[b] = false
				finished = true
				if ferr := a.Free(req.blocks...); ferr != nil {
					return fmt.Errorf("rank %d: release %s: %w", r.id, req.ID, ferr)
				}
				req.blocks = nil
			}
		}
		if finished {
			r.compact(reqs)
		}

		if err := r.e.pace(ctx); err != nil {
			return err
		}
		st := step{
			qLens:   make([]int, B),
			ctxLens: make([]int, B),
			maxQ:    1,
			full:    opts.VerifyEvery > 0 && i%opts.VerifyEvery == 0,
		}
		for b, req := range reqs {
			if !live[b] {
				continue
			}
			// The token sampled last step is the input at position ctx+i-1.
			n := promptLens[b] + i
			if grow := l.Blocks(n) - len(req.blocks); grow > 0 {
				more, aerr := a.Alloc(grow)
				if aerr != nil {
					return fmt.Errorf("rank %d: grow %s: %w", r.id, req.ID, aerr)
				}
				req.blocks = append(req.blocks, more...)
			}
			st.qLens[b], st.ctxLens[b] = 1, n
			st.maxKV = max(st.maxKV, n)
		}
		st.table = r.table(reqs)
		if err := r.forward(ctx, st, seeds, bufs, true); err != nil {
			return err
		}
		r.sample(ids, B, maxCtx, promptLens, i, live)
		r.e.stats.steps.Add(1)
	}

	return r.assemble(ctx, reqs, ids, promptLens, maxCtx, steps)
}

// release hands every block still held by reqs back to the arena. A
// failed free is logged and the request's list is cleared regardless.
func (r *rank) release(reqs []*Request) {
	a := r.cache.Arena()
	for _, req := range reqs {
		if len(req.blocks) == 0 {
			continue
		}
		if err := a.Free(req.blocks...); err != nil {
			r.log.Warn("release blocks failed", "request", req.ID, "blocks", len(req.blocks), "error", err)
		}
		req.blocks = nil
	}
}

// rowOf finds the row whose packed token range holds t.
func rowOf(cu []int, t int) int {
	b := 0
	for cu[b+1] <= t {
		b++
	}
	return b
}

func (r *rank) table(reqs []*Request) kvcache.BlockTable {
	rows := make([][]arena.Handle, len(reqs))
	for b, req := range reqs {
		rows[b] = req.blocks
	}
	return kvcache.NewBlockTable(rows...)
}

func (r *rank) compact(reqs []*Request) {
	owners := make([][]arena.Handle, 0, len(reqs))
	for _, req := range reqs {
		if len(req.blocks) > 0 {
			owners = append(owners, req.blocks)
		}
	}
	_, moved := r.cache.Compact(r.stream, owners...)
	if moved > 0 {
		r.e.stats.compactions.Add(1)
		r.e.stats.moved.Add(int64(moved))
		r.log.Debug("arena compacted", "moves", moved)
	}
}

// buffers are reused across layers and steps; the stream orders every
// producer before its consumers.
type buffers struct {
	k, v       []float32
	kOut, vOut []float32
	mask       []float32
}

func newBuffers(l kvcache.Layout, g kvcache.HeadGroups, batchSize, maxQ, maxKV int) *buffers {
	in := batchSize * maxQ * l.KVHeads * l.HeadDim
	out := batchSize * g.QueryHeads() * maxKV * l.HeadDim
	return &buffers{
		k:    make([]float32, in),
		v:    make([]float32, in),
		kOut: make([]float32, out),
		vOut: make([]float32, out),
		mask: make([]float32, batchSize*maxQ*maxKV),
	}
}

// forward runs every layer's cache traffic for one step: project the new
// keys and values, write them, build the mask and read the cache back.
func (r *rank) forward(ctx context.Context, st step, seeds []uint64, bufs *buffers, decode bool) error {
	l := r.cache.Config().Layout
	s := r.stream
	g := r.e.groups
	B := st.table.Rows()
	heads, dim := l.KVHeads, l.HeadDim
	maxSession := r.e.cfg.Runtime.MaxSessionLen

	if st.maxKV == 0 {
		return nil
	}
	r.buildMask(st, bufs.mask, decode)

	for layer := range l.Layers {
		s.Launch("project_kv", B*st.maxQ*heads, func(i int) {
			h := i % heads
			q := (i / heads) % st.maxQ
			b := i / (heads * st.maxQ)
			off := ((b*st.maxQ+q)*heads + h) * dim
			if q >= st.qLens[b] {
				return
			}
			pos := st.ctxLens[b] - st.qLens[b] + q
			for d := range dim {
				bufs.k[off+d] = kvValue(seeds[b], layer, pos, h, d, false)
				bufs.v[off+d] = kvValue(seeds[b], layer, pos, h, d, true)
			}
		})
		kvcache.ExtendKVCache(s, r.cache, layer, kvcache.ExtendArgs{
			Table:         st.table,
			K:             bufs.k,
			V:             bufs.v,
			QueryLength:   st.qLens,
			ContextLength: st.ctxLens,
			MaxQLen:       st.maxQ,
		})
		kvcache.TransposeKVCache(s, r.cache, layer, kvcache.TransposeArgs{
			Table:     st.table,
			KeyLength: st.ctxLens,
			MaxKVLen:  st.maxKV,
			MaxSeqLen: maxSession,
			Groups:    g,
			KOut:      bufs.kOut,
			VOut:      bufs.vOut,
		})
		if r.e.opts.VerifyEvery >= 0 {
			s.Host("verify_kv", func() {
				r.verifyKV(layer, st, seeds, bufs)
			})
		}
	}
	if decode {
		return nil
	}
	// Prefill only: the read-back of the last layer, valid prefix of every
	// row and head. Positions past the key length are never written.
	qHeads := g.QueryHeads()
	n := 0
	for b := range B {
		n += qHeads * st.ctxLens[b] * dim
	}
	valid := make([]float32, n)
	s.Host("pack_k_out", func() {
		o := 0
		for b := range B {
			for h := range qHeads {
				off := (b*qHeads + h) * st.maxKV * dim
				o += copy(valid[o:], bufs.kOut[off:off+st.ctxLens[b]*dim])
			}
		}
	})
	sum, err := dump.Floats(ctx, s, r.log, "k_out", valid)
	if err != nil {
		return err
	}
	r.e.recordDump(r.id, sum)
	return nil
}

// buildMask uses the single-offset mask when every row attends to the same
// window, and per-row masks otherwise.
func (r *rank) buildMask(st step, m []float32, decode bool) {
	B := st.table.Rows()
	uniform := decode
	for b := range B {
		if st.ctxLens[b] != st.maxKV || st.qLens[b] != st.maxQ {
			uniform = false
		}
	}
	if uniform {
		mask.SliceCausalMask(r.stream, m, st.maxQ, st.maxKV, st.maxKV-st.maxQ, B)
		return
	}
	mask.CreateCausalMasks(r.stream, m, st.qLens, st.ctxLens, st.maxQ, st.maxKV, B)
}

func (r *rank) verifyKV(layer int, st step, seeds []uint64, bufs *buffers) {
	l := r.cache.Config().Layout
	g := r.e.groups
	qHeads, dim := g.QueryHeads(), l.HeadDim
	for b := range st.table.Rows() {
		kl := st.ctxLens[b]
		from := 0
		if !st.full {
			from = max(kl-1, 0)
		}
		for h := range qHeads {
			src := g.Source(h)
			kTol := r.e.tolerance(layer, src, false)
			vTol := r.e.tolerance(layer, src, true)
			for t := from; t < kl; t++ {
				off := ((b*qHeads+h)*st.maxKV + t) * dim
				for d := range dim {
					if !near(bufs.kOut[off+d], kvValue(seeds[b], layer, t, src, d, false), kTol) ||
						!near(bufs.vOut[off+d], kvValue(seeds[b], layer, t, src, d, true), vTol) {
						r.verifyFailed(fmt.Sprintf("layer %d head %d", layer, h), b, t)
						return
					}
				}
			}
		}
	}
}

func (r *rank) verifyFailed(what string, row, pos int) {
	r.e.stats.verifyErrors.Add(1)
	r.log.Error("read-back mismatch", "what", what, "row", row, "pos", pos)
}

// sample writes generated token i of every live row at step maxCtx+i,
// following the token at the previous step.
func (r *rank) sample(ids []int32, B, maxCtx int, promptLens []int, i int, live []bool) {
	rows := append([]bool(nil), live...)
	st := maxCtx + i
	r.stream.Launch("sample", B, func(b int) {
		if !rows[b] {
			return
		}
		ids[st*B+b] = nextToken(ids[(st-1)*B+b], promptLens[b]+i)
	})
	r.e.stats.tokens.Add(int64(countTrue(rows)))
}

func countTrue(xs []bool) int {
	n := 0
	for _, x := range xs {
		if x {
			n++
		}
	}
	return n
}

// assemble strips padding from the decode buffer, compacts the rows,
// scatters them into the request buffers and checks the compacted ids
// against a replay of the sampler.
func (r *rank) assemble(ctx context.Context, reqs []*Request, ids []int32, promptLens []int, maxCtx, steps int) error {
	s := r.stream
	maxSession := r.e.cfg.Runtime.MaxSessionLen
	B := len(reqs)

	seqLens := make([]int, B)
	total := 0
	outs := make([]output.RequestOutput, B)
	lengths := make([]int, B)
	for b, req := range reqs {
		seqLens[b] = promptLens[b] + req.GenLen - 1
		total += seqLens[b] + 1
		outs[b] = output.RequestOutput{IDs: req.Output, Length: &lengths[b]}
	}

	dense := make([]int32, B*maxSession)
	output.GatherOutput(s, dense, ids, promptLens, maxCtx, steps, maxSession, B)
	compacted := make([]int32, total)
	offsets := make([]int, B+1)
	output.CompactOutputIds(s, compacted, offsets, dense, seqLens, maxSession, 1, B)
	output.UpdateOutput(s, outs, dense, seqLens, maxSession, 1, B)

	lastStep := make([]int32, B)
	batch.CopyInts(s, lastStep, ids[(steps-1)*B:], B)
	s.Host("verify_output", func() {
		for b, req := range reqs {
			want := expectedTokens(req.Prompt, req.GenLen)
			got := compacted[offsets[b]:offsets[b+1]]
			for i := range want {
				if got[i] != want[i] {
					r.verifyFailed("output", b, i)
					break
				}
			}
		}
	})

	for _, d := range []struct {
		name string
		data []int32
	}{
		{"output_ids", compacted},
		{"last_step_ids", lastStep},
	} {
		sum, err := dump.Ints(ctx, s, r.log, d.name, d.data)
		if err != nil {
			return err
		}
		r.e.recordDump(r.id, sum)
	}
	lens := make([]int32, B)
	for b := range B {
		lens[b] = int32(seqLens[b])
	}
	sum, err := dump.Ints(ctx, s, r.log, "seq_lens", lens)
	if err != nil {
		return err
	}
	r.e.recordDump(r.id, sum)

	for b, req := range reqs {
		r.e.finish(req, lengths[b], outs[b].Truncated)
	}
	return nil
}
