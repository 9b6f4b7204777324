// Package sim drives the cache core with a synthetic decode loop. It admits
// requests, allocates their blocks, runs every batch-assembly kernel for a
// prefill and the decode steps that follow, verifies what the cache reads
// back, and scatters results into per-request buffers. Finished sequences
// release their blocks and the arena is compacted.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kvpage/internal/arena"
	"github.com/samcharles93/kvpage/internal/config"
	"github.com/samcharles93/kvpage/internal/dump"
	"github.com/samcharles93/kvpage/internal/kvcache"
	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/stream"
)

// Stats are the engine's running counters.
type Stats struct {
	Requests     int64       `json:"requests"`
	Completed    int64       `json:"completed"`
	Rejected     int64       `json:"rejected"`
	Truncated    int64       `json:"truncated"`
	Batches      int64       `json:"batches"`
	Steps        int64       `json:"steps"`
	Tokens       int64       `json:"tokens"`
	Compactions  int64       `json:"compactions"`
	BlocksMoved  int64       `json:"blocks_moved"`
	VerifyErrors int64       `json:"verify_errors"`
	Ranks        []RankStats `json:"ranks"`
}

// RankStats describes one rank's arena.
type RankStats struct {
	Rank   int         `json:"rank"`
	Stream string      `json:"stream"`
	Arena  arena.Stats `json:"arena"`
	Fault  string      `json:"fault,omitempty"`
}

type counters struct {
	requests, completed, rejected, truncated atomic.Int64
	batches, steps, tokens                   atomic.Int64
	compactions, moved, verifyErrors         atomic.Int64
}

// Engine owns the pool, one cache per rank and the request registry.
type Engine struct {
	cfg     config.Config
	kc      *kvcache.Config
	groups  kvcache.HeadGroups
	opts    Options
	log     logger.Logger
	pool    *stream.Pool
	ranks   []*rank
	limiter *rate.Limiter
	rng     *rand.Rand
	stats   counters

	mu       sync.Mutex
	requests map[string]*Request
	retired  []string
	dumps    map[string]dump.Summary
}

// New builds an engine from a validated configuration.
func New(cfg config.Config, opts Options, log logger.Logger) (*Engine, error) {
	kc, err := cfg.KVConfig()
	if err != nil {
		return nil, err
	}
	groups, err := kvcache.NewHeadGroups(kc.Layout.KVHeads, cfg.Model.HeadRep)
	if err != nil {
		return nil, err
	}
	log = logger.OrDefault(log).With("component", "sim")

	limit := rate.Inf
	if cfg.Runtime.StepsPerSec > 0 {
		limit = rate.Limit(cfg.Runtime.StepsPerSec)
	}
	e := &Engine{
		cfg:      cfg,
		kc:       kc,
		groups:   groups,
		opts:     opts,
		log:      log,
		pool:     stream.NewPool(cfg.Runtime.Workers),
		limiter:  rate.NewLimiter(limit, 1),
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed)),
		requests: make(map[string]*Request),
		dumps:    make(map[string]dump.Summary),
	}
	for i := range cfg.Runtime.Streams {
		r, err := newRank(e, i)
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		e.ranks = append(e.ranks, r)
	}
	log.Info("engine ready",
		"ranks", len(e.ranks),
		"workers", e.pool.Size(),
		"block_bytes", kc.Layout.BlockBytes(),
		"blocks", cfg.Cache.Blocks,
		"dtype", kc.Layout.DType,
		"quant_policy", int(kc.Layout.Quant),
	)
	return e, nil
}

// Generate draws n requests from the engine's workload options.
func (e *Engine) Generate(n int) []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Generate(e.opts, n, e.cfg.Runtime.MaxSessionLen, e.rng)
}

// Run registers reqs, spreads them over the ranks and waits for all of them.
// Ranks run concurrently; the first rank error cancels the others. Only the
// most recent Options.Retain requests stay registered once a run returns.
func (e *Engine) Run(ctx context.Context, reqs []*Request) error {
	queues := make([][]*Request, len(e.ranks))
	e.mu.Lock()
	for i, r := range reqs {
		r.rank = i % len(e.ranks)
		r.status = StatusQueued
		e.requests[r.ID] = r
		queues[r.rank] = append(queues[r.rank], r)
	}
	e.mu.Unlock()
	e.stats.requests.Add(int64(len(reqs)))
	defer e.retire(reqs)

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range e.ranks {
		if len(queues[i]) == 0 {
			continue
		}
		g.Go(func() error {
			return r.run(ctx, queues[i])
		})
	}
	return g.Wait()
}

// Serve keeps generating and running workloads until ctx is cancelled.
// The decode loop is paced by runtime.steps_per_sec.
func (e *Engine) Serve(ctx context.Context) error {
	n := max(e.opts.Requests, 1)
	for {
		err := e.Run(ctx, e.Generate(n))
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// retire queues reqs for eviction and drops the oldest registered requests
// beyond the retention limit.
func (e *Engine) retire(reqs []*Request) {
	limit := e.opts.Retain
	if limit <= 0 {
		limit = defaultRetain
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range reqs {
		e.retired = append(e.retired, r.ID)
	}
	if drop := len(e.retired) - limit; drop > 0 {
		for _, id := range e.retired[:drop] {
			delete(e.requests, id)
		}
		e.retired = slices.Clone(e.retired[drop:])
	}
}

// pace blocks until the limiter grants the next decode step. It fails only
// once ctx is done.
func (e *Engine) pace(ctx context.Context) error {
	res := e.limiter.Reserve()
	d := res.Delay()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// Stats snapshots the counters and every rank's arena.
func (e *Engine) Stats() Stats {
	st := Stats{
		Requests:     e.stats.requests.Load(),
		Completed:    e.stats.completed.Load(),
		Rejected:     e.stats.rejected.Load(),
		Truncated:    e.stats.truncated.Load(),
		Batches:      e.stats.batches.Load(),
		Steps:        e.stats.steps.Load(),
		Tokens:       e.stats.tokens.Load(),
		Compactions:  e.stats.compactions.Load(),
		BlocksMoved:  e.stats.moved.Load(),
		VerifyErrors: e.stats.verifyErrors.Load(),
	}
	for _, r := range e.ranks {
		rs := RankStats{Rank: r.id, Stream: r.stream.Name(), Arena: r.cache.Arena().Stats()}
		if err := r.stream.Err(); err != nil {
			rs.Fault = err.Error()
		}
		st.Ranks = append(st.Ranks, rs)
	}
	return st
}

// Request returns a snapshot of the request with the given id. Output ids
// are included once the request is done.
func (e *Engine) Request(id string) (RequestInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return RequestInfo{}, false
	}
	info := RequestInfo{
		ID:        r.ID,
		Rank:      r.rank,
		Status:    r.status,
		PromptLen: len(r.Prompt),
		GenLen:    r.GenLen,
		Capacity:  len(r.Output),
		Reason:    r.reason,
	}
	if r.status == StatusDone {
		info.Length = r.length
		info.Truncated = r.truncated
		info.Output = append([]int32(nil), r.Output[:r.length]...)
	}
	return info, true
}

// Requests lists the ids of every registered request.
func (e *Engine) Requests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.requests))
	for id := range e.requests {
		ids = append(ids, id)
	}
	return ids
}

// Dump returns the latest diagnostic summary recorded under name.
func (e *Engine) Dump(name string) (dump.Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.dumps[name]
	return s, ok
}

// DumpNames lists the recorded summaries.
func (e *Engine) DumpNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.dumps))
	for n := range e.dumps {
		names = append(names, n)
	}
	return names
}

// Close stops every rank and releases the arenas.
func (e *Engine) Close() error {
	var errs []error
	for _, r := range e.ranks {
		if err := r.close(); err != nil && !errors.Is(err, stream.ErrFault) {
			errs = append(errs, err)
		}
	}
	e.pool.Close()
	return errors.Join(errs...)
}

func (e *Engine) setStatus(r *Request, s Status, reason string) {
	e.mu.Lock()
	r.status, r.reason = s, reason
	e.mu.Unlock()
}

func (e *Engine) finish(r *Request, length int, truncated bool) {
	e.mu.Lock()
	r.status, r.length, r.truncated = StatusDone, length, truncated
	e.mu.Unlock()
	e.stats.completed.Add(1)
	if truncated {
		e.stats.truncated.Add(1)
	}
}

func (e *Engine) recordDump(rank int, s dump.Summary) {
	e.mu.Lock()
	e.dumps[fmt.Sprintf("rank%d.%s", rank, s.Name)] = s
	e.mu.Unlock()
}

// tolerance is the read-back error allowed for a stored element of head h.
func (e *Engine) tolerance(layer, head int, value bool) float64 {
	l := e.kc.Layout
	if l.Quant == kvcache.QuantInt8 {
		p := e.kc.Layer(layer)
		scale := p.KScale[head]
		if value {
			scale = p.VScale[head]
		}
		return float64(scale)/2 + 1e-6
	}
	switch l.DType {
	case kvcache.DTypeF16:
		// Values lie in [-1, 1): half a unit in the last place at 1.
		return math.Ldexp(1, -11)
	case kvcache.DTypeBF16:
		return math.Ldexp(1, -8)
	default:
		return 0
	}
}
