package kvcache

import (
	"fmt"

	"github.com/samcharles93/kvpage/internal/arena"
	"github.com/samcharles93/kvpage/internal/memcpy"
	"github.com/samcharles93/kvpage/internal/stream"
)

// Cache binds a resolved config to the arena holding its blocks.
type Cache struct {
	cfg   *Config
	codec codec
	arena *arena.Arena
	views [][]byte
}

// New checks that the arena's blocks fit the layout.
func New(cfg *Config, a *arena.Arena) (*Cache, error) {
	if need := cfg.Layout.BlockBytes(); a.BlockBytes() < need {
		return nil, fmt.Errorf("%w: arena blocks are %d bytes, layout needs %d", ErrInvalidConfig, a.BlockBytes(), need)
	}
	views := make([][]byte, a.Len())
	for h := range views {
		views[h] = a.Block(arena.Handle(h))
	}
	return &Cache{cfg: cfg, codec: codecFor(cfg.Layout), arena: a, views: views}, nil
}

// Config returns the resolved config.
func (c *Cache) Config() *Config {
	return c.cfg
}

// Arena returns the block arena.
func (c *Cache) Arena() *arena.Arena {
	return c.arena
}

func (c *Cache) block(h arena.Handle) []byte {
	return c.views[h]
}

// Move copies whole blocks on s, move.Src to move.Dst, in one indexed copy
// over the arena's block views. Destinations must be distinct and must not
// be the source of another move in the same call.
func (c *Cache) Move(s *stream.Stream, moves []arena.Move, deps ...*stream.Step) *stream.Step {
	if len(moves) == 0 {
		return s.Launch("kv_move", 0, func(int) {}, deps...)
	}
	n := len(moves)
	srcIdx := make([]int, n)
	dstIdx := make([]int, n)
	sizes := make([]int, n)
	for j, m := range moves {
		srcIdx[j], dstIdx[j] = int(m.Src), int(m.Dst)
		sizes[j] = c.cfg.Layout.BlockBytes()
	}
	return memcpy.IndexedCopy(s, c.views, c.views, sizes, srcIdx, dstIdx, n, deps...)
}

// Compact packs the arena's live blocks into its lowest handles. owners are
// every live handle list; they are rewritten in place before the copies run,
// so kernels launched later on s see the new addresses and the moved data.
func (c *Cache) Compact(s *stream.Stream, owners ...[]arena.Handle) (*stream.Step, int) {
	moves := c.arena.PlanCompaction()
	for _, o := range owners {
		arena.Remap(o, moves)
	}
	return c.Move(s, moves), len(moves)
}
