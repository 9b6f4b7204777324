// Package arena owns the cache's block storage: a fixed pool of equally
// sized blocks addressed by integer handles.
//
// The arena is the block allocator. It hands out handles, takes them back,
// and plans compaction moves; it never copies block contents itself. Copies
// are issued on a stream by the owner of the handles (see kvcache.Cache.Move).
package arena

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/metrics"
)

// Handle identifies one block of the arena.
type Handle int32

// Nil is the invalid handle.
const Nil Handle = -1

var (
	// ErrOutOfBlocks is returned when an allocation cannot be satisfied.
	ErrOutOfBlocks = errors.New("arena: out of blocks")
	// ErrBadHandle is returned for handles outside the arena or not allocated.
	ErrBadHandle = errors.New("arena: invalid handle")
)

// Stats is a snapshot of the arena occupancy.
type Stats struct {
	Blocks     int  `json:"blocks"`
	InUse      int  `json:"in_use"`
	Free       int  `json:"free"`
	BlockBytes int  `json:"block_bytes"`
	Mapped     bool `json:"mapped"`
}

// Move relocates the contents of block Src to block Dst.
type Move struct {
	Src, Dst Handle
}

// Arena is a pool of fixed-size blocks. It is safe for concurrent use.
type Arena struct {
	name       string
	blockBytes int
	count      int
	mem        []byte
	release    func() error
	log        logger.Logger

	mu    sync.Mutex
	free  *binaryheap.Heap[Handle]
	used  []bool
	inUse int
}

// New reserves count blocks of blockBytes each. Anonymous mmap is preferred;
// the Go heap is used when mapping is unavailable. name labels the arena's
// metrics and must be unique among live arenas.
func New(name string, blockBytes, count int, log logger.Logger) (*Arena, error) {
	if blockBytes <= 0 || count <= 0 {
		return nil, fmt.Errorf("arena: invalid geometry %d blocks of %d bytes", count, blockBytes)
	}
	if count > int(^uint32(0)>>1) {
		return nil, fmt.Errorf("arena: %d blocks exceed the handle range", count)
	}
	log = logger.OrDefault(log).With("component", "arena", "arena", name)

	size := blockBytes * count
	mem, release, err := mapMemory(size)
	if err != nil {
		log.Debug("anonymous mapping unavailable, using heap", "error", err)
		mem = make([]byte, size)
		release = nil
	}

	a := &Arena{
		name:       name,
		blockBytes: blockBytes,
		count:      count,
		mem:        mem,
		release:    release,
		log:        log,
		free:       binaryheap.NewWith[Handle](cmp.Compare[Handle]),
		used:       make([]bool, count),
	}
	for h := range count {
		a.free.Push(Handle(h))
	}
	metrics.RecordArena(name, count, 0)
	log.Info("arena ready", "blocks", count, "block_bytes", blockBytes, "mapped", release != nil)
	return a, nil
}

// Name returns the arena's metrics label.
func (a *Arena) Name() string {
	return a.name
}

// BlockBytes returns the size of one block.
func (a *Arena) BlockBytes() int {
	return a.blockBytes
}

// Len returns the number of blocks.
func (a *Arena) Len() int {
	return a.count
}

// Block returns the storage of h. The slice's capacity is clipped to the
// block so appends cannot spill into a neighbour.
func (a *Arena) Block(h Handle) []byte {
	if h < 0 || int(h) >= a.count {
		panic(fmt.Sprintf("arena: handle %d out of range [0, %d)", h, a.count))
	}
	off := int(h) * a.blockBytes
	return a.mem[off : off+a.blockBytes : off+a.blockBytes]
}

// Blocks resolves a handle list to block storage.
func (a *Arena) Blocks(hs []Handle) [][]byte {
	out := make([][]byte, len(hs))
	for i, h := range hs {
		out[i] = a.Block(h)
	}
	return out
}

// Alloc takes n blocks, lowest handles first. It is all or nothing.
func (a *Arena) Alloc(n int) ([]Handle, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: negative allocation %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.free.Size() {
		metrics.RecordAllocFailure()
		a.log.Warn("allocation rejected", "want", n, "free", a.free.Size())
		return nil, fmt.Errorf("%w: want %d, free %d", ErrOutOfBlocks, n, a.free.Size())
	}
	out := make([]Handle, n)
	for i := range out {
		h, _ := a.free.Pop()
		a.used[h] = true
		out[i] = h
	}
	a.inUse += n
	metrics.RecordArena(a.name, a.count, a.inUse)
	return out, nil
}

// Free returns blocks to the pool. Freeing a handle that is not allocated is
// an error and leaves the arena unchanged.
func (a *Arena) Free(hs ...Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[Handle]struct{}, len(hs))
	for _, h := range hs {
		if h < 0 || int(h) >= a.count || !a.used[h] {
			return fmt.Errorf("%w: free %d", ErrBadHandle, h)
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("%w: double free %d", ErrBadHandle, h)
		}
		seen[h] = struct{}{}
	}
	for _, h := range hs {
		a.used[h] = false
		a.free.Push(h)
	}
	a.inUse -= len(hs)
	metrics.RecordArena(a.name, a.count, a.inUse)
	return nil
}

// PlanCompaction packs allocated blocks into the lowest handles. For every
// move it marks Dst allocated and Src free, so the returned moves must be
// executed (and owners remapped) before Src is written again.
func (a *Arena) PlanCompaction() []Move {
	a.mu.Lock()
	defer a.mu.Unlock()

	var moves []Move
	lo, hi := 0, a.count-1
	for {
		for lo < a.count && a.used[lo] {
			lo++
		}
		for hi >= 0 && !a.used[hi] {
			hi--
		}
		if lo >= hi {
			break
		}
		moves = append(moves, Move{Src: Handle(hi), Dst: Handle(lo)})
		a.used[lo], a.used[hi] = true, false
	}
	if len(moves) > 0 {
		a.free.Clear()
		for h, u := range a.used {
			if !u {
				a.free.Push(Handle(h))
			}
		}
		a.log.Debug("compaction planned", "moves", len(moves))
	}
	return moves
}

// Stats returns the current occupancy.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Blocks:     a.count,
		InUse:      a.inUse,
		Free:       a.count - a.inUse,
		BlockBytes: a.blockBytes,
		Mapped:     a.release != nil,
	}
}

// Close releases the backing memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	release := a.release
	a.release = nil
	a.mem = nil
	metrics.ForgetArena(a.name)
	if release != nil {
		return release()
	}
	return nil
}

// Remap rewrites hs in place according to moves.
func Remap(hs []Handle, moves []Move) {
	if len(moves) == 0 {
		return
	}
	to := make(map[Handle]Handle, len(moves))
	for _, m := range moves {
		to[m.Src] = m.Dst
	}
	for i, h := range hs {
		if d, ok := to[h]; ok {
			hs[i] = d
		}
	}
}
