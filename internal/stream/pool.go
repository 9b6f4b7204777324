package stream

import (
	"fmt"
	"runtime"
	"sync"
)

// minChunk is the smallest slice of a grid worth handing to another worker.
const minChunk = 64

type task struct {
	g      *grid
	rs, re int
}

// grid is one kernel launch split into contiguous work-item ranges.
type grid struct {
	kernel string
	fn     func(i int)
	wg     sync.WaitGroup

	mu    sync.Mutex
	fault error
}

func (g *grid) run(rs, re int) {
	defer g.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			g.fail(r)
		}
	}()
	for i := rs; i < re; i++ {
		g.fn(i)
	}
}

func (g *grid) fail(r any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fault == nil {
		g.fault = &FaultError{Kernel: g.kernel, Value: r}
	}
}

// Pool is a fixed set of worker goroutines shared by every stream of a device.
type Pool struct {
	size  int
	tasks chan task
	once  sync.Once
}

// WorkersFor clamps a requested worker count to GOMAXPROCS when it is not
// positive.
func WorkersFor(requested int) int {
	if requested > 0 {
		return requested
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		return 1
	}
	return workers
}

// NewPool starts workers goroutines. A non-positive count uses GOMAXPROCS.
func NewPool(workers int) *Pool {
	workers = WorkersFor(workers)
	p := &Pool{
		size:  workers,
		tasks: make(chan task, workers*2),
	}
	for range workers {
		go func() {
			for t := range p.tasks {
				t.g.run(t.rs, t.re)
			}
		}()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Close stops the workers. Grids still running finish first.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
}

// run executes fn(i) for i in [0, n) and blocks until every item is done.
// Small grids run on the calling goroutine.
func (p *Pool) run(kernel string, n int, fn func(i int)) error {
	if n <= 0 {
		return nil
	}
	g := &grid{kernel: kernel, fn: fn}
	chunks := p.size * 4
	if limit := (n + minChunk - 1) / minChunk; chunks > limit {
		chunks = limit
	}
	if chunks <= 1 {
		g.wg.Add(1)
		g.run(0, n)
		return g.fault
	}
	per := (n + chunks - 1) / chunks
	for rs := 0; rs < n; rs += per {
		re := min(rs+per, n)
		g.wg.Add(1)
		p.tasks <- task{g: g, rs: rs, re: re}
	}
	g.wg.Wait()
	return g.fault
}

// FaultError is a panic recovered from a running kernel.
type FaultError struct {
	Kernel string
	Value  any
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("kernel %s faulted: %v", e.Kernel, e.Value)
}

func (e *FaultError) Unwrap() error {
	return ErrFault
}
