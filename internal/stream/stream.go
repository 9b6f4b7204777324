// Package stream runs kernels as grids of independent work items.
//
// A Stream executes its launches in program order on a dedicated dispatcher
// goroutine; the items of one launch run in any order on a shared Pool.
// Every launch returns a *Step, the pending-step token that consumers on
// other streams pass as a dependency. A kernel that panics faults its step
// and poisons the stream: later launches fail with the same error, which
// surfaces at the next Wait or Synchronize.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/metrics"
)

var (
	// ErrClosed is returned by launches on a closed stream.
	ErrClosed = errors.New("stream closed")
	// ErrFault is wrapped by every error caused by a kernel panic.
	ErrFault = errors.New("kernel fault")
)

const queueDepth = 256

type launch struct {
	step *Step
	n    int
	fn   func(i int)
	deps []*Step
}

// Stream is a single in-order queue of kernel launches.
type Stream struct {
	name string
	pool *Pool
	log  logger.Logger

	queue chan launch
	exit  chan struct{}
	seq   atomic.Uint64

	mu     sync.Mutex
	closed bool
	last   *Step

	faultMu sync.Mutex
	fault   error
}

// New creates a stream that runs its grids on pool.
func New(name string, pool *Pool, log logger.Logger) *Stream {
	s := &Stream{
		name:  name,
		pool:  pool,
		log:   logger.OrDefault(log).With("component", "stream", "stream", name),
		queue: make(chan launch, queueDepth),
		exit:  make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Name returns the stream's name.
func (s *Stream) Name() string {
	return s.name
}

// Launch queues a kernel of n independent work items. fn is called once per
// item index, from any worker, in any order. The launch starts after every
// earlier launch on this stream and after every step in deps.
func (s *Stream) Launch(kernel string, n int, fn func(i int), deps ...*Step) *Step {
	step := newStep(s.name, kernel, s.seq.Add(1))
	metrics.RecordLaunch(kernel)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		step.finish(fmt.Errorf("launch %s on %s: %w", kernel, s.name, ErrClosed))
		return step
	}
	s.last = step
	// Sending while holding mu keeps queue order equal to s.last order.
	s.queue <- launch{step: step, n: n, fn: fn, deps: deps}
	s.mu.Unlock()

	if s.log.Enabled(slog.LevelDebug) {
		s.log.Debug("launch", "kernel", kernel, "seq", step.seq, "items", n, "deps", len(deps))
	}
	return step
}

// Host queues fn as a single work item, for host-side bookkeeping that
// must be ordered with the stream's kernels.
func (s *Stream) Host(name string, fn func(), deps ...*Step) *Step {
	return s.Launch(name, 1, func(int) { fn() }, deps...)
}

// Synchronize blocks until every launch issued so far has completed and
// returns the stream's sticky fault, if any. A cancelled ctx abandons the
// wait, not the work.
func (s *Stream) Synchronize(ctx context.Context) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		if err := last.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return s.Err()
}

// Err returns the sticky fault recorded so far without waiting.
func (s *Stream) Err() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

// Close drains the queue and stops the dispatcher. Launches after Close fail
// with ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.exit
		return s.Err()
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.exit
	return s.Err()
}

func (s *Stream) dispatch() {
	defer close(s.exit)
	for l := range s.queue {
		err := s.depError(l.deps)
		if err == nil {
			err = s.Err()
		}
		if err == nil {
			start := time.Now()
			err = s.pool.run(l.step.kernel, l.n, l.fn)
			metrics.RecordKernel(l.step.kernel, time.Since(start), err != nil)
			if err != nil {
				s.log.Error("kernel fault", "kernel", l.step.kernel, "seq", l.step.seq, "error", err)
			}
		}
		if err != nil {
			s.poison(err)
		}
		l.step.finish(err)
	}
}

func (s *Stream) depError(deps []*Step) error {
	for _, d := range deps {
		if d == nil {
			continue
		}
		<-d.done
		if d.err != nil {
			return fmt.Errorf("dependency %s: %w", d, d.err)
		}
	}
	return nil
}

func (s *Stream) poison(err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil {
		s.fault = err
	}
}
