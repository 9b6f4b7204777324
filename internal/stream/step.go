package stream

import (
	"context"
	"fmt"
)

// Step is the pending-step token returned by every launch. It completes when
// the launch has run (or was skipped because of an earlier fault).
type Step struct {
	stream string
	kernel string
	seq    uint64
	done   chan struct{}
	err    error
}

func newStep(stream, kernel string, seq uint64) *Step {
	return &Step{stream: stream, kernel: kernel, seq: seq, done: make(chan struct{})}
}

// Ready returns an already completed step, usable as a no-op dependency.
func Ready() *Step {
	s := newStep("", "ready", 0)
	close(s.done)
	return s
}

func (s *Step) finish(err error) {
	s.err = err
	close(s.done)
}

// Done is closed when the step has completed.
func (s *Step) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the step completes and returns its error.
func (s *Step) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the step's error once it has completed, nil before.
func (s *Step) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Kernel returns the name of the launched kernel.
func (s *Step) Kernel() string {
	return s.kernel
}

func (s *Step) String() string {
	return fmt.Sprintf("%s/%s#%d", s.stream, s.kernel, s.seq)
}
