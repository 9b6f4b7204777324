// Package streamtest provides streams for kernel tests.
package streamtest

import (
	"context"
	"testing"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/stream"
)

// New returns a stream on a private pool, closed when the test ends.
func New(t testing.TB) *stream.Stream {
	t.Helper()
	pool := stream.NewPool(4)
	s := stream.New(t.Name(), pool, logger.Discard())
	t.Cleanup(func() {
		_ = s.Close()
		pool.Close()
	})
	return s
}

// Sync waits for s and fails the test on a fault.
func Sync(t testing.TB, s *stream.Stream) {
	t.Helper()
	if err := s.Synchronize(context.Background()); err != nil {
		t.Fatalf("synchronize %s: %v", s.Name(), err)
	}
}
