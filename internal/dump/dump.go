// Package dump is a diagnostic aid: it synchronizes a stream and logs a
// short summary of a tensor. Nothing depends on its output format.
package dump

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/stream"
)

const sample = 8

// Summary describes one dumped tensor.
type Summary struct {
	Name   string    `json:"name"`
	Len    int       `json:"len"`
	AbsSum float64   `json:"abs_sum"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Head   []float64 `json:"head"`
	Tail   []float64 `json:"tail"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s[%d] asum=%g min=%g max=%g head=%v tail=%v", s.Name, s.Len, s.AbsSum, s.Min, s.Max, s.Head, s.Tail)
}

// Floats waits for every launch on s, then summarizes data.
func Floats(ctx context.Context, s *stream.Stream, log logger.Logger, name string, data []float32) (Summary, error) {
	if err := s.Synchronize(ctx); err != nil {
		return Summary{}, fmt.Errorf("dump %s: %w", name, err)
	}
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	return emit(log, summarize(name, xs)), nil
}

// Ints waits for every launch on s, then summarizes data.
func Ints(ctx context.Context, s *stream.Stream, log logger.Logger, name string, data []int32) (Summary, error) {
	if err := s.Synchronize(ctx); err != nil {
		return Summary{}, fmt.Errorf("dump %s: %w", name, err)
	}
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	return emit(log, summarize(name, xs)), nil
}

func summarize(name string, xs []float64) Summary {
	s := Summary{Name: name, Len: len(xs)}
	if len(xs) == 0 {
		return s
	}
	s.AbsSum = floats.Norm(xs, 1)
	s.Min = floats.Min(xs)
	s.Max = floats.Max(xs)
	s.Head = append([]float64(nil), xs[:min(sample, len(xs))]...)
	s.Tail = append([]float64(nil), xs[max(0, len(xs)-sample):]...)
	return s
}

func emit(log logger.Logger, s Summary) Summary {
	logger.OrDefault(log).Info("dump", "tensor", s.Name, "len", s.Len, "asum", s.AbsSum, "head", s.Head, "tail", s.Tail)
	return s
}
