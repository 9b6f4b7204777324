package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvpage/internal/logger"
	"github.com/samcharles93/kvpage/internal/memcpy"
	"github.com/samcharles93/kvpage/internal/stream"
)

// benchResult is one copy path's timing.
type benchResult struct {
	Path     string  `json:"path"`
	Copies   int     `json:"copies"`
	Bytes    int     `json:"bytes"`
	Runs     int     `json:"runs"`
	MeanNS   int64   `json:"mean_ns"`
	BestNS   int64   `json:"best_ns"`
	GBPerSec float64 `json:"gb_per_sec"`
}

type benchReport struct {
	CPUs    int           `json:"cpus"`
	Workers int           `json:"workers"`
	Results []benchResult `json:"results"`
}

func benchCmd() *cli.Command {
	var (
		copies    int64
		sizeBytes int64
		runs      int64
		warmup    int64
		asJSON    bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Compare the indexed and batched copy paths",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "copies",
				Usage:       "copies per launch",
				Value:       256,
				Destination: &copies,
			},
			&cli.Int64Flag{
				Name:        "size",
				Usage:       "bytes per copy",
				Value:       64 << 10,
				Destination: &sizeBytes,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "timed launches per path",
				Value:       20,
				Destination: &runs,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "untimed launches per path",
				Value:       2,
				Destination: &warmup,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "worker goroutines (0 uses GOMAXPROCS)",
				Destination: &workers,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if copies <= 0 || sizeBytes <= 0 || runs <= 0 {
				return cli.Exit("error: copies, size and runs must be positive", 1)
			}

			pool := stream.NewPool(int(workers))
			defer pool.Close()
			s := stream.New("bench", pool, log)
			defer func() { _ = s.Close() }()

			n, size := int(copies), int(sizeBytes)
			src, dst, sizes := benchBuffers(n, size)
			perm := rand.New(rand.NewPCG(1, 2)).Perm(n)

			paths := []struct {
				name   string
				launch func() *stream.Step
			}{
				{"batched", func() *stream.Step { return memcpy.BatchedCopy(s, src, dst, sizes) }},
				{"indexed", func() *stream.Step { return memcpy.IndexedCopy(s, src, dst, sizes, nil, nil, n) }},
				{"indexed-perm", func() *stream.Step { return memcpy.IndexedCopy(s, src, dst, sizes, perm, perm, n) }},
			}

			report := benchReport{CPUs: runtime.NumCPU(), Workers: pool.Size()}
			for _, p := range paths {
				log.Info("benchmarking", "path", p.name, "copies", n, "size", size)
				res, err := timePath(ctx, p.launch, int(warmup), int(runs))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", p.name, err), 1)
				}
				res.Path, res.Copies, res.Bytes = p.name, n, n*size
				if res.MeanNS > 0 {
					res.GBPerSec = float64(res.Bytes) / float64(res.MeanNS)
				}
				report.Results = append(report.Results, res)
			}

			if asJSON {
				return writeJSON(os.Stdout, report)
			}
			printBench(os.Stdout, report)
			return nil
		},
	}
}

func benchBuffers(n, size int) (src, dst [][]byte, sizes []int) {
	src = make([][]byte, n)
	dst = make([][]byte, n)
	sizes = make([]int, n)
	for i := range n {
		src[i] = make([]byte, size)
		dst[i] = make([]byte, size)
		for j := range src[i] {
			src[i][j] = byte(i + j)
		}
		sizes[i] = size
	}
	return src, dst, sizes
}

func timePath(ctx context.Context, launch func() *stream.Step, warmup, runs int) (benchResult, error) {
	for range warmup {
		if err := launch().Wait(ctx); err != nil {
			return benchResult{}, err
		}
	}
	var total, best time.Duration
	for i := range runs {
		start := time.Now()
		if err := launch().Wait(ctx); err != nil {
			return benchResult{}, err
		}
		d := time.Since(start)
		total += d
		if i == 0 || d < best {
			best = d
		}
	}
	return benchResult{
		Runs:   runs,
		MeanNS: (total / time.Duration(runs)).Nanoseconds(),
		BestNS: best.Nanoseconds(),
	}, nil
}

func printBench(w io.Writer, r benchReport) {
	_, _ = fmt.Fprintln(w, "=== kvpage copy benchmark ===")
	_, _ = fmt.Fprintf(w, "CPUs:     %d\n", r.CPUs)
	_, _ = fmt.Fprintf(w, "Workers:  %d\n\n", r.Workers)
	_, _ = fmt.Fprintf(w, "%-14s %8s %12s %12s %12s %10s\n", "Path", "Copies", "Bytes", "Mean", "Best", "GB/s")
	for _, res := range r.Results {
		_, _ = fmt.Fprintf(w, "%-14s %8d %12d %12s %12s %10.2f\n",
			res.Path, res.Copies, res.Bytes,
			time.Duration(res.MeanNS), time.Duration(res.BestNS), res.GBPerSec)
	}
}
